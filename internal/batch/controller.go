package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/taskmill/internal/domain"
	"github.com/you/taskmill/internal/jobs"
)

// ItemAction applies one batch operation to one item.
type ItemAction interface {
	Name() string
	Apply(ctx context.Context, actorID, itemID string) error
}

// FuncAction adapts a function to ItemAction.
type FuncAction struct {
	ActionName string
	Fn         func(ctx context.Context, actorID, itemID string) error
}

func (a FuncAction) Name() string { return a.ActionName }

func (a FuncAction) Apply(ctx context.Context, actorID, itemID string) error {
	return a.Fn(ctx, actorID, itemID)
}

// Controller represents many item-level operations as one parent job. The
// resource key derives from action+actor, so the same user cannot run two
// identical batches concurrently.
type Controller struct {
	store       *jobs.Store
	log         *zap.Logger
	concurrency int

	actions map[string]ItemAction
	wg      sync.WaitGroup
}

func NewController(store *jobs.Store, concurrency int, log *zap.Logger) *Controller {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Controller{
		store:       store,
		log:         log,
		concurrency: concurrency,
		actions:     make(map[string]ItemAction),
	}
}

// Register adds an action. Call before the controller is shared.
func (c *Controller) Register(a ItemAction) {
	c.actions[a.Name()] = a
}

// Submit creates the parent job and starts processing in the background.
func (c *Controller) Submit(userID, action string, itemIDs []string) (domain.Job, error) {
	act, ok := c.actions[action]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: unknown batch action %q", domain.ErrValidation, action)
	}
	if len(itemIDs) == 0 {
		return domain.Job{}, fmt.Errorf("%w: no item ids given", domain.ErrValidation)
	}

	job, err := c.store.Create(jobs.CreateParams{
		UserID:      userID,
		Type:        domain.TypeProductBatch,
		ResourceKey: action + ":" + userID,
	})
	if err != nil {
		return domain.Job{}, err
	}

	c.wg.Add(1)
	go c.run(job.ID, userID, act, itemIDs)
	return job, nil
}

func (c *Controller) run(jobID, userID string, act ItemAction, itemIDs []string) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			_ = c.store.Fail(jobID, fmt.Sprintf("batch aborted: %v", r))
			c.log.Error("batch panicked", zap.String("job_id", jobID), zap.Any("panic", r))
		}
	}()

	_ = c.store.Start(jobID, 0)

	total := len(itemIDs)
	result := domain.BatchResult{Failures: make([]domain.BatchFailure, 0)}

	var mu sync.Mutex
	done := 0

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for _, itemID := range itemIDs {
		itemID := itemID
		g.Go(func() error {
			err := act.Apply(context.Background(), userID, itemID)

			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				result.FailCount++
				result.Failures = append(result.Failures, domain.BatchFailure{ID: itemID, Reason: err.Error()})
				_ = c.store.AppendLog(jobID, fmt.Sprintf("%s: failed: %s", itemID, err.Error()))
			} else {
				result.SuccessCount++
				_ = c.store.AppendLog(jobID, itemID+": ok")
			}
			progress := int(math.Round(100 * float64(done) / float64(total)))
			_ = c.store.SetProgress(jobID, progress, fmt.Sprintf("%d/%d items", done, total))
			return nil
		})
	}
	_ = g.Wait()

	// Item failures are results, not errors: the parent job completes.
	buf, err := json.Marshal(result)
	if err != nil {
		_ = c.store.Fail(jobID, "failed to encode batch result: "+err.Error())
		return
	}
	_ = c.store.Complete(jobID, string(buf))
}

// Shutdown waits for running batches or the context, whichever first.
func (c *Controller) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("shutdown timed out waiting for batches")
	}
}
