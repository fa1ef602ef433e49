package crawl

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/taskmill/internal/domain"
)

// QueueRepo persists crawl queue items. InsertIfAbsent must treat a dedup
// key as taken while any non-failed item with that key exists for the user;
// ClaimPending must atomically flip one pending item to processing.
type QueueRepo interface {
	InsertIfAbsent(ctx context.Context, item domain.CrawlQueueItem) (bool, error)
	ClaimPending(ctx context.Context) (domain.CrawlQueueItem, bool, error)
	Get(ctx context.Context, id string) (domain.CrawlQueueItem, error)
	SetStatus(ctx context.Context, id string, status domain.QueueStatus, errMsg string) error
	DeleteBySource(ctx context.Context, userID, sourceURL string) (int, error)
	DeleteByIDs(ctx context.Context, userID string, ids []string) (int, error)
}

// RunSummary is the outcome of one submission run against a source.
type RunSummary struct {
	Status         domain.HistoryStatus
	ResultCount    int
	DuplicateCount int
	ErrorCount     int
	TotalLinks     int
	Message        string
}

// HistoryRepo maintains the one-row-per-source crawl history.
type HistoryRepo interface {
	EnsureRunning(ctx context.Context, userID, sourceURL, hostname string) (domain.LinkHistoryEntry, error)
	FinishRun(ctx context.Context, id string, run RunSummary) error
	List(ctx context.Context, userID string, limit, offset int) ([]domain.LinkHistoryEntry, int, error)
	Delete(ctx context.Context, userID, id string) error
}

// ItemProcessor performs per-item enrichment while draining the queue.
type ItemProcessor interface {
	Process(ctx context.Context, item domain.CrawlQueueItem) error
}

// SubmitResult reports what one source submission did.
type SubmitResult struct {
	AddedCount     int    `json:"addedCount"`
	DuplicateCount int    `json:"duplicateCount"`
	TotalLinks     int    `json:"totalLinks"`
	HistoryID      string `json:"historyId"`
}

// Engine owns link ingestion, deduplication, the per-source history, and the
// background drain loop.
type Engine struct {
	queue     QueueRepo
	history   HistoryRepo
	extractor LinkExtractor
	processor ItemProcessor
	log       *zap.Logger

	workers int
	poll    time.Duration

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewEngine(queue QueueRepo, history HistoryRepo, extractor LinkExtractor, processor ItemProcessor, workers int, poll time.Duration, log *zap.Logger) *Engine {
	if workers <= 0 {
		workers = 3
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Engine{
		queue:     queue,
		history:   history,
		extractor: extractor,
		processor: processor,
		log:       log,
		workers:   workers,
		poll:      poll,
	}
}

// SubmitSource extracts candidate links from the source page, inserts the
// new ones as pending queue items, counts duplicates, and updates the
// source's history row.
func (e *Engine) SubmitSource(ctx context.Context, userID, sourceURL string) (SubmitResult, error) {
	base, err := url.Parse(sourceURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return SubmitResult{}, fmt.Errorf("%w: source url must be absolute http(s)", domain.ErrValidation)
	}

	hist, err := e.history.EnsureRunning(ctx, userID, sourceURL, base.Hostname())
	if err != nil {
		return SubmitResult{}, err
	}

	hrefs, err := e.extractor.Extract(ctx, sourceURL)
	if err != nil {
		if ferr := e.history.FinishRun(ctx, hist.ID, RunSummary{
			Status:  domain.HistoryError,
			Message: err.Error(),
		}); ferr != nil {
			e.log.Warn("history update failed", zap.String("history_id", hist.ID), zap.Error(ferr))
		}
		return SubmitResult{}, err
	}

	res := SubmitResult{HistoryID: hist.ID}
	errCount := 0
	seen := make(map[string]bool, len(hrefs))
	now := time.Now().UTC()

	for _, href := range hrefs {
		candidate, key, nerr := Normalize(base, href)
		if nerr != nil {
			errCount++
			continue
		}
		res.TotalLinks++
		if seen[key] {
			res.DuplicateCount++
			continue
		}
		seen[key] = true

		inserted, ierr := e.queue.InsertIfAbsent(ctx, domain.CrawlQueueItem{
			ID:           newItemID(),
			UserID:       userID,
			SourceURL:    sourceURL,
			CandidateURL: candidate,
			DedupKey:     key,
			Status:       domain.QueuePending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if ierr != nil {
			errCount++
			e.log.Warn("queue insert failed", zap.String("candidate", candidate), zap.Error(ierr))
			continue
		}
		if inserted {
			res.AddedCount++
		} else {
			res.DuplicateCount++
		}
	}

	status := domain.HistoryCompleted
	if errCount > 0 {
		status = domain.HistoryError
	}
	summary := RunSummary{
		Status:         status,
		ResultCount:    res.AddedCount,
		DuplicateCount: res.DuplicateCount,
		ErrorCount:     errCount,
		TotalLinks:     res.TotalLinks,
		Message:        fmt.Sprintf("%d added, %d duplicates, %d errors", res.AddedCount, res.DuplicateCount, errCount),
	}
	if err := e.history.FinishRun(ctx, hist.ID, summary); err != nil {
		e.log.Warn("history update failed", zap.String("history_id", hist.ID), zap.Error(err))
	}
	return res, nil
}

// Start launches the drain worker pool. Workers run until ctx is cancelled
// or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			e.drain(gctx)
			return nil
		})
	}
	e.log.Info("crawl drain started", zap.Int("workers", e.workers))
}

// Stop cancels the drain loop and waits for in-flight items to settle.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	_ = e.group.Wait()
}

func (e *Engine) drain(ctx context.Context) {
	for {
		item, ok, err := e.queue.ClaimPending(ctx)
		if err != nil {
			e.log.Warn("claim pending failed", zap.Error(err))
		}
		if !ok || err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.poll):
				continue
			}
		}

		perr := e.processor.Process(ctx, item)
		status := domain.QueueDone
		msg := ""
		if perr != nil {
			status = domain.QueueFailed
			msg = perr.Error()
		}
		if serr := e.queue.SetStatus(ctx, item.ID, status, msg); serr != nil {
			e.log.Warn("queue status update failed", zap.String("item_id", item.ID), zap.Error(serr))
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Retry moves a settled item back to pending so the drain loop revisits it.
func (e *Engine) Retry(ctx context.Context, userID, itemID string) error {
	item, err := e.queue.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if item.UserID != userID {
		return fmt.Errorf("%w: queue item %s", domain.ErrPermission, itemID)
	}
	if item.Status != domain.QueueDone && item.Status != domain.QueueFailed {
		return fmt.Errorf("%w: cannot retry item in status %s", domain.ErrValidation, item.Status)
	}
	return e.queue.SetStatus(ctx, itemID, domain.QueuePending, "")
}

// DeleteBySource removes every queue item originating from the source.
func (e *Engine) DeleteBySource(ctx context.Context, userID, sourceURL string) (int, error) {
	return e.queue.DeleteBySource(ctx, userID, sourceURL)
}

// DeleteByIDs removes an explicit item set. When fewer rows matched than
// requested, the actual count is returned with an error so the caller never
// sees a partial removal reported as clean success.
func (e *Engine) DeleteByIDs(ctx context.Context, userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no queue item ids given", domain.ErrValidation)
	}
	n, err := e.queue.DeleteByIDs(ctx, userID, ids)
	if err != nil {
		return n, err
	}
	if n != len(ids) {
		return n, fmt.Errorf("%w: deleted %d of %d queue items", domain.ErrNotFound, n, len(ids))
	}
	return n, nil
}

// History lists crawl history entries, newest run first.
func (e *Engine) History(ctx context.Context, userID string, limit, offset int) ([]domain.LinkHistoryEntry, int, error) {
	if limit <= 0 || limit > 50 {
		limit = 5
	}
	if offset < 0 {
		offset = 0
	}
	return e.history.List(ctx, userID, limit, offset)
}

// DeleteHistory removes one history row. Queue items are untouched: history
// is an advisory summary, not their owner.
func (e *Engine) DeleteHistory(ctx context.Context, userID, historyID string) error {
	return e.history.Delete(ctx, userID, historyID)
}
