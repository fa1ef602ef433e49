package batch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/taskmill/internal/domain"
	"github.com/you/taskmill/internal/jobs"
)

func waitTerminal(t *testing.T, store *jobs.Store, id string) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		j, err := store.Get(id)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestBatchPartialFailureCompletesWithReport(t *testing.T) {
	store := jobs.NewStore()
	c := NewController(store, 2, zap.NewNop())
	c.Register(FuncAction{
		ActionName: "archive",
		Fn: func(_ context.Context, _, itemID string) error {
			if itemID == "item-2" {
				return errors.New("item is locked")
			}
			return nil
		},
	})

	job, err := c.Submit("u1", "archive", []string{"item-1", "item-2", "item-3"})
	require.NoError(t, err)

	got := waitTerminal(t, store, job.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	var result domain.BatchResult
	require.NoError(t, json.Unmarshal([]byte(got.Result), &result))
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.FailCount)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "item-2", result.Failures[0].ID)
	assert.Equal(t, "item is locked", result.Failures[0].Reason)

	assert.Contains(t, got.Logs, "item-1: ok")
	assert.Contains(t, got.Logs, "item-2: failed: item is locked")
}

func TestBatchValidation(t *testing.T) {
	store := jobs.NewStore()
	c := NewController(store, 2, zap.NewNop())
	c.Register(FuncAction{ActionName: "archive", Fn: func(context.Context, string, string) error { return nil }})

	_, err := c.Submit("u1", "unknown", []string{"a"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = c.Submit("u1", "archive", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBatchSameUserSameActionConflicts(t *testing.T) {
	store := jobs.NewStore()
	c := NewController(store, 1, zap.NewNop())
	release := make(chan struct{})
	c.Register(FuncAction{
		ActionName: "archive",
		Fn: func(context.Context, string, string) error {
			<-release
			return nil
		},
	})

	first, err := c.Submit("u1", "archive", []string{"a"})
	require.NoError(t, err)

	_, err = c.Submit("u1", "archive", []string{"b"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	// A different user runs the same action freely.
	_, err = c.Submit("u2", "archive", []string{"c"})
	require.NoError(t, err)

	close(release)
	waitTerminal(t, store, first.ID)

	// The finished batch releases the slot.
	_, err = c.Submit("u1", "archive", []string{"d"})
	require.NoError(t, err)
}

func TestBatchConcurrencyLimit(t *testing.T) {
	store := jobs.NewStore()
	c := NewController(store, 2, zap.NewNop())

	var mu sync.Mutex
	inFlight, peak := 0, 0
	c.Register(FuncAction{
		ActionName: "touch",
		Fn: func(context.Context, string, string) error {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		},
	})

	job, err := c.Submit("u1", "touch", []string{"a", "b", "c", "d", "e", "f"})
	require.NoError(t, err)
	waitTerminal(t, store, job.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Positive(t, peak)
}

func TestBatchPanicFailsJob(t *testing.T) {
	store := jobs.NewStore()
	c := NewController(store, 1, zap.NewNop())
	c.Register(FuncAction{
		ActionName: "explode",
		Fn:         func(context.Context, string, string) error { panic("boom") },
	})

	job, err := c.Submit("u1", "explode", []string{"a"})
	require.NoError(t, err)

	got := waitTerminal(t, store, job.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "batch aborted")
}
