package memory

import (
	"context"
	"sync"

	"github.com/you/taskmill/internal/domain"
)

// JobArchive is the in-memory jobs.Recorder.
type JobArchive struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

func NewJobArchive() *JobArchive {
	return &JobArchive{jobs: make(map[string]domain.Job)}
}

func (a *JobArchive) RecordCreated(_ context.Context, job domain.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs[job.ID] = job
	return nil
}

func (a *JobArchive) RecordTerminal(_ context.Context, job domain.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs[job.ID] = job
	return nil
}

// Archived returns the last recorded snapshot, a test helper.
func (a *JobArchive) Archived(id string) (domain.Job, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	j, ok := a.jobs[id]
	return j, ok
}
