package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/taskmill/internal/domain"
)

const defaultLogCap = 500

type activeKey struct {
	typ domain.JobType
	res string
}

// EventKind classifies store notifications.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventTerminal EventKind = "terminal"
)

// Event carries a job snapshot taken at the moment of the transition.
type Event struct {
	Kind EventKind
	Job  domain.Job
}

// Handler receives store events. Handlers run synchronously in the mutating
// goroutine, after the store lock is released; slow work belongs in a
// goroutine owned by the handler.
type Handler func(Event)

// Store is the authoritative in-memory job registry. All writes are
// serialized through the store lock, so the runner and the cancellation path
// never race on the same row. Terminal transitions are accept-once: whichever
// of complete/fail/cancel lands first wins and later attempts are dropped.
type Store struct {
	mu       sync.RWMutex
	logCap   int
	jobs     map[string]*domain.Job
	order    []string
	active   map[activeKey]string
	handlers []Handler
}

type Option func(*Store)

// WithLogCap bounds the per-job log buffer; oldest lines are dropped.
func WithLogCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.logCap = n
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		logCap: defaultLogCap,
		jobs:   make(map[string]*domain.Job),
		active: make(map[activeKey]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnEvent registers a handler. Must be called before the store is shared
// between goroutines.
func (s *Store) OnEvent(h Handler) {
	s.handlers = append(s.handlers, h)
}

func (s *Store) emit(ev Event) {
	for _, h := range s.handlers {
		h(ev)
	}
}

// CreateParams describes a new job. ID is optional; when empty a UUID is
// assigned. A pre-generated ID lets callers reserve credits against the job
// id before the row exists.
type CreateParams struct {
	ID          string
	UserID      string
	Type        domain.JobType
	ResourceKey string
}

// Create inserts a pending job. When ResourceKey is non-empty and another
// job of the same type is already pending or processing on that key, it
// returns domain.ErrConflict.
func (s *Store) Create(p CreateParams) (domain.Job, error) {
	if p.Type == "" {
		return domain.Job{}, fmt.Errorf("%w: job type required", domain.ErrValidation)
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if p.ResourceKey != "" {
		key := activeKey{p.Type, p.ResourceKey}
		if holder, ok := s.active[key]; ok {
			s.mu.Unlock()
			return domain.Job{}, fmt.Errorf("%w: %s/%s held by job %s",
				domain.ErrConflict, p.Type, p.ResourceKey, holder)
		}
		s.active[key] = id
	}
	now := time.Now().UTC()
	j := &domain.Job{
		ID:          id,
		UserID:      p.UserID,
		Type:        p.Type,
		ResourceKey: p.ResourceKey,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[id] = j
	s.order = append(s.order, id)
	snap := clone(j)
	s.mu.Unlock()

	s.emit(Event{Kind: EventCreated, Job: snap})
	return snap, nil
}

// Get returns a copy of the job.
func (s *Store) Get(id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return clone(j), nil
}

// FindActive returns the pending or processing job holding (type, resourceKey).
func (s *Store) FindActive(typ domain.JobType, resourceKey string) (domain.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[activeKey{typ, resourceKey}]
	if !ok {
		return domain.Job{}, false
	}
	return clone(s.jobs[id]), true
}

// FindByTypeStatus returns the most recent job matching type and status.
// Clients use it to reattach to an in-flight job after a page reload.
func (s *Store) FindByTypeStatus(typ domain.JobType, status domain.JobStatus) (domain.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		j := s.jobs[s.order[i]]
		if j.Type == typ && j.Status == status {
			return clone(j), true
		}
	}
	return domain.Job{}, false
}

// List returns a user's jobs, newest first, plus the total count.
func (s *Store) List(userID string, limit, offset int) ([]domain.Job, int) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []domain.Job
	for i := len(s.order) - 1; i >= 0; i-- {
		j := s.jobs[s.order[i]]
		if j.UserID == userID {
			all = append(all, clone(j))
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total
}

// Start transitions pending -> processing and records the worker pid.
// Dropped silently when the job is already terminal (a cancel won the race).
func (s *Store) Start(id string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if j.Status.Terminal() {
		return nil
	}
	j.Status = domain.StatusProcessing
	j.PID = pid
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendLog appends one line to the bounded log buffer.
func (s *Store) AppendLog(id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	j.Logs = append(j.Logs, line)
	if len(j.Logs) > s.logCap {
		j.Logs = append(j.Logs[:0:0], j.Logs[len(j.Logs)-s.logCap:]...)
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// SetProgress updates progress and step. Progress may never decrease while
// the job is live; updates against a terminal job are dropped.
func (s *Store) SetProgress(id string, progress int, step string) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", domain.ErrValidation, progress)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if j.Status.Terminal() {
		return nil
	}
	if progress < j.Progress {
		return fmt.Errorf("%w: progress cannot decrease (%d -> %d)",
			domain.ErrValidation, j.Progress, progress)
	}
	j.Progress = progress
	if step != "" {
		j.Step = step
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete marks the job completed with a result reference. No-op when the
// job is already terminal.
func (s *Store) Complete(id, result string) error {
	return s.finish(id, domain.StatusCompleted, func(j *domain.Job) {
		j.Result = result
		j.Progress = 100
	})
}

// Fail marks the job failed with an error message. No-op when terminal.
func (s *Store) Fail(id, message string) error {
	return s.finish(id, domain.StatusFailed, func(j *domain.Job) {
		j.Error = message
	})
}

// Cancel marks the job cancelled. No-op when terminal.
func (s *Store) Cancel(id string) error {
	return s.finish(id, domain.StatusCancelled, nil)
}

func (s *Store) finish(id string, status domain.JobStatus, mut func(*domain.Job)) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if j.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	j.Status = status
	if mut != nil {
		mut(j)
	}
	j.PID = 0
	j.UpdatedAt = time.Now().UTC()
	if j.ResourceKey != "" {
		delete(s.active, activeKey{j.Type, j.ResourceKey})
	}
	snap := clone(j)
	s.mu.Unlock()

	s.emit(Event{Kind: EventTerminal, Job: snap})
	return nil
}

func clone(j *domain.Job) domain.Job {
	out := *j
	out.Logs = append([]string(nil), j.Logs...)
	return out
}
