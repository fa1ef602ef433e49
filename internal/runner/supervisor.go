package runner

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/you/taskmill/internal/domain"
	"github.com/you/taskmill/internal/jobs"
)

// Worker stdout line protocol. Anything else is a plain log line.
const (
	prefixProgress = "PROGRESS "
	prefixStep     = "STEP "
	prefixResult   = "RESULT "
)

const errorTailLines = 5

type entry struct {
	proc     Process
	timer    *time.Timer
	timedOut atomic.Bool
}

// Config carries the supervisor's timing policy.
type Config struct {
	KillGrace      time.Duration
	DefaultTimeout time.Duration
	Timeouts       map[domain.JobType]time.Duration
}

// Supervisor spawns external workers for jobs, pumps their stdout into the
// job store, and enforces per-type wall-clock timeouts. It is the only
// component that touches worker pids.
type Supervisor struct {
	store    *jobs.Store
	launcher Launcher
	log      *zap.Logger
	cfg      Config

	mu     sync.Mutex
	procs  map[string]*entry
	closed bool
	wg     sync.WaitGroup
}

func NewSupervisor(store *jobs.Store, launcher Launcher, cfg Config, log *zap.Logger) *Supervisor {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	return &Supervisor{
		store:    store,
		launcher: launcher,
		log:      log,
		cfg:      cfg,
		procs:    make(map[string]*entry),
	}
}

func (s *Supervisor) timeoutFor(t domain.JobType) time.Duration {
	if d, ok := s.cfg.Timeouts[t]; ok && d > 0 {
		return d
	}
	return s.cfg.DefaultTimeout
}

// Launch spawns the worker for a created job and begins supervision. A spawn
// failure fails the job immediately; the refund hook settles the credits.
func (s *Supervisor) Launch(jobID, name string, args []string) error {
	job, err := s.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		// Cancelled before we got to spawn.
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is shutting down")
	}
	proc, err := s.launcher.Start(name, args)
	if err != nil {
		s.mu.Unlock()
		_ = s.store.Fail(jobID, "failed to start worker: "+err.Error())
		return fmt.Errorf("spawn worker for job %s: %w", jobID, err)
	}

	timeout := s.timeoutFor(job.Type)
	e := &entry{proc: proc}
	e.timer = time.AfterFunc(timeout, func() {
		e.timedOut.Store(true)
		if kerr := proc.Kill(s.cfg.KillGrace); kerr != nil {
			s.log.Warn("timeout kill failed", zap.String("job_id", jobID), zap.Error(kerr))
		}
	})
	s.procs[jobID] = e
	s.wg.Add(1)
	s.mu.Unlock()

	_ = s.store.Start(jobID, proc.PID())
	s.log.Info("worker started",
		zap.String("job_id", jobID),
		zap.String("type", string(job.Type)),
		zap.Int("pid", proc.PID()),
		zap.Duration("timeout", timeout))

	go s.pump(jobID, e, timeout)

	// A cancel landing between the pre-spawn terminal check and the
	// registration above found nothing in procs, so the kill falls to us.
	if cur, gerr := s.store.Get(jobID); gerr == nil && cur.Status.Terminal() {
		e.timer.Stop()
		if kerr := proc.Kill(s.cfg.KillGrace); kerr != nil {
			s.log.Warn("kill after late cancel failed", zap.String("job_id", jobID), zap.Error(kerr))
		}
	}
	return nil
}

// pump reads the worker's stdout until EOF, relays protocol lines into the
// store, then resolves the job from the exit code.
func (s *Supervisor) pump(jobID string, e *entry, timeout time.Duration) {
	defer s.wg.Done()

	var (
		progress   int
		step       string
		lastResult string
		tail       []string
	)

	sc := bufio.NewScanner(e.proc.Stdout())
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, prefixProgress):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, prefixProgress)))
			if err != nil || n < 0 || n > 100 {
				continue
			}
			if n > progress {
				progress = n
			}
			_ = s.store.SetProgress(jobID, progress, step)
		case strings.HasPrefix(line, prefixStep):
			step = strings.TrimSpace(strings.TrimPrefix(line, prefixStep))
			_ = s.store.SetProgress(jobID, progress, step)
		case strings.HasPrefix(line, prefixResult):
			lastResult = strings.TrimSpace(strings.TrimPrefix(line, prefixResult))
		default:
			_ = s.store.AppendLog(jobID, line)
			tail = append(tail, line)
			if len(tail) > errorTailLines {
				tail = tail[1:]
			}
		}
	}

	code, werr := e.proc.Wait()
	e.timer.Stop()

	s.mu.Lock()
	delete(s.procs, jobID)
	s.mu.Unlock()

	switch {
	case e.timedOut.Load():
		_ = s.store.Fail(jobID, fmt.Sprintf("worker timed out after %s", timeout))
	case werr != nil:
		_ = s.store.Fail(jobID, "worker wait failed: "+werr.Error())
	case code == 0:
		_ = s.store.Complete(jobID, lastResult)
	default:
		msg := fmt.Sprintf("worker exited with code %d", code)
		if len(tail) > 0 {
			msg += ": " + strings.Join(tail, " | ")
		}
		_ = s.store.Fail(jobID, msg)
	}

	job, err := s.store.Get(jobID)
	if err == nil {
		s.log.Info("worker finished",
			zap.String("job_id", jobID),
			zap.Int("exit_code", code),
			zap.String("status", string(job.Status)))
	}
}

// Cancel terminates a running job's process tree and marks it cancelled.
// Unknown job ids return domain.ErrNotFound; a job that is already terminal
// is a success no-op, so double cancels never double-kill.
func (s *Supervisor) Cancel(jobID string) error {
	job, err := s.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	// Mark cancelled before killing, so the pump's exit handling cannot
	// flip the job to failed while the kill is in flight.
	if err := s.store.Cancel(jobID); err != nil {
		return err
	}

	s.mu.Lock()
	e := s.procs[jobID]
	s.mu.Unlock()

	if e != nil {
		e.timer.Stop()
		if kerr := e.proc.Kill(s.cfg.KillGrace); kerr != nil {
			// The worker may have exited on its own.
			s.log.Warn("cancel kill failed", zap.String("job_id", jobID), zap.Error(kerr))
		}
	}
	if job.PID > 0 {
		_ = s.store.AppendLog(jobID, fmt.Sprintf("job cancelled (pid %d terminated)", job.PID))
	} else {
		_ = s.store.AppendLog(jobID, "job cancelled")
	}
	return nil
}

// Shutdown kills all active workers and waits for their pumps to settle or
// the context to expire.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	entries := make([]*entry, 0, len(s.procs))
	for _, e := range s.procs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		go func(e *entry) {
			_ = e.proc.Kill(s.cfg.KillGrace)
		}(e)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("shutdown timed out waiting for workers")
	}
}
