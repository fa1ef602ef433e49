package runner

import (
	"context"
	"io"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/taskmill/internal/domain"
	"github.com/you/taskmill/internal/jobs"
)

// fakeProcess feeds scripted stdout to the supervisor and exits with the
// configured code once the script runs out or Kill is called.
type fakeProcess struct {
	pid  int
	out  *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	killed   bool
}

func newFakeProcess(pid int) *fakeProcess {
	pr, pw := io.Pipe()
	return &fakeProcess{pid: pid, out: pr, pw: pw, done: make(chan struct{})}
}

func (p *fakeProcess) writeLine(line string) {
	_, _ = p.pw.Write([]byte(line + "\n"))
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
	}
	p.exitCode = code
	close(p.done)
	p.mu.Unlock()
	p.pw.Close()
}

func (p *fakeProcess) PID() int          { return p.pid }
func (p *fakeProcess) Stdout() io.Reader { return p.out }

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

func (p *fakeProcess) Kill(time.Duration) error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeLauncher struct {
	mu     sync.Mutex
	next   *fakeProcess
	err    error
	starts int
}

func (l *fakeLauncher) Start(string, []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	if l.err != nil {
		return nil, l.err
	}
	return l.next, nil
}

type launcherFunc func(name string, args []string) (Process, error)

func (f launcherFunc) Start(name string, args []string) (Process, error) { return f(name, args) }

func newTestSupervisor(t *testing.T, launcher Launcher, cfg Config) (*Supervisor, *jobs.Store) {
	t.Helper()
	store := jobs.NewStore()
	return NewSupervisor(store, launcher, cfg, zap.NewNop()), store
}

func createJob(t *testing.T, store *jobs.Store) domain.Job {
	t.Helper()
	job, err := store.Create(jobs.CreateParams{
		UserID: "u1", Type: domain.TypeScriptGeneration, ResourceKey: "prod-1",
	})
	require.NoError(t, err)
	return job
}

func waitStatus(t *testing.T, store *jobs.Store, id string, want domain.JobStatus) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		j, err := store.Get(id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for status %s", want)
	return job
}

func TestLaunchHappyPath(t *testing.T) {
	proc := newFakeProcess(4242)
	sup, store := newTestSupervisor(t, &fakeLauncher{next: proc}, Config{})
	job := createJob(t, store)

	require.NoError(t, sup.Launch(job.ID, "worker", nil))
	got, _ := store.Get(job.ID)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, 4242, got.PID)

	proc.writeLine("STEP generating script")
	proc.writeLine("PROGRESS 30")
	proc.writeLine("loading prompt template")
	proc.writeLine("PROGRESS 90")
	proc.writeLine("RESULT s3://bucket/scripts/out.json")
	proc.exit(0)

	got = waitStatus(t, store, job.ID, domain.StatusCompleted)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "generating script", got.Step)
	assert.Equal(t, "s3://bucket/scripts/out.json", got.Result)
	assert.Contains(t, got.Logs, "loading prompt template")
	assert.Zero(t, got.PID)
}

func TestLaunchSpawnFailureFailsJob(t *testing.T) {
	sup, store := newTestSupervisor(t, &fakeLauncher{err: io.ErrClosedPipe}, Config{})
	job := createJob(t, store)

	err := sup.Launch(job.ID, "worker", nil)
	require.Error(t, err)

	got, _ := store.Get(job.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "failed to start worker")
}

func TestNonZeroExitCarriesLogTail(t *testing.T) {
	proc := newFakeProcess(1)
	sup, store := newTestSupervisor(t, &fakeLauncher{next: proc}, Config{})
	job := createJob(t, store)
	require.NoError(t, sup.Launch(job.ID, "worker", nil))

	for i := 0; i < 10; i++ {
		proc.writeLine("noise")
	}
	proc.writeLine("out of memory")
	proc.exit(137)

	got := waitStatus(t, store, job.ID, domain.StatusFailed)
	assert.Contains(t, got.Error, "exited with code 137")
	assert.Contains(t, got.Error, "out of memory")
}

func TestMalformedProtocolLinesAreIgnored(t *testing.T) {
	proc := newFakeProcess(1)
	sup, store := newTestSupervisor(t, &fakeLauncher{next: proc}, Config{})
	job := createJob(t, store)
	require.NoError(t, sup.Launch(job.ID, "worker", nil))

	proc.writeLine("PROGRESS 50")
	proc.writeLine("PROGRESS banana")
	proc.writeLine("PROGRESS 300")
	proc.writeLine("PROGRESS 20") // regressions are dropped
	proc.exit(0)

	got := waitStatus(t, store, job.ID, domain.StatusCompleted)
	assert.Equal(t, 100, got.Progress)
}

func TestTimeoutKillsAndFails(t *testing.T) {
	proc := newFakeProcess(1)
	sup, store := newTestSupervisor(t, &fakeLauncher{next: proc}, Config{
		DefaultTimeout: 30 * time.Millisecond,
	})
	job := createJob(t, store)
	require.NoError(t, sup.Launch(job.ID, "worker", nil))

	got := waitStatus(t, store, job.ID, domain.StatusFailed)
	assert.Contains(t, got.Error, "timed out")
	assert.True(t, proc.wasKilled())
}

func TestPerTypeTimeoutOverridesDefault(t *testing.T) {
	proc := newFakeProcess(1)
	sup, store := newTestSupervisor(t, &fakeLauncher{next: proc}, Config{
		DefaultTimeout: time.Hour,
		Timeouts: map[domain.JobType]time.Duration{
			domain.TypeScriptGeneration: 30 * time.Millisecond,
		},
	})
	job := createJob(t, store)
	require.NoError(t, sup.Launch(job.ID, "worker", nil))

	waitStatus(t, store, job.ID, domain.StatusFailed)
}

func TestCancelKillsProcessAndLogs(t *testing.T) {
	proc := newFakeProcess(777)
	sup, store := newTestSupervisor(t, &fakeLauncher{next: proc}, Config{})
	job := createJob(t, store)
	require.NoError(t, sup.Launch(job.ID, "worker", nil))

	require.NoError(t, sup.Cancel(job.ID))
	assert.True(t, proc.wasKilled())

	got, _ := store.Get(job.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Contains(t, got.Logs, "job cancelled (pid 777 terminated)")

	// Second cancel is a success no-op; the late exit cannot flip the status.
	require.NoError(t, sup.Cancel(job.ID))
	waitStatus(t, store, job.ID, domain.StatusCancelled)
}

func TestCancelDuringSpawnStillKillsWorker(t *testing.T) {
	proc := newFakeProcess(31)
	store := jobs.NewStore()
	job, err := store.Create(jobs.CreateParams{
		UserID: "u1", Type: domain.TypeScriptGeneration, ResourceKey: "prod-1",
	})
	require.NoError(t, err)

	// The cancel lands after Launch's terminal check but before the process
	// is registered, so it finds nothing to kill.
	launcher := launcherFunc(func(string, []string) (Process, error) {
		require.NoError(t, store.Cancel(job.ID))
		return proc, nil
	})
	sup := NewSupervisor(store, launcher, Config{}, zap.NewNop())

	require.NoError(t, sup.Launch(job.ID, "worker", nil))
	assert.True(t, proc.wasKilled())

	got := waitStatus(t, store, job.ID, domain.StatusCancelled)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	sup, _ := newTestSupervisor(t, &fakeLauncher{}, Config{})
	assert.ErrorIs(t, sup.Cancel("missing"), domain.ErrNotFound)
}

func TestLaunchSkipsAlreadyCancelledJob(t *testing.T) {
	launcher := &fakeLauncher{next: newFakeProcess(1)}
	sup, store := newTestSupervisor(t, launcher, Config{})
	job := createJob(t, store)
	require.NoError(t, store.Cancel(job.ID))

	require.NoError(t, sup.Launch(job.ID, "worker", nil))
	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	assert.Zero(t, launcher.starts)
}

func TestShutdownKillsActiveWorkers(t *testing.T) {
	proc := newFakeProcess(1)
	sup, store := newTestSupervisor(t, &fakeLauncher{next: proc}, Config{})
	job := createJob(t, store)
	require.NoError(t, sup.Launch(job.ID, "worker", nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sup.Shutdown(ctx)
	assert.True(t, proc.wasKilled())

	// New launches are refused once the supervisor is closed.
	job2, err := store.Create(jobs.CreateParams{
		UserID: "u1", Type: domain.TypeVideoGeneration, ResourceKey: "prod-2",
	})
	require.NoError(t, err)
	assert.Error(t, sup.Launch(job2.ID, "worker", nil))
}

func TestExecLauncherCompletesRealWorker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("worker script needs sh")
	}
	store := jobs.NewStore()
	sup := NewSupervisor(store, NewExecLauncher(), Config{KillGrace: time.Second}, zap.NewNop())
	job, err := store.Create(jobs.CreateParams{
		UserID: "u1", Type: domain.TypeScriptGeneration, ResourceKey: "prod-1",
	})
	require.NoError(t, err)

	script := "echo 'STEP render'; echo 'PROGRESS 60'; echo 'flushing buffers'; echo 'RESULT s3://bucket/out.json'"
	require.NoError(t, sup.Launch(job.ID, "sh", []string{"-c", script}))

	got := waitStatus(t, store, job.ID, domain.StatusCompleted)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "render", got.Step)
	assert.Equal(t, "s3://bucket/out.json", got.Result)
	assert.Contains(t, got.Logs, "flushing buffers")
}

func TestExecLauncherReportsRealExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("worker script needs sh")
	}
	store := jobs.NewStore()
	sup := NewSupervisor(store, NewExecLauncher(), Config{KillGrace: time.Second}, zap.NewNop())
	job, err := store.Create(jobs.CreateParams{
		UserID: "u1", Type: domain.TypeScriptGeneration, ResourceKey: "prod-1",
	})
	require.NoError(t, err)

	require.NoError(t, sup.Launch(job.ID, "sh", []string{"-c", "echo 'disk full'; exit 3"}))

	got := waitStatus(t, store, job.ID, domain.StatusFailed)
	assert.Contains(t, got.Error, "exited with code 3")
	assert.Contains(t, got.Error, "disk full")
}
