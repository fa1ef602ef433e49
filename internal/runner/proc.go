package runner

import (
	"errors"
	"io"
	"os/exec"
	"time"
)

// Process is one started worker under supervision. Kill must take down the
// full descendant tree, not just the immediate child: workers fan out to
// encoders and helper subprocesses that must not outlive them.
type Process interface {
	PID() int
	Stdout() io.Reader
	Wait() (int, error)
	Kill(grace time.Duration) error
}

// Launcher starts worker processes. Abstracted so the supervisor can be
// exercised against fakes.
type Launcher interface {
	Start(name string, args []string) (Process, error)
}

type execLauncher struct{}

// NewExecLauncher returns the os/exec backed launcher. Workers are started
// in their own process group (or killed via taskkill /T on Windows) so the
// whole tree can be terminated at once.
func NewExecLauncher() Launcher { return execLauncher{} }

func (execLauncher) Start(name string, args []string) (Process, error) {
	cmd := exec.Command(name, args...)
	setProcAttrs(cmd)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	p := &osProcess{
		cmd:  cmd,
		out:  pr,
		done: make(chan struct{}),
	}
	// Reap in the background. The pipe writer must close when the worker
	// exits, not when Wait is first called: readers drain stdout to EOF
	// before they ask for the exit code.
	go func() {
		err := cmd.Wait()
		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				p.exitCode = ee.ExitCode()
			} else {
				p.exitCode = -1
				p.waitErr = err
			}
		}
		pw.Close()
		close(p.done)
	}()
	return p, nil
}

type osProcess struct {
	cmd  *exec.Cmd
	out  *io.PipeReader
	done chan struct{}

	exitCode int
	waitErr  error
}

func (p *osProcess) PID() int          { return p.cmd.Process.Pid }
func (p *osProcess) Stdout() io.Reader { return p.out }

// Wait blocks until the worker exits and returns its exit code. A worker
// killed by signal reports -1.
func (p *osProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

// Kill terminates the process tree, escalating to a force kill when the
// worker is still alive after the grace period. A process that already
// exited is treated as success.
func (p *osProcess) Kill(grace time.Duration) error {
	if err := terminateTree(p.PID()); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return forceKillTree(p.PID())
	}
}
