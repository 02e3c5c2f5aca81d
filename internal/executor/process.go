package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Command describes a process to spawn.
type Command struct {
	Path string
	Args []string
	Env  []string // nil inherits the server environment
	Dir  string
}

// Process is a handle on a spawned child. The child runs in its own
// process group so that signals reach everything it forks.
type Process struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	done     chan struct{}
	exitCode int
	waitErr  error

	closeOnce sync.Once
}

// Start launches c with separate stdout and stderr pipes. Any failure to
// launch is returned as a *SpawnError.
func Start(c Command) (*Process, error) {
	if c.Path == "" {
		return nil, &SpawnError{Err: errors.New("empty command path")}
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: c.Path, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, &SpawnError{Path: c.Path, Err: err}
	}

	cmd := exec.Command(c.Path, c.Args...) // #nosec G204 -- interpreter and artifact path are built internally
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = outW
	cmd.Stderr = errW
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, &SpawnError{Path: c.Path, Err: err}
	}

	// The child holds its own copies of the write ends.
	_ = outW.Close()
	_ = errW.Close()

	p := &Process{
		cmd:      cmd,
		stdout:   outR,
		stderr:   errR,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	if p.cmd.ProcessState != nil {
		p.exitCode = exitStatus(p.cmd.ProcessState)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
	close(p.done)
}

// PID returns the child's process id, which is also its process group id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

func (p *Process) Stdout() io.Reader { return p.stdout }
func (p *Process) Stderr() io.Reader { return p.stderr }

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status once the child has exited. A child
// killed by a signal reports 128 plus the signal number.
func (p *Process) ExitCode() (int, error) {
	if !p.Exited() {
		return -1, errors.New("process still running")
	}
	return p.exitCode, p.waitErr
}

// Wait blocks until the child exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Terminate asks the process group to stop. It is a no-op once the child
// has exited.
func (p *Process) Terminate() error {
	if p.Exited() {
		return nil
	}
	return terminateGroup(p.cmd.Process)
}

// Kill forcibly stops the process group. Unlike Terminate it still signals
// after the leader exited, so orphaned grandchildren holding the output
// pipes are reaped too. A group that is already gone is not an error.
func (p *Process) Kill() error {
	return killGroup(p.cmd.Process)
}

// Stop terminates the group, waits up to grace for the child to exit, then
// kills it and waits for the exit. A zero grace kills immediately. A
// cancelled ctx cuts the grace period short but the child is always reaped
// before Stop returns.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	if p.Exited() {
		return nil
	}

	if grace > 0 {
		if err := p.Terminate(); err != nil {
			return err
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
			return nil
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	if err := p.Kill(); err != nil {
		return err
	}
	<-p.done
	return nil
}

// CloseStreams closes the read ends of both pipes, unblocking any reader.
// Safe to call more than once.
func (p *Process) CloseStreams() {
	p.closeOnce.Do(func() {
		_ = p.stdout.Close()
		_ = p.stderr.Close()
	})
}
