// Package process owns a single worker subprocess: its standard streams,
// signalling and exit status.
//
// Unlike a bare exec.Cmd, all three standard streams are plain os.Pipe ends
// owned by the Handle, so reaping the process (which happens in a background
// goroutine) never closes a stream somebody is still reading, and a forked
// grandchild holding a stream open does not delay the reaping. Stderr is
// copied into a line splitter until the worker exits, then drained for at
// most DrainTimeout.
package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/CZERTAINLY/TaskRunner/internal/model"
)

// DrainTimeout bounds reading the rest of a stream once the worker has
// exited. A forked grandchild may keep the stream open for much longer.
const DrainTimeout = 250 * time.Millisecond

type Handle struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *stderrWriter
	// stderrR is read by copyStderr, closed by wait
	stderrR    *os.File
	stderrDone chan struct{}
	done       chan struct{}

	mx      sync.RWMutex
	started time.Time
	stopped time.Time
	state   *os.ProcessState
	err     error

	closeOnce sync.Once
}

// Spawn starts proto and returns once the process runs. The process is not
// bound to ctx, it lives until it exits or Kill is called; ctx is only
// handed over to stderrFunc.
func Spawn(ctx context.Context, proto Command, stderrFunc StderrFunc) (*Handle, error) {
	if proto.Path == "" {
		return nil, errors.New("empty command path")
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	setProcessGroup(cmd)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, err
	}

	h := &Handle{
		cmd:        cmd,
		stdin:      stdinW,
		stdout:     stdoutR,
		stderr:     newStderrWriter(ctx, stderrFunc),
		stderrR:    stderrR,
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	// *os.File streams are handed to the child as they are, os/exec starts
	// no copying goroutines and Wait returns as soon as the worker exits
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	h.started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, err
	}
	// the child has its own copies now
	closeAll(stdinR, stdoutW, stderrW)

	slog.DebugContext(ctx, "worker started", "path", proto.Path, "pid", cmd.Process.Pid)
	go h.copyStderr()
	go h.wait()
	return h, nil
}

func (h *Handle) copyStderr() {
	defer close(h.stderrDone)
	_, _ = io.Copy(h.stderr, h.stderrR)
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	stopped := time.Now().UTC()

	_ = h.stderrR.SetReadDeadline(time.Now().Add(DrainTimeout))
	<-h.stderrDone
	_ = h.stderrR.Close()
	h.stderr.flush()

	h.mx.Lock()
	h.stopped = stopped
	h.state = h.cmd.ProcessState
	h.err = err
	h.mx.Unlock()
	close(h.done)
}

func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Stdin is the worker's standard input. Closing it signals end of input.
func (h *Handle) Stdin() io.WriteCloser {
	return h.stdin
}

func (h *Handle) Stdout() io.Reader {
	return h.stdout
}

// DrainStdout makes reads of stdout give up with os.ErrDeadlineExceeded
// after d. Data already in the pipe is still returned first.
func (h *Handle) DrainStdout(d time.Duration) error {
	return h.stdout.SetReadDeadline(time.Now().Add(d))
}

// Stderr returns the last few KiB the worker wrote to its stderr.
func (h *Handle) Stderr() string {
	return h.stderr.Tail()
}

// Done is closed once the process has exited and was reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Terminate asks the worker and its process group to stop (SIGTERM).
// Calling it on an exited process is a no-op.
func (h *Handle) Terminate() error {
	return h.signal(terminate)
}

// Kill forcibly stops the worker and its process group (SIGKILL).
// Calling it on an exited process is a no-op.
func (h *Handle) Kill() error {
	return h.signal(kill)
}

// KillGroup sends SIGKILL to whatever is left of the worker's process
// group, such as background children which outlived the worker.
func (h *Handle) KillGroup() error {
	return killGroup(h.cmd.Process)
}

func (h *Handle) signal(fn func(*os.Process) error) error {
	if h.Exited() {
		return nil
	}
	err := fn(h.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// ExitCode returns the exit code of the worker, -1 when it was killed by a
// signal. ErrNotExited is returned while the process runs.
func (h *Handle) ExitCode() (int, error) {
	if !h.Exited() {
		return -1, model.ErrNotExited
	}
	h.mx.RLock()
	defer h.mx.RUnlock()
	if h.state == nil {
		return -1, h.err
	}
	return h.state.ExitCode(), nil
}

// Err returns the error reported by reaping, such as *exec.ExitError.
func (h *Handle) Err() error {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return h.err
}

func (h *Handle) Started() time.Time {
	return h.started
}

func (h *Handle) Stopped() time.Time {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return h.stopped
}

// Close releases the parent's pipe ends. It unblocks pending reads and
// writes on them and is safe to call more than once.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = errors.Join(closeQuiet(h.stdin), closeQuiet(h.stdout))
	})
	return err
}

func closeQuiet(f *os.File) error {
	err := f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
