// Package task drives a single worker process through the request protocol:
// spawn, write the input, read the output and reap, each phase under its own
// timeout. It also owns the task lifecycle and the registry of in-flight
// tasks.
package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/CZERTAINLY/TaskRunner/internal/model"
	"github.com/CZERTAINLY/TaskRunner/internal/process"
	"github.com/google/uuid"
)

const (
	DefaultMaxOutput = 16 << 20
	DefaultKillGrace = 5 * time.Second

	// reapTimeout bounds how long Cleanup waits for a killed worker.
	reapTimeout = 10 * time.Second
)

type Task struct {
	id  uuid.UUID
	key string
	cmd *process.Command

	notify    func(model.TaskResponse)
	stderr    process.StderrFunc
	maxOutput int64
	killGrace time.Duration

	proc atomic.Pointer[process.Handle]
	// spawnMu orders Start against Cleanup, nothing is spawned once closing
	spawnMu   sync.Mutex
	closing   bool
	cleanOnce sync.Once
	cleanErr  error
	cleaned   chan struct{}

	// mu serializes lifecycle transitions and their notifications
	mu     sync.Mutex
	status model.TaskStatus
	cancel context.CancelCauseFunc
}

type Option func(*Task)

// WithNotify sets the callback receiving a response for every transition.
// It is called with the task lock held, in transition order.
func WithNotify(fn func(model.TaskResponse)) Option {
	return func(t *Task) {
		t.notify = fn
	}
}

func WithStderr(fn process.StderrFunc) Option {
	return func(t *Task) {
		t.stderr = fn
	}
}

func WithMaxOutput(n int64) Option {
	return func(t *Task) {
		if n > 0 {
			t.maxOutput = n
		}
	}
}

// WithKillGrace sets how long a cancelled worker may take to exit after
// SIGTERM before it gets SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(t *Task) {
		if d >= 0 {
			t.killGrace = d
		}
	}
}

// New returns a task bound to the worker cmd. A nil cmd is accepted for an
// unknown task key, Start fails with ProcessSpawnError then.
func New(id uuid.UUID, key string, cmd *process.Command, opts ...Option) *Task {
	t := &Task{
		id:        id,
		key:       key,
		cmd:       cmd,
		maxOutput: DefaultMaxOutput,
		killGrace: DefaultKillGrace,
		cleaned:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) ID() uuid.UUID {
	return t.id
}

func (t *Task) Key() string {
	return t.key
}

// Bind derives the context the task is driven under. BeginCancel cancels it.
func (t *Task) Bind(parent context.Context) context.Context {
	ctx, cancel := context.WithCancelCause(parent)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	return ctx
}

// Start spawns the worker process.
func (t *Task) Start(ctx context.Context) error {
	if t.cmd == nil {
		return &model.ProcessSpawnError{TaskKey: t.key, Err: model.ErrUnknownTaskKey}
	}
	if ctx.Err() != nil {
		return fmt.Errorf("start: %w", model.ErrCancelled)
	}
	t.spawnMu.Lock()
	defer t.spawnMu.Unlock()
	if t.closing {
		return fmt.Errorf("start: %w", model.ErrCancelled)
	}
	if t.proc.Load() != nil {
		return errors.New("task already started")
	}
	h, err := process.Spawn(ctx, t.cmd.ForTask(t.id, t.key), t.stderr)
	if err != nil {
		return &model.ProcessSpawnError{TaskKey: t.key, Err: err}
	}
	t.proc.Store(h)
	return nil
}

// WriteInput writes input to the worker and closes its stdin. A worker which
// exits without consuming its input is not an error here, its exit status
// decides.
func (t *Task) WriteInput(ctx context.Context, input []byte, timeout time.Duration) error {
	h, err := t.handle()
	if err != nil {
		return err
	}
	_, err = phase(ctx, t, h, model.PhaseWriteInput, timeout, func() (struct{}, error) {
		stdin := h.Stdin()
		if _, err := stdin.Write(input); err != nil && !errors.Is(err, syscall.EPIPE) {
			_ = stdin.Close()
			return struct{}{}, fmt.Errorf("writing input: %w", err)
		}
		if err := stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			return struct{}{}, fmt.Errorf("closing input: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// ReadOutput reads the worker's stdout until EOF, or until the worker has
// exited and the pipe stays quiet for process.DrainTimeout, which happens
// when a background child inherited stdout. When the worker closes it
// without writing anything, ReadOutput waits for the exit and reports a non
// zero status as WorkerFailureError.
func (t *Task) ReadOutput(ctx context.Context, timeout time.Duration) ([]byte, error) {
	h, err := t.handle()
	if err != nil {
		return nil, err
	}
	return phase(ctx, t, h, model.PhaseReadOutput, timeout, func() ([]byte, error) {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-h.Done():
				if err := h.DrainStdout(process.DrainTimeout); err != nil {
					slog.DebugContext(ctx, "draining output", "pid", h.Pid(), "error", err)
				}
			case <-stop:
			}
		}()

		out, err := io.ReadAll(io.LimitReader(h.Stdout(), t.maxOutput+1))
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("reading output: %w", err)
		}
		if int64(len(out)) > t.maxOutput {
			return nil, fmt.Errorf("%w: limit is %d bytes", model.ErrOutputTooLarge, t.maxOutput)
		}
		if len(out) > 0 {
			return out, nil
		}
		<-h.Done()
		if code, _ := h.ExitCode(); code != 0 {
			return nil, &model.WorkerFailureError{ExitCode: code, Stderr: h.Stderr()}
		}
		return out, nil
	})
}

// WaitFor reaps the worker and returns its exit code.
func (t *Task) WaitFor(ctx context.Context, timeout time.Duration) (int, error) {
	h, err := t.handle()
	if err != nil {
		return -1, err
	}
	return phase(ctx, t, h, model.PhaseWaitExit, timeout, func() (int, error) {
		<-h.Done()
		return h.ExitCode()
	})
}

// Cleanup kills the worker if it still runs, waits until it is reaped and
// releases the pipes. Children the worker left behind in its process group
// are killed too. It is safe to call any number of times, before Start too,
// and Start fails afterwards.
func (t *Task) Cleanup() error {
	t.cleanOnce.Do(func() {
		defer close(t.cleaned)
		t.spawnMu.Lock()
		t.closing = true
		t.spawnMu.Unlock()

		h := t.proc.Load()
		if h == nil {
			return
		}
		if !h.Exited() {
			t.cleanErr = h.Kill()
		}
		t.cleanErr = errors.Join(t.cleanErr, h.Close())
		select {
		case <-h.Done():
		case <-time.After(reapTimeout):
			t.cleanErr = errors.Join(t.cleanErr,
				fmt.Errorf("worker %d not reaped within %s", h.Pid(), model.FormatDuration(reapTimeout)))
		}
		t.cleanErr = errors.Join(t.cleanErr, h.KillGroup())
	})
	return t.cleanErr
}

// Cleaned is closed once Cleanup has finished.
func (t *Task) Cleaned() <-chan struct{} {
	return t.cleaned
}

// Run executes the whole protocol and always cleans up. Every phase gets the
// full timeout.
func (t *Task) Run(ctx context.Context, input []byte, timeout time.Duration) ([]byte, error) {
	defer func() {
		if err := t.Cleanup(); err != nil {
			slog.WarnContext(ctx, "cleaning up worker", "error", err)
		}
	}()

	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	if err := t.WriteInput(ctx, input, timeout); err != nil {
		return nil, err
	}
	out, err := t.ReadOutput(ctx, timeout)
	if err != nil {
		return nil, err
	}
	code, err := t.WaitFor(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if h := t.proc.Load(); h != nil {
		slog.DebugContext(ctx, "worker exited", "pid", h.Pid(), "code", code,
			"runtime", model.FormatDuration(h.Stopped().Sub(h.Started())))
	}
	if code != 0 {
		return out, &model.WorkerFailureError{ExitCode: code, Stderr: t.proc.Load().Stderr()}
	}
	return out, nil
}

// ExitCode returns the worker's exit code, ErrNotStarted when there was
// no worker.
func (t *Task) ExitCode() (int, error) {
	h, err := t.handle()
	if err != nil {
		return -1, err
	}
	return h.ExitCode()
}

func (t *Task) Pid() int {
	h := t.proc.Load()
	if h == nil {
		return 0
	}
	return h.Pid()
}

func (t *Task) handle() (*process.Handle, error) {
	h := t.proc.Load()
	if h == nil {
		return nil, model.ErrNotStarted
	}
	return h, nil
}

// phase runs fn while watching ctx and the phase timeout. When either fires
// first the worker is stopped and its pipes are closed, which unblocks fn.
func phase[T any](ctx context.Context, t *Task, h *process.Handle, p model.Phase, timeout time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	pctx, cancel := context.WithTimeoutCause(ctx, timeout, &model.TimeoutError{Phase: p, Timeout: timeout})
	defer cancel()

	resc := make(chan result, 1)
	go func() {
		v, err := fn()
		resc <- result{v: v, err: err}
	}()

	select {
	case r := <-resc:
		return r.v, r.err
	case <-pctx.Done():
	}
	select {
	case r := <-resc:
		return r.v, r.err
	default:
	}

	var timeoutErr *model.TimeoutError
	if errors.As(context.Cause(pctx), &timeoutErr) {
		slog.WarnContext(ctx, "worker timed out", "phase", p, "timeout", model.FormatDuration(timeout), "pid", h.Pid())
		if err := h.Kill(); err != nil {
			slog.ErrorContext(ctx, "killing worker", "pid", h.Pid(), "error", err)
		}
	} else {
		t.stop(ctx, h)
	}
	_ = h.Close()

	select {
	case <-resc:
	case <-time.After(reapTimeout):
		slog.ErrorContext(ctx, "worker i/o did not return", "phase", p, "pid", h.Pid())
	}

	var zero T
	if timeoutErr != nil {
		return zero, timeoutErr
	}
	return zero, fmt.Errorf("%s: %w", p, model.ErrCancelled)
}

// stop sends SIGTERM and follows with SIGKILL once the kill grace is over.
func (t *Task) stop(ctx context.Context, h *process.Handle) {
	if err := h.Terminate(); err != nil {
		slog.DebugContext(ctx, "terminating worker", "pid", h.Pid(), "error", err)
	}
	timer := time.NewTimer(t.killGrace)
	defer timer.Stop()
	select {
	case <-h.Done():
	case <-timer.C:
		if err := h.Kill(); err != nil {
			slog.ErrorContext(ctx, "killing worker", "pid", h.Pid(), "error", err)
		}
	}
}
