package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/CZERTAINLY/TaskRunner/internal/log"
	"github.com/CZERTAINLY/TaskRunner/internal/model"
	"github.com/CZERTAINLY/TaskRunner/internal/process"
	"github.com/CZERTAINLY/TaskRunner/internal/task"
	"github.com/CZERTAINLY/TaskRunner/internal/transport"
)

var errShutdown = errors.New("service shutting down")

type Service struct {
	tr      transport.Transport
	workers process.Catalog
	reg     *task.Registry
	cfg     Config
	sem     *semaphore.Weighted
	metrics *Metrics

	// drivers and cancellations
	wg sync.WaitGroup
}

type Option func(*Service)

func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New returns a service running workers from the catalog and tracking the
// in-flight tasks in reg. Zero fields of cfg get their defaults.
func New(tr transport.Transport, workers process.Catalog, reg *task.Registry, cfg Config, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		tr:      tr,
		workers: workers,
		reg:     reg,
		cfg:     cfg,
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes requests and cancellations until ctx is done or a
// subscription ends. Tasks still in flight at that point are killed and
// reported FAILED, Run returns once they are cleaned up.
func (s *Service) Run(ctx context.Context) error {
	requests, err := s.tr.Subscribe(ctx, s.cfg.Topics.Requests)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.cfg.Topics.Requests, err)
	}
	cancellations, err := s.tr.Subscribe(ctx, s.cfg.Topics.Cancellations)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.cfg.Topics.Cancellations, err)
	}
	slog.InfoContext(ctx, "task runner started",
		"requests", s.cfg.Topics.Requests,
		"cancellations", s.cfg.Topics.Cancellations,
		"max_concurrent", s.cfg.MaxConcurrent,
		"workers", s.workers.Keys(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.consume(gctx, s.cfg.Topics.Requests, requests, s.onRequest)
	})
	g.Go(func() error {
		return s.consume(gctx, s.cfg.Topics.Cancellations, cancellations, s.onCancellation)
	})
	err = g.Wait()
	if inflight := s.reg.Snapshot(); len(inflight) > 0 {
		ids := make([]string, 0, len(inflight))
		for _, t := range inflight {
			ids = append(ids, t.ID().String())
		}
		slog.InfoContext(ctx, "waiting for tasks in flight", "count", len(ids), "task_ids", ids)
	}
	s.wg.Wait()
	slog.InfoContext(ctx, "task runner stopped")
	return err
}

// Wait blocks until all tasks started by HandleRequest and all
// cancellations are done.
func (s *Service) Wait() {
	s.wg.Wait()
}

// InFlight returns the number of registered tasks.
func (s *Service) InFlight() int {
	return s.reg.Len()
}

func (s *Service) consume(ctx context.Context, topic string, ch <-chan []byte, handle func(context.Context, []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("subscription to %s closed", topic)
			}
			s.safely(ctx, topic, msg, handle)
		}
	}
}

// safely keeps a panicking handler from taking the loop down.
func (s *Service) safely(ctx context.Context, topic string, msg []byte, handle func(context.Context, []byte)) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "message handler panicked", "topic", topic, "panic", r, "stack", string(debug.Stack()))
			s.metrics.dropped(topic)
		}
	}()
	handle(ctx, msg)
}

func (s *Service) onRequest(ctx context.Context, msg []byte) {
	req, err := model.DecodeRequest(msg)
	if err != nil {
		slog.WarnContext(ctx, "dropping malformed request", "error", err)
		s.metrics.dropped(s.cfg.Topics.Requests)
		return
	}
	_ = s.HandleRequest(ctx, req)
}

func (s *Service) onCancellation(ctx context.Context, msg []byte) {
	c, err := model.DecodeCancellation(msg)
	if err != nil {
		slog.WarnContext(ctx, "dropping malformed cancellation", "error", err)
		s.metrics.dropped(s.cfg.Topics.Cancellations)
		return
	}
	s.wg.Go(func() {
		_ = s.HandleCancellation(ctx, c.ID)
	})
}

// HandleRequest admits req and starts driving it in the background; ctx
// bounds the execution of the task. Every error returned has already been
// reported: a request without an id is only logged, anything else got a
// FAILED response.
func (s *Service) HandleRequest(ctx context.Context, req model.TaskRequest) error {
	ctx = log.ContextAttrs(ctx,
		slog.String("task_id", req.ID.String()),
		slog.String("task_key", req.TaskKey),
	)
	if err := req.Validate(); err != nil {
		if req.ID == uuid.Nil {
			slog.WarnContext(ctx, "dropping request", "error", err)
			s.metrics.dropped(s.cfg.Topics.Requests)
			return err
		}
		slog.WarnContext(ctx, "rejecting request", "error", err)
		s.publish(ctx, model.Failed(req.ID, err))
		return err
	}

	var cmd *process.Command
	if c, ok := s.workers.Lookup(req.TaskKey); ok {
		cmd = &c
	}
	admitted := time.Now()
	t := task.New(req.ID, req.TaskKey, cmd,
		task.WithNotify(func(resp model.TaskResponse) {
			switch {
			case resp.Status == model.StatusQueued:
				s.metrics.admitted()
			case resp.Status.IsTerminal():
				s.metrics.finished(req.TaskKey, resp.Status, time.Since(admitted))
			}
			s.publish(ctx, resp)
		}),
		task.WithStderr(func(ctx context.Context, line string) {
			slog.DebugContext(ctx, "worker stderr", "line", line)
		}),
		task.WithMaxOutput(s.cfg.MaxOutput),
		task.WithKillGrace(s.cfg.KillGrace),
	)

	runCtx := t.Bind(ctx)
	if err := t.Admit(s.reg); err != nil {
		slog.WarnContext(ctx, "rejecting request", "error", err)
		if errors.Is(err, model.ErrDuplicateTask) {
			s.metrics.duplicate()
		}
		s.publish(ctx, model.Failed(req.ID, err))
		return err
	}

	acquired := s.sem == nil || s.sem.TryAcquire(1)
	if acquired {
		_ = t.Advance(model.StatusRunning)
	}
	s.wg.Go(func() {
		s.drive(runCtx, t, req, acquired)
	})
	return nil
}

// drive runs the worker of t and reports the result. With acquired false it
// waits for a concurrency slot first.
func (s *Service) drive(ctx context.Context, t *task.Task, req model.TaskRequest, acquired bool) {
	defer func() {
		if err := t.Cleanup(); err != nil {
			slog.WarnContext(ctx, "cleaning up worker", "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "task driver panicked", "panic", r, "stack", string(debug.Stack()))
			s.finish(ctx, t, model.Failed(t.ID(), fmt.Errorf("internal error: %v", r)))
		}
	}()

	if !acquired {
		slog.DebugContext(ctx, "waiting for a free slot", "max_concurrent", s.cfg.MaxConcurrent)
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.finish(ctx, t, model.Failed(t.ID(), s.interrupted(ctx, err)))
			return
		}
		if err := t.Advance(model.StatusRunning); err != nil {
			s.sem.Release(1)
			slog.DebugContext(ctx, "task left the queue", "error", err)
			return
		}
	}
	if s.sem != nil {
		defer s.sem.Release(1)
	}

	timeout := req.Timeout(s.cfg.TimeoutUnit)
	slog.DebugContext(ctx, "running task", "timeout", model.FormatDuration(timeout))
	out, err := t.Run(ctx, req.Input, timeout)
	if err != nil {
		var timeoutErr *model.TimeoutError
		if errors.As(err, &timeoutErr) {
			s.metrics.timedOut(timeoutErr.Phase)
		}
		if errors.Is(err, model.ErrCancelled) {
			if errors.Is(context.Cause(ctx), model.ErrCancelled) {
				slog.DebugContext(ctx, "task run interrupted by cancellation", "error", err)
				return
			}
			err = s.interrupted(ctx, err)
		}
		slog.WarnContext(ctx, "task failed", "error", err)
		s.finish(ctx, t, model.Failed(t.ID(), err))
		return
	}
	slog.InfoContext(ctx, "task succeeded", "output_size", len(out))
	s.finish(ctx, t, model.TaskResponse{ID: t.ID(), Status: model.StatusSuccess, Output: out})
}

// interrupted tells a cancelled task from a service shutdown.
func (s *Service) interrupted(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), model.ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %w", errShutdown, err)
}

// finish moves t to the terminal status of resp. A task being cancelled is
// left to the cancellation.
func (s *Service) finish(ctx context.Context, t *task.Task, resp model.TaskResponse) {
	if t.Status() == model.StatusQueued {
		_ = t.Advance(model.StatusRunning)
	}
	if err := t.Finish(s.reg, resp.Status, resp.Output); err != nil {
		slog.DebugContext(ctx, "task already finishing", "status", resp.Status, "error", err)
	}
}

// HandleCancellation cancels the task with id. Unknown ids and tasks
// already being cancelled are ignored, so repeated cancellations are
// harmless.
func (s *Service) HandleCancellation(ctx context.Context, id uuid.UUID) error {
	ctx = log.ContextAttrs(ctx, slog.String("task_id", id.String()))
	t, ok := s.reg.Lookup(id)
	if !ok {
		slog.DebugContext(ctx, "cancellation of a task not in flight ignored")
		return nil
	}
	ctx = log.ContextAttrs(ctx, slog.String("task_key", t.Key()))
	if !t.BeginCancel() {
		slog.DebugContext(ctx, "task is already finishing", "status", t.Status())
		return nil
	}
	slog.InfoContext(ctx, "cancelling task")

	timer := time.NewTimer(s.cfg.CancelTimeout)
	defer timer.Stop()
	select {
	case <-t.Cleaned():
	case <-timer.C:
		slog.WarnContext(ctx, "worker not stopped in time, killing it", "timeout", model.FormatDuration(s.cfg.CancelTimeout), "pid", t.Pid())
		s.cleanup(ctx, t)
	case <-ctx.Done():
		s.cleanup(ctx, t)
	}

	if err := t.Finish(s.reg, model.StatusCancelled, nil); err != nil {
		return fmt.Errorf("finishing cancelled task: %w", err)
	}
	slog.InfoContext(ctx, "task cancelled")
	return nil
}

// cleanup kills and reaps the worker of t right away, CANCELLED is only
// reported for a worker which is gone.
func (s *Service) cleanup(ctx context.Context, t *task.Task) {
	if err := t.Cleanup(); err != nil {
		slog.ErrorContext(ctx, "cleaning up cancelled worker", "pid", t.Pid(), "error", err)
	}
}

// publish sends resp even when ctx was cancelled, bounded by the publish
// timeout. A failed terminal response with output is retried once without
// it, the submitter learns at least the status.
func (s *Service) publish(ctx context.Context, resp model.TaskResponse) {
	err := s.send(ctx, resp)
	if err == nil {
		slog.DebugContext(ctx, "response published", "status", resp.Status)
		return
	}
	slog.ErrorContext(ctx, "publishing response", "status", resp.Status, "error", err)
	s.metrics.dropped(s.cfg.Topics.Responses)
	if !resp.Status.IsTerminal() || len(resp.Output) == 0 {
		return
	}
	if err := s.send(ctx, model.Failed(resp.ID, fmt.Errorf("publishing %s response: %w", resp.Status, err))); err != nil {
		slog.ErrorContext(ctx, "publishing fallback response", "error", err)
		s.metrics.dropped(s.cfg.Topics.Responses)
	}
}

func (s *Service) send(ctx context.Context, resp model.TaskResponse) error {
	msg, err := model.EncodeResponse(resp)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PublishTimeout)
	defer cancel()
	return s.tr.Publish(ctx, s.cfg.Topics.Responses, msg)
}
