package service_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CZERTAINLY/TaskRunner/internal/model"
	"github.com/CZERTAINLY/TaskRunner/internal/process"
	"github.com/CZERTAINLY/TaskRunner/internal/service"
	"github.com/CZERTAINLY/TaskRunner/internal/task"
	"github.com/CZERTAINLY/TaskRunner/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("skipped, binary %s not available: %v", name, err)
	}
	return path
}

func testConfig() service.Config {
	cfg := service.DefaultConfig()
	cfg.TimeoutUnit = time.Second
	cfg.KillGrace = 100 * time.Millisecond
	cfg.CancelTimeout = 5 * time.Second
	cfg.PublishTimeout = time.Second
	return cfg
}

// harness wires a Service to the in-memory transport and collects the
// published responses per task id.
type harness struct {
	bus       *transport.Memory
	svc       *service.Service
	cfg       service.Config
	registry  *prometheus.Registry
	responses <-chan []byte
	seen      map[uuid.UUID][]model.TaskResponse
}

func newHarness(t *testing.T, cfg service.Config, workers map[string]model.Worker) *harness {
	t.Helper()
	bus := transport.NewMemory(64)
	t.Cleanup(func() { _ = bus.Close() })

	responses, err := bus.Subscribe(t.Context(), cfg.Topics.Responses)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	metrics := service.MustNewMetrics(registry)
	svc := service.New(bus, process.CatalogFromConfig(workers), task.NewRegistry(), cfg, service.WithMetrics(metrics))
	t.Cleanup(svc.Wait)

	return &harness{
		bus:       bus,
		svc:       svc,
		cfg:       cfg,
		registry:  registry,
		responses: responses,
		seen:      make(map[uuid.UUID][]model.TaskResponse),
	}
}

// run starts the consumer loops and stops them at the end of the test.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- h.svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errc)
	})
	require.Eventually(t, func() bool {
		return h.bus.Subscribers(h.cfg.Topics.Requests) == 1 &&
			h.bus.Subscribers(h.cfg.Topics.Cancellations) == 1
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) submit(t *testing.T, req model.TaskRequest) {
	t.Helper()
	msg, err := model.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(t.Context(), h.cfg.Topics.Requests, msg))
}

func (h *harness) cancel(t *testing.T, id uuid.UUID) {
	t.Helper()
	require.NoError(t, h.bus.Publish(t.Context(), h.cfg.Topics.Cancellations, model.EncodeCancellation(model.Cancellation{ID: id})))
}

// collect waits for n responses of task id.
func (h *harness) collect(t *testing.T, id uuid.UUID, n int) []model.TaskResponse {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for len(h.seen[id]) < n {
		select {
		case msg := <-h.responses:
			resp, err := model.DecodeResponse(msg)
			require.NoError(t, err)
			h.seen[resp.ID] = append(h.seen[resp.ID], resp)
		case <-deadline:
			t.Fatalf("got %d responses of %s, want %d: %+v", len(h.seen[id]), id, n, h.seen[id])
		}
	}
	return h.seen[id][:n]
}

// metricValue returns the counter or gauge value of the metric name with
// the given label pairs.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, m := range family.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, pair := range m.GetLabel() {
					if pair.GetName() == labels[i] && pair.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func statuses(responses []model.TaskResponse) []model.TaskStatus {
	ret := make([]model.TaskStatus, len(responses))
	for i, resp := range responses {
		ret[i] = resp.Status
	}
	return ret
}

func TestService_Scenarios(t *testing.T) {
	t.Parallel()
	cat := lookPath(t, "cat")
	sh := lookPath(t, "sh")

	t.Run("echo", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig(), map[string]model.Worker{"echo": {Path: cat}})
		h.run(t)

		id := uuid.New()
		h.submit(t, model.TaskRequest{ID: id, TaskKey: "echo", Input: []byte("hello"), TimeoutMinutes: 1})
		responses := h.collect(t, id, 3)
		require.Equal(t, []model.TaskStatus{model.StatusQueued, model.StatusRunning, model.StatusSuccess}, statuses(responses))
		require.Equal(t, "hello", string(responses[2].Output))

		require.Eventually(t, func() bool { return h.svc.InFlight() == 0 }, time.Second, 5*time.Millisecond)
		require.Equal(t, 1.0, metricValue(t, h.registry, "taskrunner_service_tasks_total", "task_key", "echo", "status", "SUCCESS"))
		require.Equal(t, 0.0, metricValue(t, h.registry, "taskrunner_service_tasks_in_flight"))
	})

	t.Run("sleep forever", func(t *testing.T) {
		t.Parallel()
		pidFile := filepath.Join(t.TempDir(), "pid")
		cfg := testConfig()
		cfg.TimeoutUnit = 500 * time.Millisecond
		h := newHarness(t, cfg, map[string]model.Worker{
			"sleep-forever": {Path: sh, Args: []string{"-c", "echo $$ > " + pidFile + "; exec sleep 1000"}},
		})
		h.run(t)

		id := uuid.New()
		h.submit(t, model.TaskRequest{ID: id, TaskKey: "sleep-forever", TimeoutMinutes: 1})
		responses := h.collect(t, id, 3)
		require.Equal(t, []model.TaskStatus{model.StatusQueued, model.StatusRunning, model.StatusFailed}, statuses(responses))
		require.Equal(t, "read-output timed out after 500ms", string(responses[2].Output))

		raw, err := os.ReadFile(pidFile)
		require.NoError(t, err)
		pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		require.NoError(t, err)
		p, err := os.FindProcess(pid)
		if err == nil {
			require.ErrorIs(t, p.Signal(syscall.Signal(0)), os.ErrProcessDone)
		}
		require.Equal(t, 1.0, metricValue(t, h.registry, "taskrunner_service_phase_timeouts_total", "phase", "read-output"))
	})

	t.Run("cancel", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig(), map[string]model.Worker{
			"echo": {Path: sh, Args: []string{"-c", "sleep 5; cat"}},
		})
		h.run(t)

		id := uuid.New()
		h.submit(t, model.TaskRequest{ID: id, TaskKey: "echo", Input: []byte("x"), TimeoutMinutes: 5})
		h.collect(t, id, 2)
		h.cancel(t, id)

		start := time.Now()
		responses := h.collect(t, id, 4)
		require.Equal(t, []model.TaskStatus{
			model.StatusQueued,
			model.StatusRunning,
			model.StatusCancelling,
			model.StatusCancelled,
		}, statuses(responses))
		require.Less(t, time.Since(start), 3*time.Second)
		require.Zero(t, h.svc.InFlight())

		// a repeated cancellation is a no-op
		h.cancel(t, id)
		require.NoError(t, h.svc.HandleCancellation(t.Context(), id))
	})

	t.Run("duplicate", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig(), map[string]model.Worker{
			"echo": {Path: sh, Args: []string{"-c", "sleep 0.3; cat"}},
		})
		h.run(t)

		id := uuid.New()
		h.submit(t, model.TaskRequest{ID: id, TaskKey: "echo", Input: []byte("first"), TimeoutMinutes: 1})
		h.submit(t, model.TaskRequest{ID: id, TaskKey: "echo", Input: []byte("second"), TimeoutMinutes: 1})
		responses := h.collect(t, id, 4)
		require.Equal(t, []model.TaskStatus{
			model.StatusQueued,
			model.StatusRunning,
			model.StatusFailed,
			model.StatusSuccess,
		}, statuses(responses))
		require.Equal(t, "task "+id.String()+" is already in flight", string(responses[2].Output))
		require.Equal(t, "first", string(responses[3].Output))
		require.Equal(t, 1.0, metricValue(t, h.registry, "taskrunner_service_duplicate_requests_total"))
	})
}

func TestService_HandleRequest(t *testing.T) {
	t.Parallel()
	cat := lookPath(t, "cat")
	sh := lookPath(t, "sh")

	t.Run("missing id", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig(), nil)
		err := h.svc.HandleRequest(t.Context(), model.TaskRequest{TaskKey: "echo"})
		require.ErrorIs(t, err, model.ErrInvalidRequest)
		select {
		case msg := <-h.responses:
			t.Fatalf("unexpected response %s", msg)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("missing task key", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig(), nil)
		id := uuid.New()
		err := h.svc.HandleRequest(t.Context(), model.TaskRequest{ID: id})
		require.ErrorIs(t, err, model.ErrInvalidRequest)
		responses := h.collect(t, id, 1)
		require.Equal(t, model.StatusFailed, responses[0].Status)
		require.Equal(t, "invalid task request: taskKey is empty", string(responses[0].Output))
	})

	t.Run("unknown task key", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig(), map[string]model.Worker{"echo": {Path: cat}})
		id := uuid.New()
		require.NoError(t, h.svc.HandleRequest(t.Context(), model.TaskRequest{ID: id, TaskKey: "nope"}))
		responses := h.collect(t, id, 3)
		require.Equal(t, []model.TaskStatus{model.StatusQueued, model.StatusRunning, model.StatusFailed}, statuses(responses))
		require.Equal(t, `spawning worker "nope": unknown task key`, string(responses[2].Output))
	})

	t.Run("task key case", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig(), map[string]model.Worker{"echo": {Path: cat}})
		id := uuid.New()
		require.NoError(t, h.svc.HandleRequest(t.Context(), model.TaskRequest{ID: id, TaskKey: "ECHO", Input: []byte("x")}))
		responses := h.collect(t, id, 3)
		require.Equal(t, model.StatusSuccess, responses[2].Status)
	})

	t.Run("worker failure", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig(), map[string]model.Worker{
			"boom": {Path: sh, Args: []string{"-c", "echo broken 1>&2; exit 3"}},
		})
		id := uuid.New()
		require.NoError(t, h.svc.HandleRequest(t.Context(), model.TaskRequest{ID: id, TaskKey: "boom"}))
		responses := h.collect(t, id, 3)
		require.Equal(t, model.StatusFailed, responses[2].Status)
		require.Equal(t, "worker exited with code 3: broken", string(responses[2].Output))
	})

	t.Run("duplicate returns error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig(), map[string]model.Worker{
			"slow": {Path: sh, Args: []string{"-c", "sleep 0.3; cat"}},
		})
		id := uuid.New()
		req := model.TaskRequest{ID: id, TaskKey: "slow", Input: []byte("x")}
		require.NoError(t, h.svc.HandleRequest(t.Context(), req))
		err := h.svc.HandleRequest(t.Context(), req)
		require.ErrorIs(t, err, model.ErrDuplicateTask)
		require.Equal(t, 1, h.svc.InFlight())

		responses := h.collect(t, id, 4)
		require.Equal(t, model.StatusSuccess, responses[3].Status)
	})
}

func TestService_MaxConcurrent(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg, map[string]model.Worker{
		"slow": {Path: sh, Args: []string{"-c", "sleep 0.5; cat"}},
	})

	first, second, third := uuid.New(), uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{first, second, third} {
		require.NoError(t, h.svc.HandleRequest(t.Context(), model.TaskRequest{ID: id, TaskKey: "slow", Input: []byte(id.String())}))
	}
	require.Equal(t, 3, h.svc.InFlight())

	t.Run("queued task is cancellable", func(t *testing.T) {
		require.NoError(t, h.svc.HandleCancellation(t.Context(), third))
		require.Equal(t, []model.TaskStatus{
			model.StatusQueued,
			model.StatusCancelling,
			model.StatusCancelled,
		}, statuses(h.collect(t, third, 3)))
	})

	t.Run("tasks run one by one", func(t *testing.T) {
		firstResponses := h.collect(t, first, 3)
		require.Equal(t, model.StatusSuccess, firstResponses[2].Status)
		secondResponses := h.collect(t, second, 3)
		require.Equal(t, []model.TaskStatus{model.StatusQueued, model.StatusRunning, model.StatusSuccess}, statuses(secondResponses))
		require.Equal(t, second.String(), string(secondResponses[2].Output))
	})
}

func TestService_Malformed(t *testing.T) {
	t.Parallel()
	cat := lookPath(t, "cat")

	h := newHarness(t, testConfig(), map[string]model.Worker{"echo": {Path: cat}})
	h.run(t)

	require.NoError(t, h.bus.Publish(t.Context(), h.cfg.Topics.Requests, []byte("{not json")))
	require.NoError(t, h.bus.Publish(t.Context(), h.cfg.Topics.Cancellations, []byte("not a uuid")))

	id := uuid.New()
	h.submit(t, model.TaskRequest{ID: id, TaskKey: "echo", Input: []byte("still alive")})
	responses := h.collect(t, id, 3)
	require.Equal(t, "still alive", string(responses[2].Output))

	require.Equal(t, 1.0, metricValue(t, h.registry, "taskrunner_service_dropped_messages_total", "topic", h.cfg.Topics.Requests))
	require.Equal(t, 1.0, metricValue(t, h.registry, "taskrunner_service_dropped_messages_total", "topic", h.cfg.Topics.Cancellations))
}

func TestService_Shutdown(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")

	h := newHarness(t, testConfig(), map[string]model.Worker{
		"sleep": {Path: sleep, Args: []string{"1000"}},
	})
	ctx, cancel := context.WithCancel(t.Context())
	id := uuid.New()
	require.NoError(t, h.svc.HandleRequest(ctx, model.TaskRequest{ID: id, TaskKey: "sleep", TimeoutMinutes: 10}))
	h.collect(t, id, 2)

	cancel()
	h.svc.Wait()
	responses := h.collect(t, id, 3)
	require.Equal(t, model.StatusFailed, responses[2].Status)
	// the phase depends on how far the worker got
	require.True(t, strings.HasPrefix(string(responses[2].Output), "service shutting down: "), string(responses[2].Output))
	require.True(t, strings.HasSuffix(string(responses[2].Output), ": task cancelled"), string(responses[2].Output))
	require.Zero(t, h.svc.InFlight())
}

func TestService_CancelStubbornWorker(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	pidFile := filepath.Join(t.TempDir(), "pid")
	cfg := testConfig()
	cfg.KillGrace = 10 * time.Second
	cfg.CancelTimeout = 200 * time.Millisecond
	h := newHarness(t, cfg, map[string]model.Worker{
		"stubborn": {Path: sh, Args: []string{"-c", `trap "" TERM; echo $$ > "$0"; while :; do sleep 0.1; done`, pidFile}},
	})
	id := uuid.New()
	require.NoError(t, h.svc.HandleRequest(t.Context(), model.TaskRequest{ID: id, TaskKey: "stubborn", TimeoutMinutes: 10}))
	h.collect(t, id, 2)

	var pid int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, h.svc.HandleCancellation(t.Context(), id))
	require.Less(t, time.Since(start), 5*time.Second)

	// CANCELLED is published once the worker is reaped
	require.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH)
	responses := h.collect(t, id, 4)
	require.Equal(t, []model.TaskStatus{model.StatusQueued, model.StatusRunning, model.StatusCancelling, model.StatusCancelled}, statuses(responses))
	require.Zero(t, h.svc.InFlight())
}

func TestService_CancelUnknown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.svc.HandleCancellation(t.Context(), uuid.New()))
	require.NoError(t, h.svc.HandleCancellation(t.Context(), uuid.Nil))
}

func TestService_TransportClosed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), nil)

	errc := make(chan error, 1)
	go func() {
		errc <- h.svc.Run(t.Context())
	}()
	require.Eventually(t, func() bool {
		return h.bus.Subscribers(h.cfg.Topics.Requests) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, h.bus.Close())

	select {
	case err := <-errc:
		require.ErrorContains(t, err, "closed")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
