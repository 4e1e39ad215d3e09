package service

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CZERTAINLY/TaskRunner/internal/model"
)

const (
	metricsNamespace = "taskrunner"
	metricsSubsystem = "service"
)

// Metrics exposes Prometheus collectors reporting task runner activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	tasks          *prometheus.CounterVec
	inFlight       prometheus.Gauge
	duration       *prometheus.HistogramVec
	phaseTimeouts  *prometheus.CounterVec
	duplicates     prometheus.Counter
	droppedMessage *prometheus.CounterVec
}

// MustNewMetrics registers the collectors with reg, the default registerer
// when reg is nil. Collectors registered before are reused, so the function
// may be called more than once per registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tasks_total",
			Help:      "Tasks which reached a terminal status.",
		}, []string{"task_key", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tasks_in_flight",
			Help:      "Tasks admitted and not finished yet.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "task_duration_seconds",
			Help:      "Time from admission to the terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"task_key", "status"}),
		phaseTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "phase_timeouts_total",
			Help:      "Workers killed because a phase exceeded its timeout.",
		}, []string{"phase"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "duplicate_requests_total",
			Help:      "Requests rejected because their id was in flight.",
		}),
		droppedMessage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dropped_messages_total",
			Help:      "Messages which could not be decoded or published.",
		}, []string{"topic"}),
	}

	m.tasks = register(reg, m.tasks)
	m.inFlight = register(reg, m.inFlight)
	m.duration = register(reg, m.duration)
	m.phaseTimeouts = register(reg, m.phaseTimeouts)
	m.duplicates = register(reg, m.duplicates)
	m.droppedMessage = register(reg, m.droppedMessage)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}

func (m *Metrics) admitted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) finished(key string, status model.TaskStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.tasks.WithLabelValues(key, status.String()).Inc()
	m.duration.WithLabelValues(key, status.String()).Observe(d.Seconds())
}

func (m *Metrics) timedOut(phase model.Phase) {
	if m == nil {
		return
	}
	m.phaseTimeouts.WithLabelValues(string(phase)).Inc()
}

func (m *Metrics) duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) dropped(topic string) {
	if m == nil {
		return
	}
	m.droppedMessage.WithLabelValues(topic).Inc()
}
