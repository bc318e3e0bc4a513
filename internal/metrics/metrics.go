// Package metrics exposes Prometheus collectors for the payout pipeline.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	webhookEventsTotal     *prometheus.CounterVec
	evaluationsTotal       *prometheus.CounterVec
	evaluatorFailuresTotal *prometheus.CounterVec
	payoutAccruedTotal     prometheus.Counter
	payoutTriggersTotal    prometheus.Counter
	tasksTotal             *prometheus.CounterVec
	taskDuration           prometheus.Histogram
	queueRejectionsTotal   *prometheus.CounterVec
	tasksInFlight          prometheus.Gauge
	reconcilerRequeues     prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payout_webhook_events_total",
				Help: "Inbound webhook deliveries by event type and outcome",
			},
			[]string{"event", "outcome"},
		),
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payout_evaluations_total",
				Help: "Completed push evaluations by resulting status and evaluator",
			},
			[]string{"status", "analyzed_by"},
		),
		evaluatorFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payout_evaluator_failures_total",
				Help: "Evaluator calls that failed and were degraded",
			},
			[]string{"stage"}, // stage: gaming, holistic
		),
		payoutAccruedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payout_accrued_amount_total",
			Help: "Sum of payout amounts applied to project ledgers",
		}),
		payoutTriggersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payout_threshold_triggers_total",
			Help: "Number of times a pending balance reached its payout threshold",
		}),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payout_tasks_total",
				Help: "Background evaluation tasks by result",
			},
			[]string{"result"}, // result: success, error
		),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "payout_task_duration_seconds",
			Help:    "Time taken by one background evaluation task",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		queueRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payout_queue_rejections_total",
				Help: "Tasks that could not be queued",
			},
			[]string{"reason"},
		),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payout_tasks_in_flight",
			Help: "Tasks queued or running",
		}),
		reconcilerRequeues: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payout_reconciler_requeues_total",
			Help: "Stale pushes handed back to the worker pool",
		}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhookEventsTotal,
		m.evaluationsTotal,
		m.evaluatorFailuresTotal,
		m.payoutAccruedTotal,
		m.payoutTriggersTotal,
		m.tasksTotal,
		m.taskDuration,
		m.queueRejectionsTotal,
		m.tasksInFlight,
		m.reconcilerRequeues,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Event labels. Header values outside this set are recorded as EventOther.
const (
	EventPush  = "push"
	EventPing  = "ping"
	EventOther = "other"
)

func eventLabel(event string) string {
	switch event {
	case EventPush, EventPing:
		return event
	}
	return EventOther
}

func (m *Metrics) WebhookEvent(event, outcome string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(eventLabel(event), outcome).Inc()
}

func (m *Metrics) EvaluationCompleted(status, analyzedBy string) {
	if m == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(status, analyzedBy).Inc()
}

func (m *Metrics) EvaluatorFailed(stage string) {
	if m == nil {
		return
	}
	m.evaluatorFailuresTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) PayoutAccrued(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.payoutAccruedTotal.Add(amount)
}

func (m *Metrics) PayoutTriggered() {
	if m == nil {
		return
	}
	m.payoutTriggersTotal.Inc()
}

func (m *Metrics) TaskFinished(err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.tasksTotal.WithLabelValues(result).Inc()
	m.taskDuration.Observe(took.Seconds())
}

func (m *Metrics) QueueRejected(reason string) {
	if m == nil {
		return
	}
	m.queueRejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.tasksInFlight.Set(float64(n))
}

func (m *Metrics) Requeued(n int) {
	if m == nil {
		return
	}
	m.reconcilerRequeues.Add(float64(n))
}
