package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every hubflow collector; /metrics serves it.
var Registry = prometheus.NewRegistry()

var (
	ActionsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hubflow",
		Name:      "actions_dispatched_total",
		Help:      "Actions executed by the dispatcher, by action kind and outcome.",
	}, []string{"action", "outcome"})

	TasksFired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hubflow",
		Name:      "tasks_fired_total",
		Help:      "Scheduled tasks claimed and executed by a sweep.",
	})

	ClaimsLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hubflow",
		Name:      "task_claims_lost_total",
		Help:      "Claim attempts that found the task already claimed by another sweep.",
	})

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hubflow",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of one scheduled-task sweep.",
		Buckets:   prometheus.DefBuckets,
	})

	CompletionCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hubflow",
		Name:      "completion_calls_total",
		Help:      "Calls to the completion provider, by provider and outcome.",
	}, []string{"provider", "outcome"})

	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hubflow",
		Name:      "notification_deliveries_total",
		Help:      "Notification deliveries, by channel and outcome.",
	}, []string{"channel", "outcome"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ActionsDispatched,
		TasksFired,
		ClaimsLost,
		SweepDuration,
		CompletionCalls,
		Deliveries,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
