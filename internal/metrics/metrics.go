package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every ruleflow collector; it is exposed on the metrics path.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	RateLimitDrops = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_rate_limit_drops_total",
		Help: "Requests rejected with HTTP 429, by limiter prefix.",
	}, []string{"prefix"})

	DispatchTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_dispatch_total",
		Help: "Rule evaluations per trigger, by outcome (matched, skipped, error).",
	}, []string{"trigger", "outcome"})

	ExecutionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_executions_total",
		Help: "Executions reaching a status transition (waiting, completed, failed, cancelled).",
	}, []string{"status"})

	StepsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_steps_total",
		Help: "Effector steps by action kind and outcome.",
	}, []string{"kind", "status"})

	StepDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ruleflow_step_duration_seconds",
		Help:    "Effector call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	DedupTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_dedup_total",
		Help: "External events seen by the deduplication guard, by result (new, duplicate).",
	}, []string{"provider", "result"})

	JobsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_scheduler_jobs_total",
		Help: "Scheduler job deliveries by result (ok, retried, exhausted).",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	RateLimitDrops.WithLabelValues(prefix).Inc()
}

func ObserveDispatch(trigger, outcome string) {
	DispatchTotal.WithLabelValues(trigger, outcome).Inc()
}

func ObserveExecution(status string) {
	ExecutionsTotal.WithLabelValues(status).Inc()
}

func ObserveStep(kind, status string, seconds float64) {
	StepsTotal.WithLabelValues(kind, status).Inc()
	StepDuration.WithLabelValues(kind).Observe(seconds)
}

func ObserveDedup(provider, result string) {
	DedupTotal.WithLabelValues(provider, result).Inc()
}

func ObserveJob(result string) {
	JobsTotal.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
