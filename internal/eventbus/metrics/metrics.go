// Package metrics provides the bus's "opaque timer sink" port (spec.md §1)
// and a Prometheus-backed implementation, grounded in the teacher pack's
// observability.JobMetrics usage (Geocoder89-event-hub's worker package) and
// the join-service router's promhttp.Handler() wiring.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the timer/counter port the lifecycle runner depends on. The core
// never imports Prometheus directly — it only calls Sink, so a no-op or a
// test spy can stand in without pulling in the metrics stack.
type Sink interface {
	ObserveClaimBatch(table string, rows int, d time.Duration)
	ObserveDispatch(className string, outcome string, d time.Duration)
	IncRetry(className string)
	IncFailed(className string)
}

// NoopSink discards every observation; used when no metrics backend is
// configured.
type NoopSink struct{}

func (NoopSink) ObserveClaimBatch(string, int, time.Duration)  {}
func (NoopSink) ObserveDispatch(string, string, time.Duration) {}
func (NoopSink) IncRetry(string)                               {}
func (NoopSink) IncFailed(string)                              {}

// PrometheusSink implements Sink with a small set of registered collectors.
type PrometheusSink struct {
	claimBatchRows     *prometheus.HistogramVec
	claimBatchDuration *prometheus.HistogramVec
	dispatchDuration   *prometheus.HistogramVec
	retryTotal         *prometheus.CounterVec
	failedTotal        *prometheus.CounterVec
}

// NewPrometheusSink registers the bus's collectors against reg and returns a
// Sink backed by them. Pass prometheus.DefaultRegisterer to expose them on
// the process-wide /metrics endpoint.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		claimBatchRows: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventbus",
			Name:      "claim_batch_rows",
			Help:      "Number of rows returned by a single ClaimReady call.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}, []string{"table"}),
		claimBatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventbus",
			Name:      "claim_batch_duration_seconds",
			Help:      "Latency of a single ClaimReady call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventbus",
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of decode+dispatch for a single claimed row.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"class_name", "outcome"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "retry_total",
			Help:      "Rows reset to AVAILABLE after a recoverable dispatch failure.",
		}, []string{"class_name"}),
		failedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "failed_total",
			Help:      "Rows moved to history as FAILED after exhausting retries.",
		}, []string{"class_name"}),
	}

	reg.MustRegister(s.claimBatchRows, s.claimBatchDuration, s.dispatchDuration, s.retryTotal, s.failedTotal)
	return s
}

func (s *PrometheusSink) ObserveClaimBatch(table string, rows int, d time.Duration) {
	s.claimBatchRows.WithLabelValues(table).Observe(float64(rows))
	s.claimBatchDuration.WithLabelValues(table).Observe(d.Seconds())
}

func (s *PrometheusSink) ObserveDispatch(className string, outcome string, d time.Duration) {
	s.dispatchDuration.WithLabelValues(className, outcome).Observe(d.Seconds())
}

func (s *PrometheusSink) IncRetry(className string) {
	s.retryTotal.WithLabelValues(className).Inc()
}

func (s *PrometheusSink) IncFailed(className string) {
	s.failedTotal.WithLabelValues(className).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
var _ Sink = NoopSink{}
