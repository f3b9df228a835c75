// Package metrics holds the Prometheus collectors shared by the async primitives.
//
// Every collector type is safe to use through a nil pointer: components accept an
// optional *Operation, *KV or *Geo and call the recording methods unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for operation results.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeDiscarded = "discarded"
)

// Set bundles the collectors for all primitives.
type Set struct {
	Operation *Operation
	KV        *KV
	Geo       *Geo
}

// New registers all collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Set{
		Operation: newOperation(factory),
		KV:        newKV(factory),
		Geo:       newGeo(factory),
	}
}

// Operation tracks asyncop controller activity, labeled by controller name.
type Operation struct {
	Executions *prometheus.CounterVec
	Attempts   *prometheus.CounterVec
	Outcomes   *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

func newOperation(factory promauto.Factory) *Operation {
	return &Operation{
		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncop_executions_total",
			Help: "Total Execute calls per controller",
		}, []string{"name"}),
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncop_attempts_total",
			Help: "Total operation invocations including retries",
		}, []string{"name"}),
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncop_outcomes_total",
			Help: "Final outcome of Execute calls (success, error, discarded)",
		}, []string{"name", "outcome"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asyncop_execute_duration_seconds",
			Help:    "Wall time of Execute calls including back-off waits",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"name"}),
	}
}

// RecordExecution counts one Execute call.
func (m *Operation) RecordExecution(name string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(name).Inc()
}

// RecordAttempt counts one operation invocation.
func (m *Operation) RecordAttempt(name string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(name).Inc()
}

// RecordOutcome counts a final outcome and observes the elapsed seconds.
func (m *Operation) RecordOutcome(name, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(name, outcome).Inc()
	m.Duration.WithLabelValues(name).Observe(seconds)
}

// KV tracks persistent store traffic.
type KV struct {
	Writes         *prometheus.CounterVec
	DecodeFailures prometheus.Counter
	Notifications  *prometheus.CounterVec
}

func newKV(factory promauto.Factory) *KV {
	return &KV{
		Writes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kv_writes_total",
			Help: "Writes to the backing medium by kind (set, remove)",
		}, []string{"op"}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "kv_decode_failures_total",
			Help: "Stored values that failed to deserialize and fell back to the default",
		}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kv_notifications_total",
			Help: "Change notifications seen by bound entries (applied, ignored)",
		}, []string{"result"}),
	}
}

// RecordWrite counts a medium write.
func (m *KV) RecordWrite(op string) {
	if m == nil {
		return
	}
	m.Writes.WithLabelValues(op).Inc()
}

// RecordDecodeFailure counts a value that could not be decoded.
func (m *KV) RecordDecodeFailure() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

// RecordNotification counts a change notification by result.
func (m *KV) RecordNotification(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}

// Geo tracks geolocation cache effectiveness.
type Geo struct {
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	CacheEvicts   prometheus.Counter
	ProviderCalls *prometheus.CounterVec
}

func newGeo(factory promauto.Factory) *Geo {
	return &Geo{
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "geo_cache_hits_total",
			Help: "Position reads served from the persisted cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "geo_cache_misses_total",
			Help: "Position reads that fell through to the provider",
		}),
		CacheEvicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "geo_cache_evictions_total",
			Help: "Expired cached positions purged on read",
		}),
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geo_provider_calls_total",
			Help: "One-shot provider calls by result (success, error)",
		}, []string{"result"}),
	}
}

// RecordHit counts a cache hit.
func (m *Geo) RecordHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// RecordMiss counts a cache miss.
func (m *Geo) RecordMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// RecordEviction counts an expired entry purge.
func (m *Geo) RecordEviction() {
	if m == nil {
		return
	}
	m.CacheEvicts.Inc()
}

// RecordProviderCall counts a provider call by result.
func (m *Geo) RecordProviderCall(result string) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(result).Inc()
}
