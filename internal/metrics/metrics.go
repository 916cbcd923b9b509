// Package metrics holds the Prometheus collectors for the pipeline.
//
// A *Metrics is created once in main and passed to components. All methods
// are safe on a nil receiver so components work without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "logfanout"

// Item outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Metrics is the set of pipeline collectors.
type Metrics struct {
	Items              *prometheus.CounterVec
	Skips              *prometheus.CounterVec
	MalformedRecords   prometheus.Counter
	DefaultedTimestamp prometheus.Counter
	EventsDelivered    *prometheus.CounterVec
	DeliveryCalls      *prometheus.CounterVec
	CredentialLookups  *prometheus.CounterVec
	ItemDuration       prometheus.Histogram
}

// New creates the collectors and registers them with reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Notification items processed, by outcome.",
		}, []string{"outcome"}),
		Skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_objects_total",
			Help:      "Objects dropped without delivery, by reason.",
		}, []string{"reason"}),
		MalformedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_records_total",
			Help:      "Lines or records that could not be parsed or normalized.",
		}),
		DefaultedTimestamp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "defaulted_timestamps_total",
			Help:      "Events whose timestamp was missing or unparseable and set to processing time.",
		}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Log events written to tenant destinations.",
		}, []string{"tenant"}),
		DeliveryCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_calls_total",
			Help:      "Destination write calls, by result.",
		}, []string{"result"}),
		CredentialLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_cache_lookups_total",
			Help:      "Credential cache lookups, by result (hit, miss, error).",
		}, []string{"result"}),
		ItemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_duration_seconds",
			Help:      "Time to process one notification item.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Items,
			m.Skips,
			m.MalformedRecords,
			m.DefaultedTimestamp,
			m.EventsDelivered,
			m.DeliveryCalls,
			m.CredentialLookups,
			m.ItemDuration,
		)
	}
	return m
}

// Item records one item outcome and its processing time.
func (m *Metrics) Item(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Items.WithLabelValues(outcome).Inc()
	m.ItemDuration.Observe(seconds)
}

// Skip records an object dropped for reason.
func (m *Metrics) Skip(reason string) {
	if m == nil {
		return
	}
	m.Skips.WithLabelValues(reason).Inc()
}

// Records adds per-object decode counters.
func (m *Metrics) Records(malformed, defaulted int) {
	if m == nil {
		return
	}
	m.MalformedRecords.Add(float64(malformed))
	m.DefaultedTimestamp.Add(float64(defaulted))
}

// Delivered adds events written for tenant.
func (m *Metrics) Delivered(tenant string, events int) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(tenant).Add(float64(events))
}

// Call records one destination write.
func (m *Metrics) Call(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.DeliveryCalls.WithLabelValues(result).Inc()
}

// Credential records a credential cache lookup result.
func (m *Metrics) Credential(result string) {
	if m == nil {
		return
	}
	m.CredentialLookups.WithLabelValues(result).Inc()
}
