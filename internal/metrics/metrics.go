// Package metrics holds the Prometheus collectors exported by a kernel session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is one kernel session's collector set. A nil *Metrics is valid and records
// nothing, which keeps optional wiring out of the hot paths.
type Metrics struct {
	ManifestFetchTotal     *prometheus.CounterVec
	ManifestCacheHitsTotal prometheus.Counter

	BootstrapTotal        *prometheus.CounterVec
	BootstrapDeferred     prometheus.Gauge
	BootstrapTimeoutTotal prometheus.Counter
	BootstrapDuration     prometheus.Histogram

	ExtensionSetupTotal   *prometheus.CounterVec
	ExtensionErrorTotal   *prometheus.CounterVec
	ExtensionPendingGroup prometheus.Gauge

	UnitsLoaded   prometheus.Gauge
	BatchDuration prometheus.Histogram

	EventsDroppedTotal prometheus.Counter
}

// New builds the collector set and registers it on reg. A nil reg leaves the
// collectors unregistered (tests, embedded sessions).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ManifestFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bindery_kernel_manifest_fetch_total",
				Help: "Manifests materialized, by source (embedded, canonical, legacy, synthesized).",
			},
			[]string{"source"},
		),
		ManifestCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bindery_kernel_manifest_cache_hits_total",
				Help: "Manifest lookups served from the name@version cache.",
			},
		),
		BootstrapTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bindery_kernel_bootstrap_total",
				Help: "Completed unit bootstraps by result.",
			},
			[]string{"result"},
		),
		BootstrapDeferred: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bindery_kernel_bootstrap_deferred",
				Help: "Bootstrap requests currently waiting in the deferred queue.",
			},
		),
		BootstrapTimeoutTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bindery_kernel_bootstrap_timeout_total",
				Help: "Deferred bootstrap requests that expired.",
			},
		),
		BootstrapDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bindery_kernel_bootstrap_duration_seconds",
				Help:    "Time a unit held the bootstrap lock.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ExtensionSetupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bindery_kernel_extension_setup_total",
				Help: "Extension setup results by status (ready, defer, skip).",
			},
			[]string{"status"},
		),
		ExtensionErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bindery_kernel_extension_error_total",
				Help: "Extension hook failures by phase (setup, apply, filter).",
			},
			[]string{"phase"},
		),
		ExtensionPendingGroup: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bindery_kernel_extension_pending_groups",
				Help: "Extension groups parked waiting for a ready notification.",
			},
		),
		UnitsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bindery_kernel_units_loaded",
				Help: "Units materialized in the session.",
			},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bindery_kernel_batch_duration_seconds",
				Help:    "Time taken to load and bootstrap one topological batch.",
				Buckets: prometheus.DefBuckets,
			},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bindery_kernel_events_dropped_total",
				Help: "Events dropped because a subscriber buffer was full.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ManifestFetchTotal,
		m.ManifestCacheHitsTotal,
		m.BootstrapTotal,
		m.BootstrapDeferred,
		m.BootstrapTimeoutTotal,
		m.BootstrapDuration,
		m.ExtensionSetupTotal,
		m.ExtensionErrorTotal,
		m.ExtensionPendingGroup,
		m.UnitsLoaded,
		m.BatchDuration,
		m.EventsDroppedTotal,
	}
}

func (m *Metrics) ManifestFetched(source string) {
	if m == nil {
		return
	}
	m.ManifestFetchTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) ManifestCacheHit() {
	if m == nil {
		return
	}
	m.ManifestCacheHitsTotal.Inc()
}

func (m *Metrics) BootstrapCompleted(failed bool, seconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if failed {
		result = "failure"
	}
	m.BootstrapTotal.WithLabelValues(result).Inc()
	m.BootstrapDuration.Observe(seconds)
}

func (m *Metrics) SetDeferred(n int) {
	if m == nil {
		return
	}
	m.BootstrapDeferred.Set(float64(n))
}

func (m *Metrics) BootstrapTimedOut() {
	if m == nil {
		return
	}
	m.BootstrapTimeoutTotal.Inc()
}

func (m *Metrics) ExtensionSetup(status string) {
	if m == nil {
		return
	}
	m.ExtensionSetupTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ExtensionError(phase string) {
	if m == nil {
		return
	}
	m.ExtensionErrorTotal.WithLabelValues(phase).Inc()
}

func (m *Metrics) SetPendingGroups(n int) {
	if m == nil {
		return
	}
	m.ExtensionPendingGroup.Set(float64(n))
}

func (m *Metrics) SetUnitsLoaded(n int) {
	if m == nil {
		return
	}
	m.UnitsLoaded.Set(float64(n))
}

func (m *Metrics) BatchCompleted(seconds float64) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(seconds)
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.Inc()
}
