package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the analyzer service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsProcessedTotal   prometheus.Counter
	EventsInvalidTotal     prometheus.Counter
	EventsScoredTotal      *prometheus.CounterVec
	TechniqueMatchesTotal  *prometheus.CounterVec
	SourceQueryErrorsTotal *prometheus.CounterVec
	CorrelationsTotal      prometheus.Counter
	CoordinatedFindings    prometheus.Counter
	AlertsRoutedTotal      *prometheus.CounterVec
	AlertsDedupedTotal     prometheus.Counter
	NotifyErrorsTotal      *prometheus.CounterVec
	AlertsInStore          prometheus.Gauge
	NatsConnected          prometheus.Gauge
	EventProcessingSeconds prometheus.Histogram
}

// NewMetrics registers every collector with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_events_processed_total",
			Help: "Total number of honeypot events processed",
		}),
		EventsInvalidTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_events_invalid_total",
			Help: "Total number of undecodable events rejected",
		}),
		EventsScoredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_events_scored_total",
			Help: "Total number of events scored, by severity",
		}, []string{"severity"}),
		TechniqueMatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_technique_matches_total",
			Help: "Total number of technique matches, by tactic",
		}, []string{"tactic"}),
		SourceQueryErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_source_query_errors_total",
			Help: "Total number of failed event store queries, by sensor source",
		}, []string{"source"}),
		CorrelationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_correlations_total",
			Help: "Total number of per-IP correlations run",
		}),
		CoordinatedFindings: factory.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_coordinated_findings_total",
			Help: "Total number of coordinated attack findings emitted",
		}),
		AlertsRoutedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_alerts_routed_total",
			Help: "Total number of alerts routed, by level",
		}, []string{"level"}),
		AlertsDedupedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_alerts_deduplicated_total",
			Help: "Total number of alerts suppressed inside the dedupe window",
		}),
		NotifyErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_notify_errors_total",
			Help: "Total number of failed alert deliveries, by channel",
		}, []string{"channel"}),
		AlertsInStore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "analyzer_alerts_in_store",
			Help: "Number of alerts currently held in the alert store",
		}),
		NatsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "analyzer_nats_connected",
			Help: "Whether the NATS connection is up (1) or down (0)",
		}),
		EventProcessingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "analyzer_event_processing_duration_seconds",
			Help:    "Time spent mapping, scoring and routing one event",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// IncEventsProcessed increments the processed events counter
func (m *Metrics) IncEventsProcessed() {
	if m == nil {
		return
	}
	m.EventsProcessedTotal.Inc()
}

// IncEventsInvalid increments the invalid events counter
func (m *Metrics) IncEventsInvalid() {
	if m == nil {
		return
	}
	m.EventsInvalidTotal.Inc()
}

// IncEventsScored counts one scored event under its severity
func (m *Metrics) IncEventsScored(severity string) {
	if m == nil {
		return
	}
	m.EventsScoredTotal.WithLabelValues(severity).Inc()
}

// IncTechniqueMatch counts one technique match under its tactic
func (m *Metrics) IncTechniqueMatch(tactic string) {
	if m == nil {
		return
	}
	m.TechniqueMatchesTotal.WithLabelValues(tactic).Inc()
}

// IncSourceQueryError counts a failed query against one sensor source
func (m *Metrics) IncSourceQueryError(source string) {
	if m == nil {
		return
	}
	m.SourceQueryErrorsTotal.WithLabelValues(source).Inc()
}

// IncCorrelations increments the correlation counter
func (m *Metrics) IncCorrelations() {
	if m == nil {
		return
	}
	m.CorrelationsTotal.Inc()
}

// IncCoordinatedFindings increments the coordinated findings counter
func (m *Metrics) IncCoordinatedFindings() {
	if m == nil {
		return
	}
	m.CoordinatedFindings.Inc()
}

// IncAlertsRouted counts one routed alert under its level
func (m *Metrics) IncAlertsRouted(level string) {
	if m == nil {
		return
	}
	m.AlertsRoutedTotal.WithLabelValues(level).Inc()
}

// IncAlertsDeduped increments the deduplicated alerts counter
func (m *Metrics) IncAlertsDeduped() {
	if m == nil {
		return
	}
	m.AlertsDedupedTotal.Inc()
}

// IncNotifyError counts one failed delivery on a channel
func (m *Metrics) IncNotifyError(channel string) {
	if m == nil {
		return
	}
	m.NotifyErrorsTotal.WithLabelValues(channel).Inc()
}

// SetAlertsInStore sets the alert store gauge
func (m *Metrics) SetAlertsInStore(count float64) {
	if m == nil {
		return
	}
	m.AlertsInStore.Set(count)
}

// SetNatsConnected sets the NATS connection gauge
func (m *Metrics) SetNatsConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NatsConnected.Set(1)
	} else {
		m.NatsConnected.Set(0)
	}
}

// ObserveEventProcessingDuration records how long one event took
func (m *Metrics) ObserveEventProcessingDuration(seconds float64) {
	if m == nil {
		return
	}
	m.EventProcessingSeconds.Observe(seconds)
}
