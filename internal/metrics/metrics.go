package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/perpscan/perpscan/internal/model"
)

// MetricsRegistry holds all Prometheus metrics for the quote pipeline.
type MetricsRegistry struct {
	gatherer prometheus.Gatherer

	// Ingestion metrics
	QuotesIngested   *prometheus.CounterVec
	QuoteParseErrors *prometheus.CounterVec
	QuotesDropped    *prometheus.CounterVec

	// Venue connection metrics
	VenueConnects    *prometheus.CounterVec
	VenueDisconnects *prometheus.CounterVec
	VenueState       *prometheus.GaugeVec
	PollDuration     *prometheus.HistogramVec

	// Detector metrics
	Opportunities           *prometheus.CounterVec
	OpportunitiesSuppressed *prometheus.CounterVec

	// Fan-out metrics
	BroadcastFrames    *prometheus.CounterVec
	BroadcastBatchSize prometheus.Histogram
	ConnectedClients   prometheus.Gauge
	ClientsDropped     prometheus.Counter

	// Store metrics
	StoreOps *prometheus.CounterVec
}

// NewMetricsRegistry creates the registry and registers every metric with
// the default Prometheus registerer.
func NewMetricsRegistry() *MetricsRegistry {
	return newMetricsRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewIsolatedRegistry backs the registry with a private registerer, keeping
// the process-wide default clean. Probe runs and tests use this.
func NewIsolatedRegistry() *MetricsRegistry {
	reg := prometheus.NewRegistry()
	return newMetricsRegistry(reg, reg)
}

func newMetricsRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *MetricsRegistry {
	m := &MetricsRegistry{
		gatherer: gatherer,

		QuotesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpscan_quotes_ingested_total",
				Help: "Total normalized quotes emitted by venue adapters",
			},
			[]string{"venue"},
		),

		QuoteParseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpscan_quote_parse_errors_total",
				Help: "Total venue frames dropped due to parse failures",
			},
			[]string{"venue"},
		),

		QuotesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpscan_quotes_dropped_total",
				Help: "Total quotes dropped on full channels by stage",
			},
			[]string{"stage"},
		),

		VenueConnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpscan_venue_connects_total",
				Help: "Total successful venue connections",
			},
			[]string{"venue"},
		),

		VenueDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpscan_venue_disconnects_total",
				Help: "Total venue disconnects by reason",
			},
			[]string{"venue", "reason"},
		),

		VenueState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perpscan_venue_state",
				Help: "Current venue connection state (0=connecting, 1=open, 2=degraded, 3=closed)",
			},
			[]string{"venue"},
		),

		PollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perpscan_poll_duration_seconds",
				Help:    "Duration of polling fetch cycles in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"venue", "result"},
		),

		Opportunities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpscan_opportunities_total",
				Help: "Total arbitrage opportunities emitted by symbol",
			},
			[]string{"symbol"},
		),

		OpportunitiesSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpscan_opportunities_suppressed_total",
				Help: "Total opportunity candidates suppressed by rule",
			},
			[]string{"reason"},
		),

		BroadcastFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpscan_broadcast_frames_total",
				Help: "Total frames fanned out to subscribers by event",
			},
			[]string{"event"},
		),

		BroadcastBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "perpscan_broadcast_batch_size",
				Help:    "Price updates per flushed batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
			},
		),

		ConnectedClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "perpscan_connected_clients",
				Help: "Currently connected WebSocket subscribers",
			},
		),

		ClientsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "perpscan_clients_dropped_total",
				Help: "Subscribers disconnected for not keeping up",
			},
		),

		StoreOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpscan_store_ops_total",
				Help: "Snapshot store operations by op and result",
			},
			[]string{"op", "result"},
		),
	}

	reg.MustRegister(
		m.QuotesIngested,
		m.QuoteParseErrors,
		m.QuotesDropped,
		m.VenueConnects,
		m.VenueDisconnects,
		m.VenueState,
		m.PollDuration,
		m.Opportunities,
		m.OpportunitiesSuppressed,
		m.BroadcastFrames,
		m.BroadcastBatchSize,
		m.ConnectedClients,
		m.ClientsDropped,
		m.StoreOps,
	)

	return m
}

// RecordQuote counts one emitted quote for a venue.
func (m *MetricsRegistry) RecordQuote(venue string) {
	m.QuotesIngested.WithLabelValues(venue).Inc()
}

// RecordParseError counts one dropped venue frame.
func (m *MetricsRegistry) RecordParseError(venue string) {
	m.QuoteParseErrors.WithLabelValues(venue).Inc()
}

// RecordDrop counts a quote dropped on a full channel at the given stage.
func (m *MetricsRegistry) RecordDrop(stage string) {
	m.QuotesDropped.WithLabelValues(stage).Inc()
}

// RecordStateEvent tracks connection transitions and the per-venue state gauge.
func (m *MetricsRegistry) RecordStateEvent(ev model.StateEvent) {
	m.VenueState.WithLabelValues(ev.Venue).Set(stateGaugeValue(ev.State))
	switch ev.State {
	case model.StateOpen:
		m.VenueConnects.WithLabelValues(ev.Venue).Inc()
	case model.StateDegraded, model.StateClosed:
		reason := "transport"
		if ev.Err == "" {
			reason = "watchdog"
		}
		m.VenueDisconnects.WithLabelValues(ev.Venue, reason).Inc()
	}
}

// ObservePoll records one polling cycle.
func (m *MetricsRegistry) ObservePoll(venue, result string, seconds float64) {
	m.PollDuration.WithLabelValues(venue, result).Observe(seconds)
}

// RecordOpportunity counts one emitted opportunity.
func (m *MetricsRegistry) RecordOpportunity(symbol string) {
	m.Opportunities.WithLabelValues(symbol).Inc()
}

// RecordSuppressed counts a candidate rejected by the named rule.
func (m *MetricsRegistry) RecordSuppressed(reason string) {
	m.OpportunitiesSuppressed.WithLabelValues(reason).Inc()
}

// RecordFrame counts one outbound frame by event name.
func (m *MetricsRegistry) RecordFrame(event string) {
	m.BroadcastFrames.WithLabelValues(event).Inc()
}

// ObserveBatch records the size of one flushed price batch.
func (m *MetricsRegistry) ObserveBatch(size int) {
	m.BroadcastBatchSize.Observe(float64(size))
}

// ClientConnected adjusts the subscriber gauge upward.
func (m *MetricsRegistry) ClientConnected() {
	m.ConnectedClients.Inc()
}

// ClientDisconnected adjusts the subscriber gauge downward.
func (m *MetricsRegistry) ClientDisconnected() {
	m.ConnectedClients.Dec()
}

// ClientDropped counts a slow subscriber eviction. The connected gauge is
// left to the unregister path, which runs for dropped clients too.
func (m *MetricsRegistry) ClientDropped() {
	m.ClientsDropped.Inc()
}

// RecordStoreOp counts one snapshot store operation.
func (m *MetricsRegistry) RecordStoreOp(op, result string) {
	m.StoreOps.WithLabelValues(op, result).Inc()
}

// MetricsHandler returns the HTTP handler for Prometheus scrapes.
func (m *MetricsRegistry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Snapshot sums every perpscan_* counter and gauge across label sets and
// returns them keyed by metric name. Histograms contribute their sample
// count under a _count suffix.
func (m *MetricsRegistry) Snapshot() map[string]float64 {
	out := make(map[string]float64)

	families, err := m.gatherer.Gather()
	if err != nil {
		return out
	}
	for _, family := range families {
		name := family.GetName()
		if !strings.HasPrefix(name, "perpscan_") {
			continue
		}
		for _, metric := range family.GetMetric() {
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				out[name] += metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[name] += metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[name+"_count"] += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func stateGaugeValue(s model.VenueState) float64 {
	switch s {
	case model.StateConnecting:
		return 0
	case model.StateOpen:
		return 1
	case model.StateDegraded:
		return 2
	case model.StateClosed:
		return 3
	default:
		return -1
	}
}
