package infra

import (
	"time"

	"ledger_sync/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ledger_sync"

// Metrics holds the prometheus collectors of the sync pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesReceived    prometheus.Counter
	FramesUndecodable prometheus.Counter
	RawEvents         prometheus.Counter
	DomainEvents      *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ConnectionState   prometheus.Gauge
	Live              prometheus.Gauge

	Refreshes       *prometheus.CounterVec
	RefreshErrors   *prometheus.CounterVec
	RefreshLatency  *prometheus.HistogramVec
	StaleResponses  *prometheus.CounterVec
	PriceRecomputes prometheus.Counter
	PricedAssets    prometheus.Gauge

	HandlerFailures *prometheus.CounterVec
}

// NewMetrics registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "frames_received_total",
			Help:      "Total inbound frames read from the ledger channel",
		}),
		FramesUndecodable: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "frames_undecodable_total",
			Help:      "Total inbound frames that could not be decoded",
		}),
		RawEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "raw_events_total",
			Help:      "Total raw ledger events extracted from frames",
		}),
		DomainEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "domain_events_total",
			Help:      "Total classified domain events",
		}, []string{"kind"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "reconnect_attempts_total",
			Help:      "Total scheduled reconnect attempts",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "connection_state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected)",
		}),
		Live: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "live",
			Help:      "1 while the ledger channel is live",
		}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "refreshes_total",
			Help:      "Total refresh fetches by kind",
		}, []string{"kind"}),
		RefreshErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "refresh_errors_total",
			Help:      "Total failed refresh fetches by kind",
		}, []string{"kind"}),
		RefreshLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "refresh_duration_seconds",
			Help:      "Refresh fetch duration",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		StaleResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "stale_responses_total",
			Help:      "Total refresh responses discarded as older than the applied generation",
		}, []string{"kind"}),
		PriceRecomputes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "prices",
			Name:      "recomputes_total",
			Help:      "Total price table recomputations",
		}),
		PricedAssets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "prices",
			Name:      "priced_assets",
			Help:      "Assets with a positive USD price in the current table",
		}),
		HandlerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "bus",
			Name:      "handler_failures_total",
			Help:      "Total event handler errors and panics by kind",
		}, []string{"kind"}),
	}
}

// RecordFrame records one inbound frame and the raw events it carried.
func (m *Metrics) RecordFrame(rawEvents int, decoded bool) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	if !decoded {
		m.FramesUndecodable.Inc()
		return
	}
	m.RawEvents.Add(float64(rawEvents))
}

// RecordDomainEvent records one classified event.
func (m *Metrics) RecordDomainEvent(kind domain.EventKind) {
	if m == nil {
		return
	}
	m.DomainEvents.WithLabelValues(kind.String()).Inc()
}

// RecordReconnectAttempt records one scheduled reconnect.
func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// SetConnectionState publishes the connection state and the live flag.
func (m *Metrics) SetConnectionState(state domain.ConnectionState, live bool) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
	if live {
		m.Live.Set(1)
	} else {
		m.Live.Set(0)
	}
}

// RecordRefresh records a refresh fetch outcome.
func (m *Metrics) RecordRefresh(kind string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(kind).Inc()
	m.RefreshLatency.WithLabelValues(kind).Observe(time.Since(started).Seconds())
	if err != nil {
		m.RefreshErrors.WithLabelValues(kind).Inc()
	}
}

// RecordStale records a discarded out-of-order response.
func (m *Metrics) RecordStale(kind string) {
	if m == nil {
		return
	}
	m.StaleResponses.WithLabelValues(kind).Inc()
}

// RecordPriceRecompute records a price table swap.
func (m *Metrics) RecordPriceRecompute(priced int) {
	if m == nil {
		return
	}
	m.PriceRecomputes.Inc()
	m.PricedAssets.Set(float64(priced))
}

// RecordHandlerFailure records a failed or panicking bus handler.
func (m *Metrics) RecordHandlerFailure(kind domain.EventKind) {
	if m == nil {
		return
	}
	m.HandlerFailures.WithLabelValues(kind.String()).Inc()
}
