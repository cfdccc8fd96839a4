// Package metrics provides Prometheus metrics for the trading loop.
package metrics

import (
	"net/http"

	"ab-paper-bot-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ab_paper_bot"

// Metrics holds all Prometheus metrics for the application.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Strategy metrics
	SignalsGenerated *prometheus.CounterVec
	PositionsOpened  *prometheus.CounterVec
	PositionsClosed  *prometheus.CounterVec
	RealizedPnL      *prometheus.GaugeVec

	// A/B metrics
	ReportsGenerated *prometheus.CounterVec
	Evaluations      *prometheus.CounterVec
	RiskLevel        prometheus.Gauge

	// Infrastructure metrics
	PersistErrors  *prometheus.CounterVec
	NotifyErrors   prometheus.Counter
	FeedMessages   prometheus.Counter
	FeedReconnects prometheus.Counter
	FreshSymbols   prometheus.Gauge
}

// New registers every metric on reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		SignalsGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "signals_total",
			Help:      "Signals evaluated by slot and type",
		}, []string{"slot", "signal"}),
		PositionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "positions_opened_total",
			Help:      "Simulated positions opened by slot and side",
		}, []string{"slot", "side"}),
		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "positions_closed_total",
			Help:      "Simulated positions closed by slot and reason",
		}, []string{"slot", "reason"}),
		RealizedPnL: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "realized_pnl",
			Help:      "Realized PnL of each ledger slot in quote currency",
		}, []string{"slot"}),

		ReportsGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ab",
			Name:      "reports_total",
			Help:      "A/B history entries appended by type",
		}, []string{"type"}),
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ab",
			Name:      "evaluations_total",
			Help:      "Daily evaluations by outcome",
		}, []string{"outcome"}),
		RiskLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ab",
			Name:      "risk_level",
			Help:      "Current freedom/risk level",
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "persist_errors_total",
			Help:      "Failed durable writes by target",
		}, []string{"target"}),
		NotifyErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "errors_total",
			Help:      "Failed report deliveries",
		}),
		FeedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Kline messages applied to the feed",
		}),
		FeedReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "WebSocket reconnect attempts",
		}),
		FreshSymbols: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "fresh_symbols",
			Help:      "Symbols with a fresh price in the last snapshot",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SignalGenerated counts one evaluated signal.
func (m *Metrics) SignalGenerated(slot string, signal models.SignalType) {
	if m == nil {
		return
	}
	m.SignalsGenerated.WithLabelValues(slot, string(signal)).Inc()
}

// PositionOpened counts one opened position.
func (m *Metrics) PositionOpened(slot, symbol string, side models.Side) {
	if m == nil {
		return
	}
	m.PositionsOpened.WithLabelValues(slot, string(side)).Inc()
}

// PositionClosed counts one closed position.
func (m *Metrics) PositionClosed(slot, reason string, pnl float64) {
	if m == nil {
		return
	}
	m.PositionsClosed.WithLabelValues(slot, reason).Inc()
}

// SetRealizedPnL records the realized PnL of a slot.
func (m *Metrics) SetRealizedPnL(slot string, v float64) {
	if m == nil {
		return
	}
	m.RealizedPnL.WithLabelValues(slot).Set(v)
}

// ReportAppended counts one A/B history entry.
func (m *Metrics) ReportAppended(t models.ReportType) {
	if m == nil {
		return
	}
	m.ReportsGenerated.WithLabelValues(string(t)).Inc()
}

// Evaluated counts one daily verdict.
func (m *Metrics) Evaluated(promoted bool) {
	if m == nil {
		return
	}
	outcome := "rollback"
	if promoted {
		outcome = "promoted"
	}
	m.Evaluations.WithLabelValues(outcome).Inc()
}

// SetRiskLevel records the current risk level.
func (m *Metrics) SetRiskLevel(level int) {
	if m == nil {
		return
	}
	m.RiskLevel.Set(float64(level))
}

// PersistError counts one failed durable write.
func (m *Metrics) PersistError(target string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(target).Inc()
}

// NotifyError counts one failed report delivery.
func (m *Metrics) NotifyError() {
	if m == nil {
		return
	}
	m.NotifyErrors.Inc()
}

// FeedMessage counts one applied kline message.
func (m *Metrics) FeedMessage() {
	if m == nil {
		return
	}
	m.FeedMessages.Inc()
}

// FeedReconnect counts one reconnect attempt.
func (m *Metrics) FeedReconnect() {
	if m == nil {
		return
	}
	m.FeedReconnects.Inc()
}

// SetFreshSymbols records the size of the last snapshot.
func (m *Metrics) SetFreshSymbols(n int) {
	if m == nil {
		return
	}
	m.FreshSymbols.Set(float64(n))
}
