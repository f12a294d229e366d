package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"autotrader/internal/domain"
)

const (
	namespace = "autotrader"

	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
	ResultPanic    = "panic"
)

// Metrics groups the collectors of the automation engine. A nil *Metrics is
// valid and records nothing, so components can be built without a registry.
type Metrics struct {
	CyclesTotal      *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	SignalsGenerated prometheus.Counter
	SignalsDropped   *prometheus.CounterVec
	TradesExecuted   *prometheus.CounterVec
	RiskRejections   *prometheus.CounterVec
	PositionsClosed  *prometheus.CounterVec
	CapitalAvailable *prometheus.GaugeVec
	CapitalUsed      *prometheus.GaugeVec
	CapitalTotal     *prometheus.GaugeVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "cycles_total",
			Help:      "Trading cycles by result",
		}, []string{"result"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of a trading cycle",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		SignalsGenerated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "signals_admitted_total",
			Help:      "Signals admitted for execution",
		}),
		SignalsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "signals_dropped_total",
			Help:      "Signals dropped before admission by reason",
		}, []string{"reason"}),
		TradesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "orders_total",
			Help:      "Entry orders by mode and result",
		}, []string{"mode", "result"}),
		RiskRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "rejections_total",
			Help:      "Cycles blocked by the risk gate by reason",
		}, []string{"reason"}),
		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "positions_closed_total",
			Help:      "Close attempts by mode and result",
		}, []string{"mode", "result"}),
		CapitalAvailable: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "available",
			Help:      "Capital free for new margin",
		}, []string{"mode"}),
		CapitalUsed: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "used",
			Help:      "Capital reserved as margin",
		}, []string{"mode"}),
		CapitalTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "capital",
			Help:      "Net worth",
		}, []string{"mode"}),
	}
}

func (m *Metrics) ObserveCycle(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) SignalAdmitted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SignalsGenerated.Add(float64(n))
}

func (m *Metrics) SignalDropped(reason string) {
	if m == nil {
		return
	}
	m.SignalsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrderPlaced(mode domain.Mode, result string) {
	if m == nil {
		return
	}
	m.TradesExecuted.WithLabelValues(string(mode), result).Inc()
}

func (m *Metrics) RiskRejected(reason string) {
	if m == nil {
		return
	}
	m.RiskRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) PositionClosed(mode domain.Mode, result string) {
	if m == nil {
		return
	}
	m.PositionsClosed.WithLabelValues(string(mode), result).Inc()
}

// SetCapital mirrors a ledger snapshot into the gauges.
func (m *Metrics) SetCapital(c domain.Capital) {
	if m == nil {
		return
	}
	mode := string(c.Mode)
	m.CapitalAvailable.WithLabelValues(mode).Set(c.Available)
	m.CapitalUsed.WithLabelValues(mode).Set(c.Used)
	m.CapitalTotal.WithLabelValues(mode).Set(c.Capital)
}
