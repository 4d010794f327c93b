package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds the tracker collectors. All methods accept a nil receiver.
type Metrics struct {
	reportsProcessed *prometheus.CounterVec
	events           *prometheus.CounterVec
	fills            prometheus.Counter
	ledgerEntries    prometheus.Counter
	orders           *prometheus.GaugeVec
	positions        *prometheus.GaugeVec
}

// NewMetrics registers the tracker collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reportsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixgw",
				Subsystem: "tracker",
				Name:      "reports_processed_total",
				Help:      "Execution reports processed, by order status and outcome",
			},
			[]string{"ord_status", "outcome"},
		),
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixgw",
				Subsystem: "tracker",
				Name:      "events_total",
				Help:      "Tracker events emitted, by kind",
			},
			[]string{"kind"},
		),
		fills: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fixgw",
				Subsystem: "tracker",
				Name:      "fills_total",
				Help:      "Non-zero fills pushed to the position tracker",
			},
		),
		ledgerEntries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fixgw",
				Subsystem: "tracker",
				Name:      "ledger_entries_total",
				Help:      "Position ledger entries appended",
			},
		),
		orders: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fixgw",
				Subsystem: "tracker",
				Name:      "orders",
				Help:      "Orders currently held, by bucket",
			},
			[]string{"bucket"},
		),
		positions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fixgw",
				Subsystem: "tracker",
				Name:      "net_position",
				Help:      "Net signed position",
			},
			[]string{"exchange", "symbol", "account"},
		),
	}
}

func (m *Metrics) observeReport(status string, outcome string) {
	if m == nil {
		return
	}
	m.reportsProcessed.WithLabelValues(status, outcome).Inc()
}

func (m *Metrics) incEvent(kind Kind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) incFill() {
	if m == nil {
		return
	}
	m.fills.Inc()
}

func (m *Metrics) incLedger() {
	if m == nil {
		return
	}
	m.ledgerEntries.Inc()
}

func (m *Metrics) setBuckets(counts map[string]int) {
	if m == nil {
		return
	}
	for bucket, n := range counts {
		m.orders.WithLabelValues(bucket).Set(float64(n))
	}
}

func (m *Metrics) setPosition(key PositionKey, qty decimal.Decimal) {
	if m == nil {
		return
	}
	m.positions.WithLabelValues(key.Exchange, key.Symbol, key.Account).Set(qty.InexactFloat64())
}
