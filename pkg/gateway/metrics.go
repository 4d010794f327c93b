package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatcher collectors. All methods accept a nil receiver.
type Metrics struct {
	messages      *prometheus.CounterVec
	loggedOn      prometheus.Gauge
	requests      *prometheus.CounterVec
	queueTimeouts prometheus.Counter
	exports       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixgw",
				Subsystem: "dispatcher",
				Name:      "messages_total",
				Help:      "Inbound messages dispatched, by kind",
			},
			[]string{"kind"},
		),
		loggedOn: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fixgw",
				Subsystem: "dispatcher",
				Name:      "logged_on",
				Help:      "1 while the FIX session is logged on",
			},
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixgw",
				Subsystem: "dispatcher",
				Name:      "requests_total",
				Help:      "Outbound requests, by message type and outcome",
			},
			[]string{"msg_type", "outcome"},
		),
		queueTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fixgw",
				Subsystem: "dispatcher",
				Name:      "queue_timeouts_total",
				Help:      "Times the inbound queue stayed empty for the queue timeout",
			},
		),
		exports: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixgw",
				Subsystem: "dispatcher",
				Name:      "history_exports_total",
				Help:      "History exports, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) incMessage(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) setLoggedOn(v bool) {
	if m == nil {
		return
	}
	if v {
		m.loggedOn.Set(1)
	} else {
		m.loggedOn.Set(0)
	}
}

func (m *Metrics) incRequest(msgType string, err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.requests.WithLabelValues(msgType, outcome).Inc()
}

func (m *Metrics) incQueueTimeout() {
	if m == nil {
		return
	}
	m.queueTimeouts.Inc()
}

func (m *Metrics) incExport(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.exports.WithLabelValues(outcome).Inc()
}
