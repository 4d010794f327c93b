package tracker

import (
	"errors"
	"fmt"

	"github.com/gregtusar/fixgateway/pkg/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidReport         = errors.New("order status reply passed to process")
	ErrMalformedReport       = errors.New("malformed execution report")
	ErrOrderNotFound         = errors.New("order not found")
	ErrUnexpectedCombination = errors.New("unexpected exec type / order status combination")
	ErrVenueRejected         = errors.New("venue rejected request")
	ErrUnknownSide           = errors.New("unknown side")
	ErrSimultaneousLongShort = errors.New("simultaneous long and short position")
	ErrInvalidPosition       = errors.New("invalid long or short position quantities")
)

// Kind classifies a tracker event so callers can react without parsing text.
type Kind string

const (
	KindInfo        Kind = "info"
	KindMalformed   Kind = "malformed"
	KindConsistency Kind = "consistency"
	KindNotFound    Kind = "not_found"
	KindRejected    Kind = "rejected"
	KindUnexpected  Kind = "unexpected"
	KindDuplicate   Kind = "duplicate"
	KindSession     Kind = "session"
)

// IsError reports whether events of this kind describe a problem.
func (k Kind) IsError() bool {
	return k != KindInfo && k != KindDuplicate
}

// Event is a structured record of something the trackers did or refused to do.
type Event struct {
	Kind    Kind
	Op      string
	Message string
	Report  *models.ExecReport
	Before  *models.Order
	After   *models.Order
	Err     error
	Fields  map[string]interface{}
}

// Sink receives tracker events. Trackers call it synchronously from the
// writer goroutine.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// LogSink writes events through logrus.
type LogSink struct {
	logger logrus.FieldLogger
}

func NewLogSink(logger logrus.FieldLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e Event) {
	entry := s.logger.WithFields(logrus.Fields{
		"kind": string(e.Kind),
		"op":   e.Op,
	})
	if e.Report != nil {
		entry = entry.WithFields(logrus.Fields{
			"exchange":   e.Report.Exchange,
			"symbol":     e.Report.Symbol,
			"account":    e.Report.Account,
			"exec_id":    e.Report.ExecID,
			"exec_type":  e.Report.ExecType.String(),
			"ord_status": e.Report.OrdStatus.String(),
			"cl_ord_id":  e.Report.ClOrdID,
			"ord_id":     e.Report.OrdID,
			"text":       e.Report.Text,
		})
	}
	if e.Before != nil {
		entry = entry.WithFields(orderFields("before", e.Before))
	}
	if e.After != nil {
		entry = entry.WithFields(orderFields("after", e.After))
	}
	if len(e.Fields) > 0 {
		entry = entry.WithFields(logrus.Fields(e.Fields))
	}
	if e.Err != nil {
		entry = entry.WithError(e.Err)
	}

	switch e.Kind {
	case KindInfo:
		entry.Info(e.Message)
	case KindDuplicate, KindRejected:
		entry.Warn(e.Message)
	default:
		entry.Error(e.Message)
	}
}

func orderFields(prefix string, o *models.Order) logrus.Fields {
	return logrus.Fields{
		prefix + "_cl_ord_id":  o.ClOrdID,
		prefix + "_ord_id":     o.OrdID,
		prefix + "_ord_status": o.OrdStatus.String(),
		prefix + "_order_qty":  o.OrderQty.String(),
		prefix + "_leaves_qty": o.LeavesQty.String(),
		prefix + "_cum_qty":    o.CumQty.String(),
		prefix + "_last_qty":   o.LastQty.String(),
	}
}

// ReportError is returned by OrderTracker.Process for every report it could
// not apply.
type ReportError struct {
	Kind    Kind
	Op      string
	OrdID   string
	ClOrdID string
	Status  models.OrdStatus
	Err     error
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("%s: ord_id=%s cl_ord_id=%s ord_status=%s: %v",
		e.Op, e.OrdID, e.ClOrdID, e.Status, e.Err)
}

func (e *ReportError) Unwrap() error { return e.Err }

// KindOf extracts the event kind from an error returned by the trackers.
func KindOf(err error) (Kind, bool) {
	var re *ReportError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// PositionDiff pairs the entries of two trackers for one key. A nil side
// means the key is absent there.
type PositionDiff struct {
	Ours   *NetPosition
	Theirs *NetPosition
}

// OrderDiff pairs two versions of an open order.
type OrderDiff struct {
	Ours   *models.Order
	Theirs *models.Order
}
