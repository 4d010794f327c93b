package tracker

import (
	"testing"
	"time"

	"github.com/gregtusar/fixgateway/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Emit(e Event) { s.events = append(s.events, e) }

func (s *recordingSink) kinds() []Kind {
	kinds := make([]Kind, 0, len(s.events))
	for _, e := range s.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (s *recordingSink) count(kind Kind) int {
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTrackers() (*OrderTracker, *PositionTracker, *recordingSink) {
	sink := &recordingSink{}
	pt := NewPositionTracker("test", false, sink)
	ot := NewOrderTracker("test", pt, sink)
	return ot, pt, sink
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func some(v int64) decimal.NullDecimal { return decimal.NewNullDecimal(decimal.NewFromInt(v)) }

func report(execType models.ExecType, status models.OrdStatus, clOrdID, ordID string) *models.ExecReport {
	return &models.ExecReport{
		Exchange:  "deribit",
		Symbol:    "BTC-PERPETUAL",
		Account:   "A1",
		TxTime:    t0,
		ExecID:    "exec-" + clOrdID + "-" + string(status),
		ExecType:  execType,
		ClOrdID:   clOrdID,
		OrdID:     ordID,
		Side:      models.SideBuy,
		OrdType:   models.OrdTypeLimit,
		OrdStatus: status,
		Price:     decimal.NewNullDecimal(decimal.NewFromInt(100)),
		OrderQty:  some(10),
	}
}

func withQty(r *models.ExecReport, leaves, cum int64) *models.ExecReport {
	r.LeavesQty = some(leaves)
	r.CumQty = some(cum)
	return r
}

func pendingOrder(clOrdID string, side models.Side, qty int64) *models.Order {
	return models.NewOrder("deribit", "BTC-PERPETUAL", "A1", clOrdID, side, models.OrdTypeLimit,
		dec(qty), dec(100), models.OrdStatusPendingNew, t0)
}

// openOrder drives an order through pending new and new.
func openOrder(t *testing.T, ot *OrderTracker, clOrdID, ordID string, side models.Side) {
	t.Helper()
	require.NoError(t, ot.Track(pendingOrder(clOrdID, side, 10)))

	r := report(models.ExecTypePendingNew, models.OrdStatusPendingNew, clOrdID, ordID)
	r.Side = side
	_, err := ot.Process(r, t0)
	require.NoError(t, err)

	r = withQty(report(models.ExecTypeNew, models.OrdStatusNew, clOrdID, ordID), 10, 0)
	r.Side = side
	_, err = ot.Process(r, t0)
	require.NoError(t, err)
}
