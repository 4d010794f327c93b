package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func dp(v int64) *decimal.Decimal {
	x := d(v)
	return &x
}

func status(s OrdStatus) *OrdStatus { return &s }

func newTestOrder() *Order {
	o := NewOrder("deribit", "BTC-PERPETUAL", "A1", "c1", SideBuy, OrdTypeLimit, d(10), d(100), OrdStatusNew, t0)
	o.OrdID = "o1"
	return o
}

func TestSideSigned(t *testing.T) {
	v, ok := SideBuy.Signed(d(3))
	assert.True(t, ok)
	assert.True(t, v.Equal(d(3)))

	v, ok = SideSell.Signed(d(3))
	assert.True(t, ok)
	assert.True(t, v.Equal(d(-3)))

	_, ok = Side("X").Signed(d(3))
	assert.False(t, ok)
	assert.Equal(t, "UNKNOWN(X)", Side("X").String())
}

func TestOrdStatusClassification(t *testing.T) {
	assert.True(t, OrdStatusPendingNew.IsWorking())
	assert.True(t, OrdStatusPendingCancel.IsWorking())
	assert.False(t, OrdStatusPendingNew.IsDone())
	assert.True(t, OrdStatusFilled.IsDone())
	assert.True(t, OrdStatusRejected.IsDone())
	assert.False(t, OrdStatusReplaced.IsWorking())
	assert.False(t, OrdStatusReplaced.IsDone())
	assert.Equal(t, "PENDING_CANCEL_REPLACE", OrdStatusPendingCancelReplace.String())
}

func TestUpdateDerivesFillFromLeaves(t *testing.T) {
	o := newTestOrder()

	require.NoError(t, o.Update(OrderUpdate{OrdStatus: status(OrdStatusPartiallyFilled), LeavesQty: dp(6)}))
	assert.True(t, o.LastQty.Equal(d(4)))
	assert.True(t, o.CumQty.Equal(d(4)))
	assert.True(t, o.LeavesQty.Equal(d(6)))

	// an explicit cum_qty wins over the derived one
	require.NoError(t, o.Update(OrderUpdate{OrdStatus: status(OrdStatusPartiallyFilled), LeavesQty: dp(5), CumQty: dp(5)}))
	assert.True(t, o.LastQty.Equal(d(1)))
	assert.True(t, o.CumQty.Equal(d(5)))
}

func TestUpdateIsAtomic(t *testing.T) {
	tests := []struct {
		name   string
		update OrderUpdate
		err    error
	}{
		{
			name:   "leaves grows without last qty",
			update: OrderUpdate{OrdStatus: status(OrdStatusPartiallyFilled), LeavesQty: dp(12)},
			err:    ErrNegativeLastQty,
		},
		{
			name:   "quantities do not add up",
			update: OrderUpdate{OrdStatus: status(OrdStatusPartiallyFilled), LeavesQty: dp(6), CumQty: dp(5), LastQty: dp(5)},
			err:    ErrQuantityMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrder()
			before := o.Clone()
			err := o.Update(tt.update)
			assert.ErrorIs(t, err, tt.err)
			assert.True(t, before.Equal(o), "order changed: %v", o.Diff(before))
		})
	}
}

func TestUpdateDoneOrderSkipsQuantityCheck(t *testing.T) {
	o := newTestOrder()
	require.NoError(t, o.Update(OrderUpdate{OrdStatus: status(OrdStatusCanceled), LeavesQty: dp(0), LastQty: dp(0)}))
	assert.True(t, o.IsDone())
	assert.True(t, o.CumQty.IsZero())
}

func TestReplaceKeepsClOrdIDHistory(t *testing.T) {
	o := newTestOrder()
	r := &ExecReport{
		Exchange:  "deribit",
		Symbol:    "BTC-PERPETUAL",
		Account:   "A1",
		ExecType:  ExecTypeReplaced,
		ClOrdID:   "c2",
		OrdID:     "o1",
		OrdStatus: OrdStatusNew,
		OrderQty:  decimal.NewNullDecimal(d(20)),
		Price:     decimal.NewNullDecimal(d(99)),
		LeavesQty: decimal.NewNullDecimal(d(20)),
		CumQty:    decimal.NewNullDecimal(d(0)),
		TxTime:    t0.Add(time.Second),
	}

	require.NoError(t, o.Update(r.ReplaceUpdate()))
	assert.Equal(t, "c2", o.ClOrdID)
	assert.Equal(t, []string{"c1", "c2"}, o.AllClOrdIDs())
	assert.True(t, o.OrderQty.Equal(d(20)))
	assert.True(t, o.Price.Equal(d(99)))
	assert.True(t, o.LastQty.IsZero())
	assert.Equal(t, t0.Add(time.Second), o.TransactTime)
}

func TestCloneIsDeep(t *testing.T) {
	o := newTestOrder()
	o.ClOrdIDs = []string{"c0"}
	c := o.Clone()
	c.ClOrdIDs[0] = "changed"
	assert.Equal(t, "c0", o.ClOrdIDs[0])
	assert.Nil(t, (*Order)(nil).Clone())
}

func TestDiff(t *testing.T) {
	a := newTestOrder()
	b := a.Clone()
	assert.Empty(t, a.Diff(b))
	assert.True(t, a.Equal(b))

	b.Price = d(101)
	b.OrdStatus = OrdStatusPartiallyFilled
	assert.Equal(t, []string{
		"ord_status: NEW != PARTIALLY_FILLED",
		"price: 100 != 101",
	}, a.Diff(b))
	assert.False(t, a.Equal(b))
	assert.Len(t, a.Diff(nil), 1)
}

func TestSortAndCount(t *testing.T) {
	a, b, c := newTestOrder(), newTestOrder(), newTestOrder()
	a.ClOrdID, b.ClOrdID, c.ClOrdID = "c1", "c3", "c2"
	c.OrdStatus = OrdStatusFilled

	orders := []*Order{a, b, c}
	SortByClOrdID(orders)
	assert.Equal(t, "c3", orders[0].ClOrdID)
	assert.Equal(t, "c1", orders[2].ClOrdID)

	assert.Equal(t, map[string]int{"NEW": 2, "FILLED": 1}, StatusCount(orders))
}

func TestToOrder(t *testing.T) {
	r := &ExecReport{
		Exchange:  "deribit",
		Symbol:    "BTC-PERPETUAL",
		Account:   "A1",
		ExecType:  ExecTypeOrderStatus,
		ClOrdID:   "c1",
		OrdID:     "o1",
		Side:      SideSell,
		OrdType:   OrdTypeLimit,
		OrdStatus: OrdStatusPartiallyFilled,
		OrderQty:  decimal.NewNullDecimal(d(10)),
		Price:     decimal.NewNullDecimal(d(100)),
		CumQty:    decimal.NewNullDecimal(d(3)),
		LeavesQty: decimal.NewNullDecimal(d(7)),
		TxTime:    t0,
	}
	require.True(t, r.ConvertibleToOrder())

	o, err := r.ToOrder()
	require.NoError(t, err)
	assert.Equal(t, "o1", o.OrdID)
	assert.True(t, o.CumQty.Equal(d(3)))
	assert.True(t, o.LeavesQty.Equal(d(7)))
	assert.Equal(t, Ticker{Exchange: "deribit", Symbol: "BTC-PERPETUAL"}, o.Key())

	r.Account = ""
	assert.False(t, r.ConvertibleToOrder())
	_, err = r.ToOrder()
	assert.ErrorIs(t, err, ErrNotConvertible)

	r.Account = "A1"
	r.OrdStatus = OrdStatusRejected
	_, err = r.ToOrder()
	assert.ErrorIs(t, err, ErrNotConvertible)
}
