package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeLastQty  = errors.New("derived last_qty is negative")
	ErrQuantityMismatch = errors.New("cum_qty + leaves_qty != order_qty")
)

// Order is one order as currently understood by the gateway.
type Order struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Account  string `json:"account"`
	ClOrdID  string `json:"cl_ord_id"`
	// ClOrdIDs holds every client order id the order carried before the
	// current one, oldest first.
	ClOrdIDs []string `json:"cl_ord_ids"`
	OrdID    string   `json:"ord_id,omitempty"`

	Side        Side            `json:"side"`
	OrdType     OrdType         `json:"ord_type"`
	TimeInForce TimeInForce     `json:"tif,omitempty"`
	MinQty      decimal.Decimal `json:"min_qty"`

	OrderQty     decimal.Decimal `json:"order_qty"`
	Price        decimal.Decimal `json:"price"`
	OrdStatus    OrdStatus       `json:"ord_status"`
	LeavesQty    decimal.Decimal `json:"leaves_qty"`
	CumQty       decimal.Decimal `json:"cum_qty"`
	LastQty      decimal.Decimal `json:"last_qty"`
	AvgPx        decimal.Decimal `json:"avg_px"`
	LastPx       decimal.Decimal `json:"last_px"`
	OpenTime     time.Time       `json:"open_time"`
	TransactTime time.Time       `json:"transact_time"`

	Text  string `json:"text,omitempty"`
	Error bool   `json:"error,omitempty"`
}

// NewOrder creates an order with nothing executed yet.
func NewOrder(exchange, symbol, account, clOrdID string, side Side, ordType OrdType, orderQty, price decimal.Decimal, status OrdStatus, openTime time.Time) *Order {
	return &Order{
		Exchange:     exchange,
		Symbol:       symbol,
		Account:      account,
		ClOrdID:      clOrdID,
		Side:         side,
		OrdType:      ordType,
		OrderQty:     orderQty,
		Price:        price,
		OrdStatus:    status,
		LeavesQty:    orderQty,
		OpenTime:     openTime,
		TransactTime: openTime,
	}
}

// OrderUpdate carries the fields an execution report changed. Nil fields are
// left untouched.
type OrderUpdate struct {
	ClOrdID      *string
	OrdID        *string
	OrdStatus    *OrdStatus
	OrdType      *OrdType
	TimeInForce  *TimeInForce
	OrderQty     *decimal.Decimal
	Price        *decimal.Decimal
	LeavesQty    *decimal.Decimal
	CumQty       *decimal.Decimal
	LastQty      *decimal.Decimal
	AvgPx        *decimal.Decimal
	LastPx       *decimal.Decimal
	TransactTime *time.Time
}

// Key returns the instrument the order trades.
func (o *Order) Key() Ticker {
	return Ticker{Exchange: o.Exchange, Symbol: o.Symbol}
}

func (o *Order) IsWorking() bool { return o.OrdStatus.IsWorking() }

func (o *Order) IsDone() bool { return o.OrdStatus.IsDone() }

// AllClOrdIDs returns every client order id the order has held, current last.
func (o *Order) AllClOrdIDs() []string {
	ids := make([]string, 0, len(o.ClOrdIDs)+1)
	ids = append(ids, o.ClOrdIDs...)
	return append(ids, o.ClOrdID)
}

// Update applies u. Either every field is applied or, on error, none is.
//
// When u carries LeavesQty but no LastQty the fill is derived from the drop in
// leaves quantity, and CumQty advances by it unless u also carries CumQty.
func (o *Order) Update(u OrderUpdate) error {
	next := o.Clone()

	if u.ClOrdID != nil && *u.ClOrdID != next.ClOrdID {
		next.ClOrdIDs = append(next.ClOrdIDs, next.ClOrdID)
		next.ClOrdID = *u.ClOrdID
	}
	if u.OrdID != nil {
		next.OrdID = *u.OrdID
	}
	if u.OrdStatus != nil {
		next.OrdStatus = *u.OrdStatus
	}
	if u.OrdType != nil {
		next.OrdType = *u.OrdType
	}
	if u.TimeInForce != nil {
		next.TimeInForce = *u.TimeInForce
	}
	if u.OrderQty != nil {
		next.OrderQty = *u.OrderQty
	}
	if u.Price != nil {
		next.Price = *u.Price
	}
	if u.LastQty != nil {
		next.LastQty = *u.LastQty
	}
	if u.LeavesQty != nil {
		if u.LastQty == nil {
			derived := o.LeavesQty.Sub(*u.LeavesQty)
			if derived.IsNegative() {
				return fmt.Errorf("%w: previous leaves_qty %s new leaves_qty %s",
					ErrNegativeLastQty, o.LeavesQty, *u.LeavesQty)
			}
			next.LastQty = derived
			if u.CumQty == nil {
				next.CumQty = next.CumQty.Add(derived)
			}
		}
		next.LeavesQty = *u.LeavesQty
	}
	if u.CumQty != nil {
		next.CumQty = *u.CumQty
	}
	if u.AvgPx != nil {
		next.AvgPx = *u.AvgPx
	}
	if u.LastPx != nil {
		next.LastPx = *u.LastPx
	}
	if u.TransactTime != nil {
		next.TransactTime = *u.TransactTime
	}

	// canceled, done and rejected orders report leaves_qty 0 regardless of cum_qty
	if next.IsWorking() && !next.CumQty.Add(next.LeavesQty).Equal(next.OrderQty) {
		return fmt.Errorf("%w: cum_qty %s leaves_qty %s order_qty %s",
			ErrQuantityMismatch, next.CumQty, next.LeavesQty, next.OrderQty)
	}

	*o = *next
	return nil
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.ClOrdIDs = append([]string(nil), o.ClOrdIDs...)
	return &cp
}

// Equal compares every field except the client order id history.
func (o *Order) Equal(other *Order) bool {
	if o == nil || other == nil {
		return o == other
	}
	return len(o.Diff(other)) == 0 &&
		o.TimeInForce == other.TimeInForce &&
		o.MinQty.Equal(other.MinQty) &&
		o.OpenTime.Equal(other.OpenTime) &&
		o.TransactTime.Equal(other.TransactTime) &&
		o.Error == other.Error
}

// Diff lists the economically relevant fields that differ from other.
func (o *Order) Diff(other *Order) []string {
	if other == nil {
		return []string{"cannot compare as other is nil"}
	}
	var diffs []string
	str := func(name, a, b string) {
		if a != b {
			diffs = append(diffs, fmt.Sprintf("%s: %s != %s", name, a, b))
		}
	}
	dec := func(name string, a, b decimal.Decimal) {
		if !a.Equal(b) {
			diffs = append(diffs, fmt.Sprintf("%s: %s != %s", name, a, b))
		}
	}
	str("exchange", o.Exchange, other.Exchange)
	str("symbol", o.Symbol, other.Symbol)
	str("account", o.Account, other.Account)
	str("ord_id", o.OrdID, other.OrdID)
	str("cl_ord_id", o.ClOrdID, other.ClOrdID)
	str("ord_status", o.OrdStatus.String(), other.OrdStatus.String())
	str("ord_type", string(o.OrdType), string(other.OrdType))
	str("side", o.Side.String(), other.Side.String())
	dec("order_qty", o.OrderQty, other.OrderQty)
	dec("price", o.Price, other.Price)
	dec("leaves_qty", o.LeavesQty, other.LeavesQty)
	dec("cum_qty", o.CumQty, other.CumQty)
	dec("last_qty", o.LastQty, other.LastQty)
	dec("avg_px", o.AvgPx, other.AvgPx)
	dec("last_px", o.LastPx, other.LastPx)
	return diffs
}

func (o *Order) String() string {
	return fmt.Sprintf("exchange=%s, symbol=%s, account=%s, ord_id=%s, cl_ord_id=%s, ord_status=%s, "+
		"side=%s, order_qty=%s, price=%s, leaves_qty=%s, cum_qty=%s, last_qty=%s, avg_px=%s, last_px=%s, "+
		"transact_time=%s, text=%s, cl_ord_ids=[%s]",
		o.Exchange, o.Symbol, o.Account, o.OrdID, o.ClOrdID, o.OrdStatus,
		o.Side, o.OrderQty, o.Price, o.LeavesQty, o.CumQty, o.LastQty, o.AvgPx, o.LastPx,
		o.TransactTime.Format(time.RFC3339Nano), o.Text, strings.Join(o.ClOrdIDs, ","))
}

// StatusCount counts orders per status name.
func StatusCount(orders []*Order) map[string]int {
	counts := make(map[string]int)
	for _, o := range orders {
		counts[o.OrdStatus.String()]++
	}
	return counts
}

// SortByClOrdID orders newest client order id first.
func SortByClOrdID(orders []*Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].ClOrdID > orders[j].ClOrdID
	})
}
