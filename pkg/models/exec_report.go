package models

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotConvertible = errors.New("execution report cannot be converted to an order")

// Ticker identifies an instrument on an exchange.
type Ticker struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

func (t Ticker) String() string {
	return t.Exchange + ":" + t.Symbol
}

// ExecReport is a decoded FIX ExecutionReport(8). Optional numeric fields are
// NullDecimal so that a field the venue did not send is distinguishable from
// zero.
type ExecReport struct {
	Exchange string    `json:"exchange"`
	Symbol   string    `json:"symbol"`
	Account  string    `json:"account"`
	TxTime   time.Time `json:"tx_time"`
	ExecID   string    `json:"exec_id"`
	ExecType ExecType  `json:"exec_type"`
	ClOrdID  string    `json:"cl_ord_id"`
	OrdID    string    `json:"ord_id"`

	Side        Side        `json:"side"`
	OrdType     OrdType     `json:"ord_type"`
	OrdStatus   OrdStatus   `json:"ord_status"`
	TimeInForce TimeInForce `json:"tif,omitempty"`

	Price     decimal.NullDecimal `json:"price"`
	AvgPx     decimal.NullDecimal `json:"avg_px"`
	LastPx    decimal.NullDecimal `json:"last_px"`
	OrderQty  decimal.NullDecimal `json:"order_qty"`
	MinQty    decimal.NullDecimal `json:"min_qty"`
	CumQty    decimal.NullDecimal `json:"cum_qty"`
	LeavesQty decimal.NullDecimal `json:"leaves_qty"`
	LastQty   decimal.NullDecimal `json:"last_qty"`

	Text string `json:"text,omitempty"`

	// set on order status (exec type I) replies only
	StatusReqID      string `json:"status_req_id,omitempty"`
	IsMassStatus     bool   `json:"is_mass_status,omitempty"`
	TotNumReports    int    `json:"tot_num_reports,omitempty"`
	LastRptRequested bool   `json:"last_rpt_requested,omitempty"`
}

func (r *ExecReport) Key() Ticker {
	return Ticker{Exchange: r.Exchange, Symbol: r.Symbol}
}

// ConvertibleToOrder is false for rejected status replies and for reports
// missing the client order id or account.
func (r *ExecReport) ConvertibleToOrder() bool {
	return r.OrdStatus != OrdStatusRejected && r.ClOrdID != "" && r.Account != ""
}

// ToOrder materializes the order the report describes.
func (r *ExecReport) ToOrder() (*Order, error) {
	switch {
	case r.OrdStatus == OrdStatusRejected:
		return nil, fmt.Errorf("%w: rejected order status reply [%s]", ErrNotConvertible, r)
	case r.ClOrdID == "":
		return nil, fmt.Errorf("%w: missing cl_ord_id [%s]", ErrNotConvertible, r)
	case r.Account == "":
		return nil, fmt.Errorf("%w: missing account [%s]", ErrNotConvertible, r)
	}

	order := NewOrder(r.Exchange, r.Symbol, r.Account, r.ClOrdID, r.Side, r.OrdType,
		r.OrderQty.Decimal, r.Price.Decimal, r.OrdStatus, r.TxTime)
	order.OrdID = r.OrdID
	order.TimeInForce = r.TimeInForce
	order.MinQty = r.MinQty.Decimal
	order.Text = r.Text
	if r.CumQty.Valid {
		order.CumQty = r.CumQty.Decimal
	}
	if r.LeavesQty.Valid {
		order.LeavesQty = r.LeavesQty.Decimal
	}
	order.AvgPx = r.AvgPx.Decimal
	order.LastPx = r.LastPx.Decimal
	return order, nil
}

// FillUpdate is the order update carried by a fill or status report.
func (r *ExecReport) FillUpdate() OrderUpdate {
	status := r.OrdStatus
	u := OrderUpdate{
		OrdStatus: &status,
		LeavesQty: nullPtr(r.LeavesQty),
		CumQty:    nullPtr(r.CumQty),
		LastQty:   nullPtr(r.LastQty),
		AvgPx:     nullPtr(r.AvgPx),
		LastPx:    nullPtr(r.LastPx),
	}
	if !r.TxTime.IsZero() {
		tx := r.TxTime
		u.TransactTime = &tx
	}
	return u
}

// ReplaceUpdate additionally carries the terms a cancel/replace may change,
// including the new client order id.
func (r *ExecReport) ReplaceUpdate() OrderUpdate {
	u := r.FillUpdate()
	clOrdID := r.ClOrdID
	u.ClOrdID = &clOrdID
	if r.OrdType != "" {
		ordType := r.OrdType
		u.OrdType = &ordType
	}
	if r.TimeInForce != "" {
		tif := r.TimeInForce
		u.TimeInForce = &tif
	}
	u.OrderQty = nullPtr(r.OrderQty)
	u.Price = nullPtr(r.Price)
	u.AvgPx = nil
	u.LastPx = nil
	// leaves_qty moves with the new order_qty on a replace, not with a fill
	if u.LastQty == nil {
		zero := decimal.Zero
		u.LastQty = &zero
	}
	return u
}

func nullPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func nullStr(d decimal.NullDecimal) string {
	if !d.Valid {
		return "None"
	}
	return d.Decimal.String()
}

func (r *ExecReport) String() string {
	return fmt.Sprintf("exchange=%s, symbol=%s, account=%s, exec_id=%s, exec_type=%s, tx_time=%s, "+
		"cl_ord_id=%s, ord_id=%s, ord_status=%s, side=%s, order_qty=%s, price=%s, leaves_qty=%s, "+
		"cum_qty=%s, last_qty=%s, last_px=%s, avg_px=%s, status_req_id=%s, text=%s",
		r.Exchange, r.Symbol, r.Account, r.ExecID, r.ExecType, r.TxTime.Format(time.RFC3339Nano),
		r.ClOrdID, r.OrdID, r.OrdStatus, r.Side, nullStr(r.OrderQty), nullStr(r.Price), nullStr(r.LeavesQty),
		nullStr(r.CumQty), nullStr(r.LastQty), nullStr(r.LastPx), nullStr(r.AvgPx), r.StatusReqID, r.Text)
}

// FilterByExecType keeps the reports of one exec type.
func FilterByExecType(reports []*ExecReport, execType ExecType) []*ExecReport {
	var res []*ExecReport
	for _, r := range reports {
		if r.ExecType == execType {
			res = append(res, r)
		}
	}
	return res
}

// SortByTxTime orders newest report first.
func SortByTxTime(reports []*ExecReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].TxTime.After(reports[j].TxTime)
	})
}
