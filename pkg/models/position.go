package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionAmount is one entry of a FIX PositionReport(AP) position group.
type PositionAmount struct {
	Symbol   string          `json:"symbol"`
	Account  string          `json:"account"`
	LongQty  decimal.Decimal `json:"long_qty"`
	ShortQty decimal.Decimal `json:"short_qty"`
	PosType  string          `json:"pos_type,omitempty"`
}

func (p PositionAmount) String() string {
	return fmt.Sprintf("symbol: %s, account: %s, long_qty: %s, short_qty: %s, pos_type: %s",
		p.Symbol, p.Account, p.LongQty, p.ShortQty, p.PosType)
}

// PositionReport is one decoded PositionReport(AP) message.
type PositionReport struct {
	Exchange             string           `json:"exchange"`
	PosMaintRptID        string           `json:"pos_maint_rpt_id"`
	PosReqID             string           `json:"pos_req_id"`
	PosReqType           string           `json:"pos_req_type,omitempty"`
	SettlePrice          decimal.Decimal  `json:"settle_price"`
	ClearingBusinessDate time.Time        `json:"clearing_business_date"`
	Positions            []PositionAmount `json:"positions"`
	Text                 string           `json:"text,omitempty"`
	// TotalExpected is TotalNumPosReports(727): how many reports make up the reply.
	TotalExpected int `json:"total_expected"`
}

func (r *PositionReport) String() string {
	parts := make([]string, 0, len(r.Positions))
	for _, p := range r.Positions {
		parts = append(parts, p.String())
	}
	return fmt.Sprintf("exchange=%s, pos_maint_rpt_id=%s, pos_req_id=%s, pos_req_type=%s, settle_price=%s, "+
		"clearing_business_date=%s, text=%s, total_expected=%d, positions=[%s]",
		r.Exchange, r.PosMaintRptID, r.PosReqID, r.PosReqType, r.SettlePrice,
		r.ClearingBusinessDate.Format("20060102"), r.Text, r.TotalExpected, strings.Join(parts, "; "))
}

// TradeReportSide is one side group of a TradeCaptureReport(AE).
type TradeReportSide struct {
	Side    Side   `json:"side"`
	OrderID string `json:"order_id"`
	Account string `json:"account"`
}

// TradeReport is one decoded TradeCaptureReport(AE).
type TradeReport struct {
	Exchange           string            `json:"exchange"`
	Symbol             string            `json:"symbol"`
	TradeReportID      string            `json:"trade_report_id"`
	TradeReqID         string            `json:"trade_req_id"`
	PreviouslyReported bool              `json:"previously_reported"`
	ExecID             string            `json:"exec_id"`
	ExecType           ExecType          `json:"exec_type"`
	LastPx             decimal.Decimal   `json:"last_px"`
	LastQty            decimal.Decimal   `json:"last_qty"`
	TransactTime       time.Time         `json:"transact_time"`
	TradeDate          string            `json:"trade_date"`
	Sides              []TradeReportSide `json:"sides"`
	TotalExpected      int               `json:"total_expected"`
}
