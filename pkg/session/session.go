package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/fixgateway/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotConnected = errors.New("session not connected")
	ErrInvalidOrder = errors.New("invalid order request")
)

// Session is the outbound request capability and inbound message queue of a
// FIX session. Encoding, sequencing and resend handling live behind it.
type Session interface {
	Start(ctx context.Context) error
	// Stop logs out. A Logout message follows on the inbound queue.
	Stop() error
	IsUp() bool
	Account() string
	Messages() <-chan models.Message

	SubmitNewOrder(ctx context.Context, req NewOrderRequest) (*models.Order, *OutboundRequest, error)
	SubmitCancel(ctx context.Context, order *models.Order) (*OutboundRequest, error)
	SubmitCancelReplace(ctx context.Context, order *models.Order, req CancelReplaceRequest) (*OutboundRequest, error)
	SubmitMassStatusRequest(ctx context.Context, exchange, symbol string) (*OutboundRequest, error)
	SubmitPositionRequest(ctx context.Context, exchange, account, symbol string, subscribe bool) (*OutboundRequest, error)
	SubmitTradeCaptureRequest(ctx context.Context) (*OutboundRequest, error)
}

type NewOrderRequest struct {
	Exchange    string             `json:"exchange"`
	Symbol      string             `json:"symbol"`
	Side        models.Side        `json:"side"`
	OrdType     models.OrdType     `json:"ord_type"`
	TimeInForce models.TimeInForce `json:"tif,omitempty"`
	OrderQty    decimal.Decimal    `json:"order_qty"`
	Price       decimal.Decimal    `json:"price"`
	// Account defaults to the session account.
	Account string `json:"account,omitempty"`
	Text    string `json:"text,omitempty"`
}

func (r NewOrderRequest) Validate() error {
	switch {
	case r.Exchange == "" || r.Symbol == "":
		return fmt.Errorf("%w: exchange and symbol are required", ErrInvalidOrder)
	case r.Side != models.SideBuy && r.Side != models.SideSell:
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	case !r.OrderQty.IsPositive():
		return fmt.Errorf("%w: order_qty must be positive", ErrInvalidOrder)
	case r.OrdType == models.OrdTypeLimit && !r.Price.IsPositive():
		return fmt.Errorf("%w: limit orders need a positive price", ErrInvalidOrder)
	}
	return nil
}

// CancelReplaceRequest carries the new terms of an order. Zero values keep
// the current terms.
type CancelReplaceRequest struct {
	OrderQty decimal.Decimal `json:"order_qty"`
	Price    decimal.Decimal `json:"price"`
}

// OutboundRequest describes a message handed to the FIX engine.
type OutboundRequest struct {
	ID      string    `json:"id"`
	MsgType string    `json:"msg_type"`
	SentAt  time.Time `json:"sent_at"`
	// ClOrdID is set on order requests.
	ClOrdID string `json:"cl_ord_id,omitempty"`
}

// FIX MsgType(35) values of the requests a session sends.
const (
	MsgTypeNewOrderSingle            = "D"
	MsgTypeOrderCancelRequest        = "F"
	MsgTypeOrderCancelReplaceRequest = "G"
	MsgTypeOrderMassStatusRequest    = "AF"
	MsgTypeRequestForPositions       = "AN"
	MsgTypeTradeCaptureReportRequest = "AD"
	MsgTypeLogout                    = "5"
)
