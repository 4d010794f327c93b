package models

import (
	"github.com/shopspring/decimal"
)

// Side is the FIX Side(54) value.
type Side string

const (
	SideBuy  Side = "1"
	SideSell Side = "2"
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	}
	return "UNKNOWN(" + string(s) + ")"
}

// Signed converts an unsigned quantity to a signed position delta. Buys are
// positive, sells negative. ok is false for any other side.
func (s Side) Signed(qty decimal.Decimal) (decimal.Decimal, bool) {
	switch s {
	case SideBuy:
		return qty, true
	case SideSell:
		return qty.Neg(), true
	}
	return decimal.Zero, false
}

// OrdStatus is the FIX OrdStatus(39) value.
type OrdStatus string

const (
	OrdStatusNew                  OrdStatus = "0"
	OrdStatusPartiallyFilled      OrdStatus = "1"
	OrdStatusFilled               OrdStatus = "2"
	OrdStatusDoneForDay           OrdStatus = "3"
	OrdStatusCanceled             OrdStatus = "4"
	OrdStatusReplaced             OrdStatus = "5"
	OrdStatusPendingCancel        OrdStatus = "6"
	OrdStatusStopped              OrdStatus = "7"
	OrdStatusRejected             OrdStatus = "8"
	OrdStatusSuspended            OrdStatus = "9"
	OrdStatusPendingNew           OrdStatus = "A"
	OrdStatusCalculated           OrdStatus = "B"
	OrdStatusExpired              OrdStatus = "C"
	OrdStatusAcceptedForBidding   OrdStatus = "D"
	OrdStatusPendingReplace       OrdStatus = "E"
	OrdStatusPendingCancelReplace OrdStatus = "Z"
)

var ordStatusNames = map[OrdStatus]string{
	OrdStatusNew:                  "NEW",
	OrdStatusPartiallyFilled:      "PARTIALLY_FILLED",
	OrdStatusFilled:               "FILLED",
	OrdStatusDoneForDay:           "DONE_FOR_DAY",
	OrdStatusCanceled:             "CANCELED",
	OrdStatusReplaced:             "REPLACED",
	OrdStatusPendingCancel:        "PENDING_CANCEL",
	OrdStatusStopped:              "STOPPED",
	OrdStatusRejected:             "REJECTED",
	OrdStatusSuspended:            "SUSPENDED",
	OrdStatusPendingNew:           "PENDING_NEW",
	OrdStatusCalculated:           "CALCULATED",
	OrdStatusExpired:              "EXPIRED",
	OrdStatusAcceptedForBidding:   "ACCEPTED_FOR_BIDDING",
	OrdStatusPendingReplace:       "PENDING_REPLACE",
	OrdStatusPendingCancelReplace: "PENDING_CANCEL_REPLACE",
}

func (s OrdStatus) String() string {
	if name, ok := ordStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN(" + string(s) + ")"
}

// IsWorking reports whether an order in this status can still execute.
func (s OrdStatus) IsWorking() bool {
	switch s {
	case OrdStatusPartiallyFilled, OrdStatusNew, OrdStatusPendingNew,
		OrdStatusPendingCancel, OrdStatusPendingCancelReplace:
		return true
	}
	return false
}

// IsDone reports whether the status is terminal.
func (s OrdStatus) IsDone() bool {
	switch s {
	case OrdStatusFilled, OrdStatusCanceled, OrdStatusDoneForDay, OrdStatusRejected:
		return true
	}
	return false
}

// ExecType is the FIX ExecType(150) value.
type ExecType string

const (
	ExecTypeNew            ExecType = "0"
	ExecTypeDoneForDay     ExecType = "3"
	ExecTypeCanceled       ExecType = "4"
	ExecTypeReplaced       ExecType = "5"
	ExecTypePendingCancel  ExecType = "6"
	ExecTypeStopped        ExecType = "7"
	ExecTypeRejected       ExecType = "8"
	ExecTypeSuspended      ExecType = "9"
	ExecTypePendingNew     ExecType = "A"
	ExecTypeCalculated     ExecType = "B"
	ExecTypeExpired        ExecType = "C"
	ExecTypeRestated       ExecType = "D"
	ExecTypePendingReplace ExecType = "E"
	ExecTypeTrade          ExecType = "F"
	ExecTypeOrderStatus    ExecType = "I"
)

var execTypeNames = map[ExecType]string{
	ExecTypeNew:            "NEW",
	ExecTypeDoneForDay:     "DONE_FOR_DAY",
	ExecTypeCanceled:       "CANCELED",
	ExecTypeReplaced:       "REPLACED",
	ExecTypePendingCancel:  "PENDING_CANCEL",
	ExecTypeStopped:        "STOPPED",
	ExecTypeRejected:       "REJECTED",
	ExecTypeSuspended:      "SUSPENDED",
	ExecTypePendingNew:     "PENDING_NEW",
	ExecTypeCalculated:     "CALCULATED",
	ExecTypeExpired:        "EXPIRED",
	ExecTypeRestated:       "RESTATED",
	ExecTypePendingReplace: "PENDING_REPLACE",
	ExecTypeTrade:          "TRADE",
	ExecTypeOrderStatus:    "ORDER_STATUS",
}

func (t ExecType) String() string {
	if name, ok := execTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN(" + string(t) + ")"
}

// OrdType is the FIX OrdType(40) value.
type OrdType string

const (
	OrdTypeMarket    OrdType = "1"
	OrdTypeLimit     OrdType = "2"
	OrdTypeStop      OrdType = "3"
	OrdTypeStopLimit OrdType = "4"
)

// TimeInForce is the FIX TimeInForce(59) value.
type TimeInForce string

const (
	TimeInForceDay               TimeInForce = "0"
	TimeInForceGoodTillCancel    TimeInForce = "1"
	TimeInForceImmediateOrCancel TimeInForce = "3"
	TimeInForceFillOrKill        TimeInForce = "4"
	TimeInForceGoodTillDate      TimeInForce = "6"
)
