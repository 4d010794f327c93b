package models

import (
	"fmt"
	"time"
)

// MessageKind enumerates every inbound domain message.
type MessageKind int

const (
	KindCreate MessageKind = iota
	KindLogon
	KindLogout
	KindHeartbeat
	KindNotConnected
	KindGatewayNotReady
	KindExecReport
	KindPositionReports
	KindPositionRequestAck
	KindTradeCaptureReport
	KindTradeCaptureReportRequestAck
	KindOrderCancelReject
	KindOrderMassCancelReport
	KindReject
	KindBusinessMessageReject
	KindHousekeeping
	numMessageKinds
)

var messageKindNames = [...]string{
	KindCreate:                       "create",
	KindLogon:                        "logon",
	KindLogout:                       "logout",
	KindHeartbeat:                    "heartbeat",
	KindNotConnected:                 "not_connected",
	KindGatewayNotReady:              "gateway_not_ready",
	KindExecReport:                   "exec_report",
	KindPositionReports:              "position_reports",
	KindPositionRequestAck:           "position_request_ack",
	KindTradeCaptureReport:           "trade_capture_report",
	KindTradeCaptureReportRequestAck: "trade_capture_report_request_ack",
	KindOrderCancelReject:            "order_cancel_reject",
	KindOrderMassCancelReport:        "order_mass_cancel_report",
	KindReject:                       "reject",
	KindBusinessMessageReject:        "business_message_reject",
	KindHousekeeping:                 "housekeeping",
}

func (k MessageKind) String() string {
	if k >= 0 && k < numMessageKinds {
		return messageKindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// AllMessageKinds lists every kind in declaration order.
func AllMessageKinds() []MessageKind {
	kinds := make([]MessageKind, 0, numMessageKinds)
	for k := MessageKind(0); k < numMessageKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Message is the closed set of values the session layer delivers to the
// dispatcher. Only types in this package can implement it.
type Message interface {
	Kind() MessageKind
	isMessage()
}

type Create struct {
	SessionID string `json:"session_id"`
}

type Logon struct {
	SessionID string `json:"session_id"`
}

type Logout struct {
	SessionID string `json:"session_id"`
}

type Heartbeat struct {
	ReceiveTime time.Time `json:"receive_time"`
}

// NotConnected is sent when the venue rejects a request because the gateway
// lost its upstream connection.
type NotConnected struct {
	Report *ExecReport `json:"report"`
}

type GatewayNotReady struct {
	Report *ExecReport `json:"report"`
}

type PositionReports struct {
	Reports []*PositionReport `json:"reports"`
}

// PosReqStatus is the FIX PosReqStatus(729) value.
type PosReqStatus string

const (
	PosReqStatusCompleted            PosReqStatus = "0"
	PosReqStatusCompletedWithWarning PosReqStatus = "1"
	PosReqStatusRejected             PosReqStatus = "2"
)

type PositionRequestAck struct {
	Status PosReqStatus `json:"status"`
}

func (m *PositionRequestAck) Completed() bool { return m.Status == PosReqStatusCompleted }

func (m *PositionRequestAck) Rejected() bool { return m.Status == PosReqStatusRejected }

type TradeCaptureReport struct {
	Reports []*TradeReport `json:"reports"`
}

type TradeCaptureReportRequestAck struct {
	Symbol string `json:"symbol"`
	Result string `json:"result"`
	Status string `json:"status"`
}

type OrderCancelReject struct {
	OrdID       string `json:"ord_id"`
	ClOrdID     string `json:"cl_ord_id"`
	OrigClOrdID string `json:"orig_cl_ord_id"`
	ResponseTo  string `json:"response_to"`
	Reason      string `json:"reason"`
	Text        string `json:"text"`
}

type OrderMassCancelReport struct {
	Exchange     string `json:"exchange"`
	Symbol       string `json:"symbol"`
	Response     string `json:"response"`
	RequestType  string `json:"request_type"`
	RejectReason string `json:"reject_reason"`
	Text         string `json:"text"`
}

// Reject is a session level Reject(3).
type Reject struct {
	RefMsgSeqNum int    `json:"ref_msg_seq_num"`
	RefMsgType   string `json:"ref_msg_type"`
	RefTag       int    `json:"ref_tag"`
	Reason       string `json:"reason"`
	Text         string `json:"text"`
}

type BusinessMessageReject struct {
	RefMsgSeqNum int    `json:"ref_msg_seq_num"`
	RefMsgType   string `json:"ref_msg_type"`
	Reason       string `json:"reason"`
	Text         string `json:"text"`
}

// Housekeeping is queued by the gateway's own timer, never by the session.
// It asks the single writer to export and purge history.
type Housekeeping struct {
	RequestedAt time.Time `json:"requested_at"`
}

func (*Create) Kind() MessageKind                       { return KindCreate }
func (*Logon) Kind() MessageKind                        { return KindLogon }
func (*Logout) Kind() MessageKind                       { return KindLogout }
func (*Heartbeat) Kind() MessageKind                    { return KindHeartbeat }
func (*NotConnected) Kind() MessageKind                 { return KindNotConnected }
func (*GatewayNotReady) Kind() MessageKind              { return KindGatewayNotReady }
func (*ExecReport) Kind() MessageKind                   { return KindExecReport }
func (*PositionReports) Kind() MessageKind              { return KindPositionReports }
func (*PositionRequestAck) Kind() MessageKind           { return KindPositionRequestAck }
func (*TradeCaptureReport) Kind() MessageKind           { return KindTradeCaptureReport }
func (*TradeCaptureReportRequestAck) Kind() MessageKind { return KindTradeCaptureReportRequestAck }
func (*OrderCancelReject) Kind() MessageKind            { return KindOrderCancelReject }
func (*OrderMassCancelReport) Kind() MessageKind        { return KindOrderMassCancelReport }
func (*Reject) Kind() MessageKind                       { return KindReject }
func (*BusinessMessageReject) Kind() MessageKind        { return KindBusinessMessageReject }
func (*Housekeeping) Kind() MessageKind                 { return KindHousekeeping }

func (*Create) isMessage()                       {}
func (*Logon) isMessage()                        {}
func (*Logout) isMessage()                       {}
func (*Heartbeat) isMessage()                    {}
func (*NotConnected) isMessage()                 {}
func (*GatewayNotReady) isMessage()              {}
func (*ExecReport) isMessage()                   {}
func (*PositionReports) isMessage()              {}
func (*PositionRequestAck) isMessage()           {}
func (*TradeCaptureReport) isMessage()           {}
func (*TradeCaptureReportRequestAck) isMessage() {}
func (*OrderCancelReject) isMessage()            {}
func (*OrderMassCancelReport) isMessage()        {}
func (*Reject) isMessage()                       {}
func (*BusinessMessageReject) isMessage()        {}
func (*Housekeeping) isMessage()                 {}

// NewMessage returns a zero value of the message type for kind, used by
// decoders that learn the kind before the payload.
func NewMessage(kind MessageKind) (Message, error) {
	switch kind {
	case KindCreate:
		return &Create{}, nil
	case KindLogon:
		return &Logon{}, nil
	case KindLogout:
		return &Logout{}, nil
	case KindHeartbeat:
		return &Heartbeat{}, nil
	case KindNotConnected:
		return &NotConnected{}, nil
	case KindGatewayNotReady:
		return &GatewayNotReady{}, nil
	case KindExecReport:
		return &ExecReport{}, nil
	case KindPositionReports:
		return &PositionReports{}, nil
	case KindPositionRequestAck:
		return &PositionRequestAck{}, nil
	case KindTradeCaptureReport:
		return &TradeCaptureReport{}, nil
	case KindTradeCaptureReportRequestAck:
		return &TradeCaptureReportRequestAck{}, nil
	case KindOrderCancelReject:
		return &OrderCancelReject{}, nil
	case KindOrderMassCancelReport:
		return &OrderMassCancelReport{}, nil
	case KindReject:
		return &Reject{}, nil
	case KindBusinessMessageReject:
		return &BusinessMessageReject{}, nil
	case KindHousekeeping:
		return &Housekeeping{}, nil
	}
	return nil, fmt.Errorf("unknown message kind %d", int(kind))
}

// ParseMessageKind maps a kind name back to its value.
func ParseMessageKind(name string) (MessageKind, error) {
	for k, n := range messageKindNames {
		if n == name {
			return MessageKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown message kind %q", name)
}
