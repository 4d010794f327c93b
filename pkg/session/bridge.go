package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/fixgateway/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Envelope is the JSON frame exchanged with the FIX engine sidecar. Inbound
// frames carry a models.MessageKind name as Type.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// outbound envelope types
const (
	envLogon               = "logon"
	envLogout              = "logout"
	envNewOrderSingle      = "new_order_single"
	envOrderCancel         = "order_cancel_request"
	envOrderCancelReplace  = "order_cancel_replace_request"
	envOrderMassStatus     = "order_mass_status_request"
	envRequestForPositions = "request_for_positions"
	envTradeCaptureRequest = "trade_capture_report_request"
)

type BridgeConfig struct {
	URL              string
	SenderCompID     string
	TargetCompID     string
	Account          string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReconnectDelay   time.Duration
	MaxReconnects    int
	QueueSize        int
}

// Bridge is a Session backed by a websocket connection to an external FIX
// engine. A Bridge is started once; after a disconnect a new one is needed.
type Bridge struct {
	cfg    BridgeConfig
	auth   Authenticator
	dialer websocket.Dialer
	logger *logrus.Entry

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	loggedOn  bool
	stopping  bool

	messages chan models.Message
	newID    func() string
	now      func() time.Time
}

var _ Session = (*Bridge)(nil)

func NewBridge(cfg BridgeConfig, auth Authenticator, logger *logrus.Logger) *Bridge {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if auth == nil {
		auth = noAuth{}
	}
	return &Bridge{
		cfg:      cfg,
		auth:     auth,
		dialer:   websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:   logger.WithField("component", "bridge"),
		messages: make(chan models.Message, cfg.QueueSize),
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (b *Bridge) Messages() <-chan models.Message { return b.messages }

func (b *Bridge) Account() string { return b.cfg.Account }

// IsUp reports whether the websocket is connected and the FIX session is logged on.
func (b *Bridge) IsUp() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && b.loggedOn
}

// Start connects, retrying up to MaxReconnects times, and asks the engine to
// log on.
func (b *Bridge) Start(ctx context.Context) error {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid bridge url: %w", err)
	}

	var conn *websocket.Conn
	for attempt := 0; ; attempt++ {
		conn, err = b.dial(ctx, u)
		if err == nil {
			break
		}
		if attempt >= b.cfg.MaxReconnects {
			return fmt.Errorf("failed to connect to bridge after %d attempts: %w", attempt+1, err)
		}
		b.logger.WithError(err).WithField("attempt", attempt+1).Warn("Bridge connect failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.ReconnectDelay):
		}
	}

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.mu.Unlock()

	go b.readLoop(ctx)
	go b.keepAlive(ctx)

	_, err = b.send(ctx, envLogon, "A", map[string]string{
		"sender_comp_id": b.cfg.SenderCompID,
		"target_comp_id": b.cfg.TargetCompID,
		"account":        b.cfg.Account,
	})
	return err
}

func (b *Bridge) dial(ctx context.Context, u *url.URL) (*websocket.Conn, error) {
	header := http.Header{}
	if err := b.auth.AddAuthHeaders(header, http.MethodGet, u.Host, u.Path); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	conn, _, err := b.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}
	return conn, nil
}

// Stop asks the engine to log out. The connection is closed once the engine
// confirms or drops it.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()

	_, err := b.send(context.Background(), envLogout, MsgTypeLogout, map[string]string{
		"sender_comp_id": b.cfg.SenderCompID,
	})
	return err
}

func (b *Bridge) readLoop(ctx context.Context) {
	defer close(b.messages)

	for {
		var env Envelope
		if err := b.conn.ReadJSON(&env); err != nil {
			b.mu.Lock()
			stopping := b.stopping
			b.mu.Unlock()
			if !stopping && ctx.Err() == nil {
				b.logger.WithError(err).Error("Failed to read websocket message")
				b.deliver(ctx, &models.NotConnected{})
			}
			b.handleDisconnect()
			return
		}

		msg, err := decodeEnvelope(env)
		if err != nil {
			b.logger.WithError(err).WithField("type", env.Type).Warn("Dropping undecodable message")
			continue
		}

		switch msg.(type) {
		case *models.Logon:
			b.setLoggedOn(true)
		case *models.Logout:
			b.setLoggedOn(false)
		}

		if !b.deliver(ctx, msg) {
			b.handleDisconnect()
			return
		}
	}
}

func (b *Bridge) deliver(ctx context.Context, msg models.Message) bool {
	select {
	case b.messages <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func decodeEnvelope(env Envelope) (models.Message, error) {
	kind, err := models.ParseMessageKind(env.Type)
	if err != nil {
		return nil, err
	}
	if kind == models.KindHousekeeping {
		return nil, fmt.Errorf("message kind %s is internal", kind)
	}
	msg, err := models.NewMessage(kind)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
	}
	return msg, nil
}

func (b *Bridge) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.handleDisconnect()
			return
		case <-ticker.C:
			b.mu.Lock()
			if !b.connected {
				b.mu.Unlock()
				return
			}
			err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.cfg.HandshakeTimeout))
			b.mu.Unlock()
			if err != nil {
				b.logger.WithError(err).Error("Failed to send ping")
				b.handleDisconnect()
				return
			}
		}
	}
}

func (b *Bridge) setLoggedOn(v bool) {
	b.mu.Lock()
	b.loggedOn = v
	b.mu.Unlock()
}

func (b *Bridge) handleDisconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connected = false
	b.loggedOn = false
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *Bridge) send(ctx context.Context, typ, msgType string, payload interface{}) (*OutboundRequest, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", typ, err)
	}

	req := &OutboundRequest{ID: b.newID(), MsgType: msgType, SentAt: b.now()}
	env := Envelope{Type: typ, ID: req.ID, Time: req.SentAt, Payload: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		b.conn.SetWriteDeadline(deadline)
		defer b.conn.SetWriteDeadline(time.Time{})
	}
	if err := b.conn.WriteJSON(env); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", typ, err)
	}
	return req, nil
}

type orderPayload struct {
	ClOrdID      string             `json:"cl_ord_id"`
	OrigClOrdID  string             `json:"orig_cl_ord_id,omitempty"`
	OrdID        string             `json:"ord_id,omitempty"`
	Exchange     string             `json:"exchange"`
	Symbol       string             `json:"symbol"`
	Account      string             `json:"account"`
	Side         models.Side        `json:"side"`
	OrdType      models.OrdType     `json:"ord_type,omitempty"`
	TimeInForce  models.TimeInForce `json:"tif,omitempty"`
	OrderQty     decimal.Decimal    `json:"order_qty"`
	Price        decimal.Decimal    `json:"price"`
	Text         string             `json:"text,omitempty"`
	TransactTime time.Time          `json:"transact_time"`
}

// SubmitNewOrder sends a NewOrderSingle and returns the pending order it
// created, keyed by a fresh client order id.
func (b *Bridge) SubmitNewOrder(ctx context.Context, req NewOrderRequest) (*models.Order, *OutboundRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	account := req.Account
	if account == "" {
		account = b.cfg.Account
	}
	now := b.now()
	order := models.NewOrder(req.Exchange, req.Symbol, account, b.newID(), req.Side, req.OrdType,
		req.OrderQty, req.Price, models.OrdStatusPendingNew, now)
	order.TimeInForce = req.TimeInForce
	order.Text = req.Text

	out, err := b.send(ctx, envNewOrderSingle, MsgTypeNewOrderSingle, orderPayload{
		ClOrdID:      order.ClOrdID,
		Exchange:     order.Exchange,
		Symbol:       order.Symbol,
		Account:      order.Account,
		Side:         order.Side,
		OrdType:      order.OrdType,
		TimeInForce:  order.TimeInForce,
		OrderQty:     order.OrderQty,
		Price:        order.Price,
		Text:         order.Text,
		TransactTime: now,
	})
	if err != nil {
		return nil, nil, err
	}
	out.ClOrdID = order.ClOrdID
	return order, out, nil
}

func (b *Bridge) SubmitCancel(ctx context.Context, order *models.Order) (*OutboundRequest, error) {
	clOrdID := b.newID()
	out, err := b.send(ctx, envOrderCancel, MsgTypeOrderCancelRequest, orderPayload{
		ClOrdID:      clOrdID,
		OrigClOrdID:  order.ClOrdID,
		OrdID:        order.OrdID,
		Exchange:     order.Exchange,
		Symbol:       order.Symbol,
		Account:      order.Account,
		Side:         order.Side,
		OrderQty:     order.OrderQty,
		TransactTime: b.now(),
	})
	if err != nil {
		return nil, err
	}
	out.ClOrdID = clOrdID
	return out, nil
}

func (b *Bridge) SubmitCancelReplace(ctx context.Context, order *models.Order, req CancelReplaceRequest) (*OutboundRequest, error) {
	qty, price := order.OrderQty, order.Price
	if !req.OrderQty.IsZero() {
		qty = req.OrderQty
	}
	if !req.Price.IsZero() {
		price = req.Price
	}
	clOrdID := b.newID()
	out, err := b.send(ctx, envOrderCancelReplace, MsgTypeOrderCancelReplaceRequest, orderPayload{
		ClOrdID:      clOrdID,
		OrigClOrdID:  order.ClOrdID,
		OrdID:        order.OrdID,
		Exchange:     order.Exchange,
		Symbol:       order.Symbol,
		Account:      order.Account,
		Side:         order.Side,
		OrdType:      order.OrdType,
		TimeInForce:  order.TimeInForce,
		OrderQty:     qty,
		Price:        price,
		TransactTime: b.now(),
	})
	if err != nil {
		return nil, err
	}
	out.ClOrdID = clOrdID
	return out, nil
}

// SubmitMassStatusRequest asks for the status of all orders on a symbol.
func (b *Bridge) SubmitMassStatusRequest(ctx context.Context, exchange, symbol string) (*OutboundRequest, error) {
	return b.send(ctx, envOrderMassStatus, MsgTypeOrderMassStatusRequest, map[string]string{
		"mass_status_req_id":   "ms_" + b.newID(),
		"mass_status_req_type": "7",
		"exchange":             exchange,
		"symbol":               symbol,
	})
}

// SubmitPositionRequest asks for a position snapshot, optionally followed by
// updates. An empty symbol covers the whole account.
func (b *Bridge) SubmitPositionRequest(ctx context.Context, exchange, account, symbol string, subscribe bool) (*OutboundRequest, error) {
	subscription := "0"
	if subscribe {
		subscription = "1"
	}
	return b.send(ctx, envRequestForPositions, MsgTypeRequestForPositions, map[string]string{
		"pos_req_id":                "pos_" + b.newID(),
		"exchange":                  exchange,
		"account":                   account,
		"symbol":                    symbol,
		"subscription_request_type": subscription,
	})
}

func (b *Bridge) SubmitTradeCaptureRequest(ctx context.Context) (*OutboundRequest, error) {
	return b.send(ctx, envTradeCaptureRequest, MsgTypeTradeCaptureReportRequest, map[string]string{
		"trade_req_id":              "trade_capt_" + b.newID(),
		"trade_request_type":        "0",
		"subscription_request_type": "1",
	})
}
