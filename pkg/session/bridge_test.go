package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/fixgateway/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine is a websocket server standing in for the FIX engine.
type fakeEngine struct {
	server   *httptest.Server
	header   chan http.Header
	received chan Envelope
	outbound chan Envelope
}

func newFakeEngine(t *testing.T) *fakeEngine {
	e := &fakeEngine{
		header:   make(chan http.Header, 1),
		received: make(chan Envelope, 16),
		outbound: make(chan Envelope, 16),
	}
	upgrader := websocket.Upgrader{}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.header <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var env Envelope
				if err := conn.ReadJSON(&env); err != nil {
					return
				}
				e.received <- env
			}
		}()
		for {
			select {
			case env := <-e.outbound:
				if env.Type == "" {
					return
				}
				if err := conn.WriteJSON(env); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *fakeEngine) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/fix"
}

func (e *fakeEngine) push(t *testing.T, kind models.MessageKind, payload interface{}) {
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	e.outbound <- Envelope{Type: kind.String(), Time: time.Now(), Payload: data}
}

func (e *fakeEngine) next(t *testing.T) Envelope {
	select {
	case env := <-e.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("engine received nothing")
	}
	return Envelope{}
}

func nextMessage(t *testing.T, b *Bridge) models.Message {
	select {
	case msg, ok := <-b.Messages():
		require.True(t, ok, "message channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func startBridge(t *testing.T, e *fakeEngine, auth Authenticator) *Bridge {
	b := NewBridge(BridgeConfig{
		URL:          e.url(),
		SenderCompID: "CLIENT",
		TargetCompID: "VENUE",
		Account:      "A1",
	}, auth, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, b.Start(ctx))
	return b
}

func TestBridgeLogonAndInboundDecoding(t *testing.T) {
	engine := newFakeEngine(t)
	b := startBridge(t, engine, nil)

	logon := engine.next(t)
	assert.Equal(t, envLogon, logon.Type)
	assert.NotEmpty(t, logon.ID)
	assert.False(t, b.IsUp())

	engine.push(t, models.KindLogon, models.Logon{SessionID: "FIX.4.4:CLIENT->VENUE"})
	msg := nextMessage(t, b)
	require.IsType(t, &models.Logon{}, msg)
	assert.True(t, b.IsUp())

	engine.push(t, models.KindExecReport, map[string]interface{}{
		"exchange":   "deribit",
		"symbol":     "BTC-PERPETUAL",
		"account":    "A1",
		"exec_type":  "F",
		"ord_status": "1",
		"cl_ord_id":  "c1",
		"ord_id":     "o1",
		"side":       "1",
		"order_qty":  "10",
		"leaves_qty": "6",
		"cum_qty":    "4",
	})
	msg = nextMessage(t, b)
	report, ok := msg.(*models.ExecReport)
	require.True(t, ok)
	assert.Equal(t, models.ExecTypeTrade, report.ExecType)
	assert.Equal(t, models.OrdStatusPartiallyFilled, report.OrdStatus)
	assert.True(t, report.LeavesQty.Valid)
	assert.True(t, report.LeavesQty.Decimal.Equal(decimal.NewFromInt(6)))
	assert.False(t, report.LastQty.Valid)
	assert.Equal(t, "A1", b.Account())
}

func TestBridgeDropsUnknownAndInternalKinds(t *testing.T) {
	engine := newFakeEngine(t)
	b := startBridge(t, engine, nil)
	engine.next(t)

	engine.outbound <- Envelope{Type: "quote", Time: time.Now()}
	engine.outbound <- Envelope{Type: models.KindHousekeeping.String(), Time: time.Now()}
	engine.push(t, models.KindHeartbeat, models.Heartbeat{})

	assert.IsType(t, &models.Heartbeat{}, nextMessage(t, b))
}

func TestBridgeSubmitNewOrder(t *testing.T) {
	engine := newFakeEngine(t)
	b := startBridge(t, engine, nil)
	engine.next(t)

	order, out, err := b.SubmitNewOrder(context.Background(), NewOrderRequest{
		Exchange: "deribit",
		Symbol:   "BTC-PERPETUAL",
		Side:     models.SideSell,
		OrdType:  models.OrdTypeLimit,
		OrderQty: decimal.NewFromInt(3),
		Price:    decimal.NewFromInt(42000),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrdStatusPendingNew, order.OrdStatus)
	assert.Equal(t, "A1", order.Account)
	assert.Equal(t, order.ClOrdID, out.ClOrdID)
	assert.Equal(t, MsgTypeNewOrderSingle, out.MsgType)

	env := engine.next(t)
	assert.Equal(t, envNewOrderSingle, env.Type)
	assert.Equal(t, out.ID, env.ID)

	var payload orderPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, order.ClOrdID, payload.ClOrdID)
	assert.Equal(t, models.SideSell, payload.Side)
	assert.True(t, payload.Price.Equal(decimal.NewFromInt(42000)))
}

func TestBridgeSubmitNewOrderValidates(t *testing.T) {
	engine := newFakeEngine(t)
	b := startBridge(t, engine, nil)
	engine.next(t)

	_, _, err := b.SubmitNewOrder(context.Background(), NewOrderRequest{
		Exchange: "deribit",
		Symbol:   "BTC-PERPETUAL",
		Side:     models.SideBuy,
		OrdType:  models.OrdTypeLimit,
		OrderQty: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestBridgeCancelAndReplaceCarryOrigClOrdID(t *testing.T) {
	engine := newFakeEngine(t)
	b := startBridge(t, engine, nil)
	engine.next(t)

	order := models.NewOrder("deribit", "BTC-PERPETUAL", "A1", "c1", models.SideBuy, models.OrdTypeLimit,
		decimal.NewFromInt(10), decimal.NewFromInt(100), models.OrdStatusNew, time.Now())
	order.OrdID = "o1"

	out, err := b.SubmitCancel(context.Background(), order)
	require.NoError(t, err)
	var cancel orderPayload
	require.NoError(t, json.Unmarshal(engine.next(t).Payload, &cancel))
	assert.Equal(t, "c1", cancel.OrigClOrdID)
	assert.Equal(t, out.ClOrdID, cancel.ClOrdID)
	assert.NotEqual(t, "c1", cancel.ClOrdID)

	_, err = b.SubmitCancelReplace(context.Background(), order, CancelReplaceRequest{Price: decimal.NewFromInt(101)})
	require.NoError(t, err)
	env := engine.next(t)
	assert.Equal(t, envOrderCancelReplace, env.Type)
	var replace orderPayload
	require.NoError(t, json.Unmarshal(env.Payload, &replace))
	assert.True(t, replace.Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, replace.OrderQty.Equal(decimal.NewFromInt(10)))
}

func TestBridgeSubscriptionRequests(t *testing.T) {
	engine := newFakeEngine(t)
	b := startBridge(t, engine, nil)
	engine.next(t)

	ctx := context.Background()
	_, err := b.SubmitMassStatusRequest(ctx, "deribit", "BTC-PERPETUAL")
	require.NoError(t, err)
	_, err = b.SubmitPositionRequest(ctx, "deribit", "A1", "", true)
	require.NoError(t, err)
	_, err = b.SubmitTradeCaptureRequest(ctx)
	require.NoError(t, err)

	var fields map[string]string

	env := engine.next(t)
	assert.Equal(t, envOrderMassStatus, env.Type)
	require.NoError(t, json.Unmarshal(env.Payload, &fields))
	assert.True(t, strings.HasPrefix(fields["mass_status_req_id"], "ms_"))

	env = engine.next(t)
	assert.Equal(t, envRequestForPositions, env.Type)
	require.NoError(t, json.Unmarshal(env.Payload, &fields))
	assert.Equal(t, "1", fields["subscription_request_type"])

	env = engine.next(t)
	assert.Equal(t, envTradeCaptureRequest, env.Type)
}

func TestBridgeDisconnectDeliversNotConnected(t *testing.T) {
	engine := newFakeEngine(t)
	b := startBridge(t, engine, nil)
	engine.next(t)

	// an empty envelope makes the fake engine hang up
	engine.outbound <- Envelope{}

	assert.IsType(t, &models.NotConnected{}, nextMessage(t, b))
	select {
	case _, ok := <-b.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("message channel not closed")
	}

	_, err := b.SubmitTradeCaptureRequest(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBridgeStopSendsLogout(t *testing.T) {
	engine := newFakeEngine(t)
	b := startBridge(t, engine, nil)
	engine.next(t)

	require.NoError(t, b.Stop())
	assert.Equal(t, envLogout, engine.next(t).Type)

	engine.outbound <- Envelope{}
	select {
	case msg, ok := <-b.Messages():
		assert.False(t, ok, "unexpected %v", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message channel not closed")
	}
}

func TestBridgeSendsAuthHeaders(t *testing.T) {
	engine := newFakeEngine(t)
	startBridge(t, engine, NewLegacyAuthenticator("key", "secret", "phrase"))

	header := <-engine.header
	assert.Equal(t, "key", header.Get("FIXGW-ACCESS-KEY"))
	assert.Equal(t, "phrase", header.Get("FIXGW-ACCESS-PASSPHRASE"))
	assert.NotEmpty(t, header.Get("FIXGW-ACCESS-SIGN"))
}

func TestBridgeStartGivesUp(t *testing.T) {
	b := NewBridge(BridgeConfig{
		URL:            "ws://127.0.0.1:1/fix",
		MaxReconnects:  2,
		ReconnectDelay: time.Millisecond,
	}, nil, quietLogger())

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}
