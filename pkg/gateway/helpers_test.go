package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/fixgateway/pkg/models"
	"github.com/gregtusar/fixgateway/pkg/session"
	"github.com/gregtusar/fixgateway/pkg/tracker"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

type positionRequest struct {
	exchange  string
	account   string
	symbol    string
	subscribe bool
}

// fakeSession records outbound requests and lets tests feed the inbound queue.
type fakeSession struct {
	mu       sync.Mutex
	messages chan models.Message
	up       bool
	stops    int
	seq      int
	failWith error

	newOrders     []session.NewOrderRequest
	cancels       []*models.Order
	replaces      []session.CancelReplaceRequest
	massStatus    []string
	positionReqs  []positionRequest
	tradeCaptures int
}

var _ session.Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{messages: make(chan models.Message, 64)}
}

func (f *fakeSession) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeSession) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up = true
	return nil
}

func (f *fakeSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.up = false
	f.messages <- &models.Logout{SessionID: "test"}
	return nil
}

func (f *fakeSession) IsUp() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

func (f *fakeSession) Account() string { return "A1" }

func (f *fakeSession) Messages() <-chan models.Message { return f.messages }

func (f *fakeSession) request(msgType string) (*session.OutboundRequest, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &session.OutboundRequest{ID: f.nextID("req"), MsgType: msgType, SentAt: t0}, nil
}

func (f *fakeSession) SubmitNewOrder(ctx context.Context, req session.NewOrderRequest) (*models.Order, *session.OutboundRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, err := f.request(session.MsgTypeNewOrderSingle)
	if err != nil {
		return nil, nil, err
	}
	f.newOrders = append(f.newOrders, req)
	order := models.NewOrder(req.Exchange, req.Symbol, "A1", f.nextID("cl"), req.Side, req.OrdType,
		req.OrderQty, req.Price, models.OrdStatusPendingNew, t0)
	out.ClOrdID = order.ClOrdID
	return order, out, nil
}

func (f *fakeSession) SubmitCancel(ctx context.Context, order *models.Order) (*session.OutboundRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, err := f.request(session.MsgTypeOrderCancelRequest)
	if err != nil {
		return nil, err
	}
	f.cancels = append(f.cancels, order)
	out.ClOrdID = f.nextID("cl")
	return out, nil
}

func (f *fakeSession) SubmitCancelReplace(ctx context.Context, order *models.Order, req session.CancelReplaceRequest) (*session.OutboundRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, err := f.request(session.MsgTypeOrderCancelReplaceRequest)
	if err != nil {
		return nil, err
	}
	f.replaces = append(f.replaces, req)
	return out, nil
}

func (f *fakeSession) SubmitMassStatusRequest(ctx context.Context, exchange, symbol string) (*session.OutboundRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, err := f.request(session.MsgTypeOrderMassStatusRequest)
	if err != nil {
		return nil, err
	}
	f.massStatus = append(f.massStatus, exchange+":"+symbol)
	return out, nil
}

func (f *fakeSession) SubmitPositionRequest(ctx context.Context, exchange, account, symbol string, subscribe bool) (*session.OutboundRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, err := f.request(session.MsgTypeRequestForPositions)
	if err != nil {
		return nil, err
	}
	f.positionReqs = append(f.positionReqs, positionRequest{exchange, account, symbol, subscribe})
	return out, nil
}

func (f *fakeSession) SubmitTradeCaptureRequest(ctx context.Context) (*session.OutboundRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, err := f.request(session.MsgTypeTradeCaptureReportRequest)
	if err != nil {
		return nil, err
	}
	f.tradeCaptures++
	return out, nil
}

func (f *fakeSession) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

type recordingExporter struct {
	exports []HistoryExport
	err     error
}

func (e *recordingExporter) Export(ctx context.Context, h HistoryExport) error {
	if e.err != nil {
		return e.err
	}
	e.exports = append(e.exports, h)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	d        *Dispatcher
	session  *fakeSession
	exporter *recordingExporter
	clock    *clock
	events   []tracker.Event
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	cfg := DefaultConfig()
	cfg.Exchange = "deribit"
	cfg.TradingSymbols = []string{"ETH-PERPETUAL", "BTC-PERPETUAL"}
	cfg.TimerInterval = 0
	cfg.RateLimits = []RateLimit{{Limit: 1, Period: time.Minute}}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		session:  newFakeSession(),
		exporter: &recordingExporter{},
		clock:    &clock{t: t0},
	}
	sink := tracker.SinkFunc(func(e tracker.Event) { h.events = append(h.events, e) })
	d, err := NewDispatcher(cfg, h.session, h.exporter, sink, quietLogger())
	require.NoError(t, err)
	d.now = h.clock.now
	h.d = d
	return h
}

// step runs one iteration of the dispatch loop body.
func (h *harness) step(msg models.Message) error {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	var err error
	if msg != nil {
		err = h.d.handle(context.Background(), msg)
	}
	h.d.evaluate(context.Background())
	return err
}

func (h *harness) sessionEvents() int {
	n := 0
	for _, e := range h.events {
		if e.Kind == tracker.KindSession {
			n++
		}
	}
	return n
}

// logon logs on, subscribes and clears the recorded subscription requests.
func (h *harness) logon(t *testing.T) {
	h.session.up = true
	require.NoError(t, h.step(&models.Logon{SessionID: "test"}))
	require.True(t, h.d.Status().Subscribed)
}

func some(v int64) decimal.NullDecimal { return decimal.NewNullDecimal(decimal.NewFromInt(v)) }

func statusReport(symbol, clOrdID, ordID string, total int, last bool) *models.ExecReport {
	return &models.ExecReport{
		Exchange:         "deribit",
		Symbol:           symbol,
		Account:          "A1",
		TxTime:           t0,
		ExecType:         models.ExecTypeOrderStatus,
		OrdStatus:        models.OrdStatusNew,
		ClOrdID:          clOrdID,
		OrdID:            ordID,
		Side:             models.SideBuy,
		OrdType:          models.OrdTypeLimit,
		Price:            some(100),
		OrderQty:         some(10),
		LeavesQty:        some(10),
		CumQty:           some(0),
		IsMassStatus:     true,
		TotNumReports:    total,
		LastRptRequested: last,
	}
}

func execReport(execType models.ExecType, status models.OrdStatus, clOrdID, ordID string, leaves, cum int64) *models.ExecReport {
	return &models.ExecReport{
		Exchange:  "deribit",
		Symbol:    "BTC-PERPETUAL",
		Account:   "A1",
		TxTime:    t0,
		ExecID:    "exec-" + clOrdID + "-" + string(status),
		ExecType:  execType,
		OrdStatus: status,
		ClOrdID:   clOrdID,
		OrdID:     ordID,
		Side:      models.SideBuy,
		OrdType:   models.OrdTypeLimit,
		Price:     some(100),
		OrderQty:  some(10),
		LeavesQty: some(leaves),
		CumQty:    some(cum),
	}
}

// withOpenOrders loads a mass status snapshot with one open order per ord id.
func (h *harness) withOpenOrders(t *testing.T, ordIDs ...string) {
	for i, id := range ordIDs {
		r := statusReport("BTC-PERPETUAL", "c-"+id, id, len(ordIDs), i == len(ordIDs)-1)
		require.NoError(t, h.step(r))
	}
	require.Len(t, h.d.Orders(false).Open, len(ordIDs))
}
