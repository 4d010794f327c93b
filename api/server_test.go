package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gregtusar/fixgateway/pkg/gateway"
	"github.com/gregtusar/fixgateway/pkg/models"
	"github.com/gregtusar/fixgateway/pkg/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

type fakeGateway struct {
	status      gateway.Status
	withHistory bool
}

func (f *fakeGateway) Status() gateway.Status { return f.status }

func (f *fakeGateway) Orders(withHistory bool) tracker.OrderSnapshot {
	f.withHistory = withHistory
	order := models.NewOrder("deribit", "BTC-PERPETUAL", "A1", "c1", models.SideBuy, models.OrdTypeLimit,
		decimal.NewFromInt(10), decimal.NewFromInt(100), models.OrdStatusNew, t0)
	order.OrdID = "o1"
	return tracker.OrderSnapshot{Open: map[string]*models.Order{"o1": order}}
}

func (f *fakeGateway) Positions() tracker.PositionsSnapshot {
	return tracker.PositionsSnapshot{Positions: map[tracker.PositionKey]tracker.NetPosition{
		{Exchange: "deribit", Symbol: "ETH-PERPETUAL", Account: "A1"}: {UpdateTime: t0, Quantity: decimal.NewFromInt(-3)},
		{Exchange: "deribit", Symbol: "BTC-PERPETUAL", Account: "A1"}: {UpdateTime: t0, Quantity: decimal.NewFromInt(5)},
	}}
}

func (f *fakeGateway) Ledger() []tracker.PositionUpdate {
	return []tracker.PositionUpdate{{
		PositionKey: tracker.PositionKey{Exchange: "deribit", Symbol: "BTC-PERPETUAL", Account: "A1"},
		UpdateTime:  t0,
		Delta:       decimal.NewFromInt(5),
	}}
}

func (f *fakeGateway) ExecReports() []*models.ExecReport {
	return []*models.ExecReport{{Exchange: "deribit", ExecID: "e1", OrdID: "o1"}}
}

func (f *fakeGateway) TradeReports() []*models.TradeReport { return nil }

func newTestServer(t *testing.T, gw *fakeGateway, gatherer prometheus.Gatherer) *httptest.Server {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := NewServer(gw, gatherer, logger, 0)
	s.now = func() time.Time { return t0 }
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, into interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	gw := &fakeGateway{status: gateway.Status{SessionUp: true, LoggedOn: true}}
	srv := newTestServer(t, gw, nil)

	var body map[string]interface{}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/health", &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["logged_on"])

	gw.status.Finished = true
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/api/health", &body))
	assert.Equal(t, "unavailable", body["status"])
}

func TestStatus(t *testing.T) {
	gw := &fakeGateway{status: gateway.Status{
		Exchange:   "deribit",
		OpenOrders: 2,
		RateLimits: "1 per 1s",
		LastError:  "failed to subscribe",
	}}
	srv := newTestServer(t, gw, nil)

	var status gateway.Status
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &status))
	assert.Equal(t, gw.status, status)
}

func TestOrders(t *testing.T) {
	gw := &fakeGateway{}
	srv := newTestServer(t, gw, nil)

	var body map[string]map[string]models.Order
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/orders", &body))
	assert.False(t, gw.withHistory)
	require.Contains(t, body["open_orders"], "o1")
	assert.Equal(t, "c1", body["open_orders"]["o1"].ClOrdID)

	getJSON(t, srv.URL+"/api/orders?history=true", nil)
	assert.True(t, gw.withHistory)
}

func TestPositionsAreListedByKey(t *testing.T) {
	srv := newTestServer(t, &fakeGateway{}, nil)

	var views []PositionView
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/positions", &views))
	require.Len(t, views, 2)
	assert.Equal(t, "BTC-PERPETUAL", views[0].Symbol)
	assert.True(t, views[0].Quantity.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, "ETH-PERPETUAL", views[1].Symbol)
	assert.True(t, views[1].Quantity.Equal(decimal.NewFromInt(-3)))
}

func TestLedgerAndExecReports(t *testing.T) {
	srv := newTestServer(t, &fakeGateway{}, nil)

	var ledger []tracker.PositionUpdate
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/ledger", &ledger))
	require.Len(t, ledger, 1)
	assert.True(t, ledger[0].Delta.Equal(decimal.NewFromInt(5)))

	var reports []models.ExecReport
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/exec-reports", &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "e1", reports[0].ExecID)

	var trades []models.TradeReport
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/trades", &trades))
	assert.Empty(t, trades)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &fakeGateway{}, nil)

	resp, err := http.Post(srv.URL+"/api/orders", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/orders", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "fixgw_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := newTestServer(t, &fakeGateway{}, reg)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fixgw_test_total 1")

	// no gatherer, no endpoint
	bare := newTestServer(t, &fakeGateway{}, nil)
	resp, err = http.Get(bare.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
