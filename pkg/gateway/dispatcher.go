package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/fixgateway/pkg/models"
	"github.com/gregtusar/fixgateway/pkg/session"
	"github.com/gregtusar/fixgateway/pkg/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrConnectionLost    = errors.New("connection lost")
	ErrLogoutBeforeLogon = errors.New("logout before successful logon, most likely a connection problem or invalid credentials")
	ErrQueueTimeout      = errors.New("inbound queue empty")
	ErrNotReady          = errors.New("gateway not logged on")
	ErrStopping          = errors.New("gateway is stopping")
	ErrRateLimited       = errors.New("no rate limit capacity")
	ErrUnknownMessage    = errors.New("unknown message")
)

// DependencyAction names a piece of startup state the strategy waits for.
type DependencyAction string

const (
	ActionWorkingOrders     DependencyAction = "working_orders"
	ActionPositionSnapshots DependencyAction = "position_snapshots"
)

// NoOrdersText is the text a venue sends with a rejected mass status reply
// when there simply are no orders.
const NoOrdersText = "NO ORDERS"

type Config struct {
	Exchange       string
	TradingSymbols []string
	// QueueTimeout bounds how long the loop waits for a message before it
	// re-evaluates its state anyway.
	QueueTimeout time.Duration
	CancelOnExit bool
	// CancelTimeout is how long a stop waits for open orders to be
	// cancelled. Zero waits until they are.
	CancelTimeout            time.Duration
	SubscribePositionUpdates bool
	SubscribeTradeCapture    bool
	TimerInterval            time.Duration
	TimerAlignment           time.Duration
	RateLimits               []RateLimit
	Netting                  bool
}

func DefaultConfig() Config {
	return Config{
		QueueTimeout:             10 * time.Second,
		CancelOnExit:             true,
		CancelTimeout:            5 * time.Second,
		SubscribePositionUpdates: true,
		SubscribeTradeCapture:    true,
		TimerInterval:            time.Hour,
		TimerAlignment:           time.Hour,
		RateLimits:               []RateLimit{{Limit: 1, Period: time.Second}},
		Netting:                  true,
	}
}

// Dispatcher owns the trackers and is their only writer. Inbound messages
// and order entry both run under the write lock; every read accessor takes
// the read lock and returns copies.
type Dispatcher struct {
	cfg       Config
	session   session.Session
	orders    *tracker.OrderTracker
	positions *tracker.PositionTracker
	limiter   *Limiter
	exporter  Exporter
	sink      tracker.Sink
	metrics   *Metrics
	logger    *logrus.Entry
	now       func() time.Time

	internal chan models.Message
	wake     chan struct{}
	done     chan struct{}

	mu              sync.RWMutex
	loggedOn        bool
	subscribed      bool
	toStop          bool
	stopRequestedAt time.Time
	logoutSent      bool
	cancelRequested map[string]time.Time
	dependencies    map[DependencyAction][]string
	massStatus      map[string][]*models.ExecReport
	workingOrders   map[string][]*models.ExecReport
	positionParts   []*models.PositionReport
	tradeParts      []*models.TradeReport
	trades          []*models.TradeReport
	lastErr         error
	exitErr         error
}

// NewDispatcher wires the trackers to sess. A nil sink logs tracker events
// through logger; a nil exporter skips history export.
func NewDispatcher(cfg Config, sess session.Session, exporter Exporter, sink tracker.Sink, logger *logrus.Logger) (*Dispatcher, error) {
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("exchange is required")
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultConfig().QueueTimeout
	}
	if len(cfg.RateLimits) == 0 {
		cfg.RateLimits = DefaultConfig().RateLimits
	}
	limiter, err := NewLimiter(cfg.RateLimits...)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	if sink == nil {
		sink = tracker.NewLogSink(logger.WithField("component", "tracker"))
	}

	positions := tracker.NewPositionTracker("local", cfg.Netting, sink)
	d := &Dispatcher{
		cfg:             cfg,
		session:         sess,
		orders:          tracker.NewOrderTracker("local", positions, sink),
		positions:       positions,
		limiter:         limiter,
		exporter:        exporter,
		sink:            sink,
		logger:          logger.WithField("component", "dispatcher"),
		now:             func() time.Time { return time.Now().UTC() },
		internal:        make(chan models.Message, 1),
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
		cancelRequested: make(map[string]time.Time),
		dependencies:    initDependencies(),
		massStatus:      make(map[string][]*models.ExecReport),
		workingOrders:   make(map[string][]*models.ExecReport),
	}
	d.logger.WithField("rate_limits", limiter.String()).Info("Dispatcher created")
	return d, nil
}

func initDependencies() map[DependencyAction][]string {
	return map[DependencyAction][]string{
		ActionWorkingOrders:     {},
		ActionPositionSnapshots: {},
	}
}

// SetMetrics registers dispatcher and tracker collectors with reg.
func (d *Dispatcher) SetMetrics(reg prometheus.Registerer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.metrics = NewMetrics(reg)
	tm := tracker.NewMetrics(reg)
	d.orders.SetMetrics(tm)
	d.positions.SetMetrics(tm)
}

func (d *Dispatcher) tradingTickers() []models.Ticker {
	tickers := make([]models.Ticker, 0, len(d.cfg.TradingSymbols))
	for _, symbol := range d.cfg.TradingSymbols {
		tickers = append(tickers, models.Ticker{Exchange: d.cfg.Exchange, Symbol: symbol})
	}
	sort.Slice(tickers, func(i, j int) bool { return tickers[i].Symbol < tickers[j].Symbol })
	return tickers
}

// Run starts the session and dispatches inbound messages until the
// dispatcher is finished, the connection is lost or ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	d.logger.WithFields(logrus.Fields{
		"exchange":        d.cfg.Exchange,
		"trading_symbols": d.cfg.TradingSymbols,
	}).Info("Starting dispatcher")

	if err := d.session.Start(ctx); err != nil {
		err = fmt.Errorf("failed to start session: %w", err)
		d.setExitErr(err)
		return err
	}

	timerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go NewAlignedTimer(d.cfg.TimerInterval, d.cfg.TimerAlignment, d.requestHousekeeping).Run(timerCtx)

	err := d.dispatch(ctx)
	d.logger.WithError(err).Info("Dispatch loop terminated")

	d.mu.Lock()
	d.exportHistory(context.Background(), false)
	d.exitErr = err
	d.mu.Unlock()
	return err
}

func (d *Dispatcher) setExitErr(err error) {
	d.mu.Lock()
	d.exitErr = err
	d.mu.Unlock()
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err is the error Run returned, if it has.
func (d *Dispatcher) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.exitErr
}

func (d *Dispatcher) dispatch(ctx context.Context) error {
	messages := d.session.Messages()

	for !d.IsFinished() {
		var msg models.Message
		timer := time.NewTimer(d.cfg.QueueTimeout)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case m, ok := <-messages:
			if !ok {
				timer.Stop()
				return d.onSessionClosed()
			}
			msg = m
		case m := <-d.internal:
			msg = m
		case <-d.wake:
		case <-timer.C:
			d.onQueueTimeout()
		}
		timer.Stop()

		d.mu.Lock()
		var err error
		if msg != nil {
			err = d.handle(ctx, msg)
		}
		if err != nil && !errors.Is(err, ErrConnectionLost) {
			d.lastErr = err
			d.logger.WithError(err).Error("Dispatch failed")
		}
		d.evaluate(ctx)
		d.mu.Unlock()

		if errors.Is(err, ErrConnectionLost) {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) onSessionClosed() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.setLoggedOn(false)
	if d.isFinished() {
		return nil
	}
	err := fmt.Errorf("%w: session closed its message queue", ErrConnectionLost)
	d.lastErr = err
	return err
}

func (d *Dispatcher) onQueueTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.metrics.incQueueTimeout()
	d.lastErr = fmt.Errorf("%w after waiting %s", ErrQueueTimeout, d.cfg.QueueTimeout)
	d.logger.WithField("queue_timeout", d.cfg.QueueTimeout.String()).Info("Queue empty")
}

// handle routes one message. Callers hold the write lock.
func (d *Dispatcher) handle(ctx context.Context, msg models.Message) error {
	d.metrics.incMessage(msg.Kind().String())

	switch m := msg.(type) {
	case *models.Create:
		d.logger.WithField("session_id", m.SessionID).Debug("Session created")
	case *models.Logon:
		d.logger.WithField("session_id", m.SessionID).Info("Logged on")
		d.setLoggedOn(true)
	case *models.Logout:
		return d.onLogout(m)
	case *models.Heartbeat:
	case *models.NotConnected:
		return d.onConnectionError("not_connected", m.Report)
	case *models.GatewayNotReady:
		return d.onConnectionError("gateway_not_ready", m.Report)
	case *models.ExecReport:
		d.onExecReport(ctx, m)
	case *models.PositionReports:
		d.onPositionReports(m)
	case *models.PositionRequestAck:
		d.onPositionRequestAck(m)
	case *models.TradeCaptureReport:
		d.onTradeCaptureReport(m)
	case *models.TradeCaptureReportRequestAck:
		d.logger.WithFields(logrus.Fields{
			"symbol": m.Symbol,
			"result": m.Result,
			"status": m.Status,
		}).Info("Trade capture request acknowledged")
	case *models.OrderCancelReject:
		d.onOrderCancelReject(m)
	case *models.OrderMassCancelReport:
		d.logger.WithFields(logrus.Fields{
			"exchange": m.Exchange,
			"symbol":   m.Symbol,
			"response": m.Response,
			"text":     m.Text,
		}).Info("Order mass cancel report")
	case *models.Reject:
		d.sessionEvent("reject", m.Text, logrus.Fields{
			"ref_msg_seq_num": m.RefMsgSeqNum,
			"ref_msg_type":    m.RefMsgType,
			"ref_tag":         m.RefTag,
			"reason":          m.Reason,
		})
	case *models.BusinessMessageReject:
		d.sessionEvent("business_message_reject", m.Text, logrus.Fields{
			"ref_msg_seq_num": m.RefMsgSeqNum,
			"ref_msg_type":    m.RefMsgType,
			"reason":          m.Reason,
		})
	case *models.Housekeeping:
		d.logger.Info("Saving and purging history")
		d.exportHistory(ctx, true)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	return nil
}

func (d *Dispatcher) sessionEvent(op, text string, fields logrus.Fields) {
	d.sink.Emit(tracker.Event{
		Kind:    tracker.KindSession,
		Op:      op,
		Message: text,
		Fields:  fields,
	})
}

func (d *Dispatcher) setLoggedOn(v bool) {
	d.loggedOn = v
	d.metrics.setLoggedOn(v)
}

func (d *Dispatcher) onLogout(m *models.Logout) error {
	if !d.loggedOn {
		return fmt.Errorf("%w: session %s", ErrLogoutBeforeLogon, m.SessionID)
	}
	d.logger.WithField("session_id", m.SessionID).Info("Logged out")
	d.setLoggedOn(false)
	return nil
}

func (d *Dispatcher) onConnectionError(op string, report *models.ExecReport) error {
	d.setLoggedOn(false)
	text := ""
	if report != nil {
		text = report.Text
	}
	d.sessionEvent(op, "connection error", logrus.Fields{"text": text})
	err := fmt.Errorf("%w: %s %s", ErrConnectionLost, op, text)
	d.lastErr = err
	return err
}

func (d *Dispatcher) onExecReport(ctx context.Context, r *models.ExecReport) {
	if r.ExecType == models.ExecTypeOrderStatus {
		switch {
		case r.OrdStatus == models.OrdStatusRejected:
			d.onNoOrders(r)
		case r.IsMassStatus:
			if r.TotNumReports <= 0 {
				d.logger.WithField("report", r.String()).Error("Mass status reply without tot_num_reports")
				return
			}
			key := d.massStatusKey(r)
			batch := append(d.massStatus[key], r)
			if len(batch) == r.TotNumReports && r.LastRptRequested {
				delete(d.massStatus, key)
				d.onMassStatus(key, batch)
				return
			}
			d.massStatus[key] = batch
		default:
			d.logger.WithField("report", r.String()).Info("Order status reply")
		}
		return
	}

	openBefore := d.orders.OpenCount()
	if _, err := d.orders.Process(r, d.now()); err != nil {
		d.logger.WithError(err).Debug("Execution report not applied")
	}
	if _, open := d.orders.OpenOrder(r.OrdID); !open {
		delete(d.cancelRequested, r.OrdID)
	}
	if d.toStop && openBefore > 0 && d.orders.OpenCount() == 0 {
		d.logger.Info("All open orders cancelled")
		d.exportHistory(ctx, false)
	}
}

func (d *Dispatcher) onNoOrders(r *models.ExecReport) {
	if r.Text != NoOrdersText {
		d.logger.WithField("text", r.Text).Warn("Unexpected text in mass status reply")
	}
	ticker := d.reportTicker(r)
	d.logger.WithField("ticker", ticker.String()).Info("No working orders")
	if _, ok := d.workingOrders[ticker.String()]; ok {
		delete(d.workingOrders, ticker.String())
		d.applyWorkingOrders()
	}
	d.markDone(ActionWorkingOrders, ticker.String())
}

// massStatusKey groups replies by request id, or by ticker when the venue
// does not echo one.
func (d *Dispatcher) massStatusKey(r *models.ExecReport) string {
	if r.StatusReqID != "" {
		return r.StatusReqID
	}
	return d.reportTicker(r).String()
}

func (d *Dispatcher) reportTicker(r *models.ExecReport) models.Ticker {
	ticker := r.Key()
	if ticker.Exchange == "" {
		ticker.Exchange = d.cfg.Exchange
	}
	return ticker
}

// onMassStatus stores a completed batch and re-applies the union of all
// completed batches.
func (d *Dispatcher) onMassStatus(key string, reports []*models.ExecReport) {
	d.workingOrders[key] = reports
	part := d.applyWorkingOrders()
	d.logger.WithFields(logrus.Fields{
		"batch":           key,
		"reports":         len(reports),
		"non_convertible": len(part.NonConvertible),
		"pending":         len(part.Pending),
		"working":         len(part.Working),
		"historical":      len(part.Historical),
	}).Info("Mass order status completed")

	for _, r := range reports {
		d.markDone(ActionWorkingOrders, d.reportTicker(r).String())
	}
}

func (d *Dispatcher) applyWorkingOrders() tracker.Partition {
	keys := make([]string, 0, len(d.workingOrders))
	for key := range d.workingOrders {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var all []*models.ExecReport
	for _, key := range keys {
		all = append(all, d.workingOrders[key]...)
	}
	return d.orders.SetSnapshots(all, d.now(), true)
}

func (d *Dispatcher) onPositionReports(m *models.PositionReports) {
	d.positionParts = append(d.positionParts, m.Reports...)
	if n := len(d.positionParts); n > 0 {
		if expected := d.positionParts[n-1].TotalExpected; expected > 0 && n < expected {
			return
		}
	}

	reports := d.positionParts
	d.positionParts = nil
	for _, r := range reports {
		if r.Exchange == "" {
			r.Exchange = d.cfg.Exchange
		}
	}
	d.positions.SetSnapshots(reports, d.now(), true)
	for _, r := range reports {
		d.markDone(ActionPositionSnapshots, r.Exchange)
	}
	d.logger.WithField("reports", len(reports)).Info("Position reports completed")
}

func (d *Dispatcher) onPositionRequestAck(m *models.PositionRequestAck) {
	if m.Rejected() {
		d.sessionEvent("position_request_ack", "position request rejected", logrus.Fields{"status": string(m.Status)})
		return
	}
	d.logger.WithField("status", string(m.Status)).Info("Position request acknowledged")
}

func (d *Dispatcher) onTradeCaptureReport(m *models.TradeCaptureReport) {
	d.tradeParts = append(d.tradeParts, m.Reports...)
	if n := len(d.tradeParts); n > 0 {
		if expected := d.tradeParts[n-1].TotalExpected; expected > 0 && n < expected {
			return
		}
	}
	d.trades = append(d.trades, d.tradeParts...)
	d.logger.WithField("reports", len(d.tradeParts)).Info("Trade reports completed")
	d.tradeParts = nil
}

func (d *Dispatcher) onOrderCancelReject(m *models.OrderCancelReject) {
	entry := d.logger.WithFields(logrus.Fields{
		"ord_id":         m.OrdID,
		"cl_ord_id":      m.ClOrdID,
		"orig_cl_ord_id": m.OrigClOrdID,
		"reason":         m.Reason,
		"text":           m.Text,
	})
	entry.Info("Order cancel rejected")
	delete(d.cancelRequested, m.OrdID)

	if strings.Contains(m.Text, "not_found") ||
		strings.Contains(m.Text, "NOT FOUND") ||
		strings.Contains(m.Reason, "Too late to cancel") {
		removed := d.orders.RemoveOrder(m.OrdID, m.OrigClOrdID)
		entry.WithField("removed", removed).Warn("Removing order unknown to the venue")
	}
}

func (d *Dispatcher) markDone(action DependencyAction, key string) {
	for _, k := range d.dependencies[action] {
		if k == key {
			return
		}
	}
	d.dependencies[action] = append(d.dependencies[action], key)
}

// evaluate moves the dispatcher towards its next state. Callers hold the
// write lock.
func (d *Dispatcher) evaluate(ctx context.Context) {
	switch {
	case d.toStop && !d.isReadyToDisconnect():
		d.stopAPI(ctx)
	case d.isReadyToDisconnect() && !d.isFinished():
		if d.session.IsUp() && !d.logoutSent {
			d.logger.Info("Ready to disconnect, stopping session")
			if err := d.session.Stop(); err != nil {
				d.logger.WithError(err).Error("Failed to stop session")
				return
			}
			d.logoutSent = true
		}
	case d.loggedOn && !d.subscribed:
		d.subscribe(ctx)
	}
}

func (d *Dispatcher) subscribe(ctx context.Context) {
	var errs []string
	record := func(msgType string, err error) {
		d.metrics.incRequest(msgType, err)
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	account := d.session.Account()
	for _, ticker := range d.tradingTickers() {
		_, err := d.session.SubmitMassStatusRequest(ctx, ticker.Exchange, ticker.Symbol)
		record(session.MsgTypeOrderMassStatusRequest, err)
	}

	_, err := d.session.SubmitPositionRequest(ctx, d.cfg.Exchange, account, "", false)
	record(session.MsgTypeRequestForPositions, err)

	if d.cfg.SubscribePositionUpdates {
		for _, ticker := range d.tradingTickers() {
			_, err := d.session.SubmitPositionRequest(ctx, ticker.Exchange, account, ticker.Symbol, true)
			record(session.MsgTypeRequestForPositions, err)
		}
	}
	if d.cfg.SubscribeTradeCapture {
		_, err := d.session.SubmitTradeCaptureRequest(ctx)
		record(session.MsgTypeTradeCaptureReportRequest, err)
	}

	if len(errs) > 0 {
		d.lastErr = fmt.Errorf("failed to subscribe: %s", strings.Join(errs, "; "))
		d.logger.WithError(d.lastErr).Error("Subscription incomplete, retrying")
		return
	}
	d.subscribed = true
	d.logger.Info("Subscribed")
}

// stopAPI cancels open orders within the rate limit. Orders with a cancel
// already in flight are skipped.
func (d *Dispatcher) stopAPI(ctx context.Context) {
	if !d.loggedOn || !d.cfg.CancelOnExit {
		d.logger.Info("Keeping orders alive on exit")
		return
	}

	for _, order := range d.orders.OpenOrderList() {
		if _, ok := d.cancelRequested[order.OrdID]; ok {
			continue
		}
		now := d.now()
		if !d.limiter.Consume(now, 1) {
			d.logger.Info("No rate limit capacity, cancelling later")
			return
		}
		out, err := d.session.SubmitCancel(ctx, order)
		d.metrics.incRequest(session.MsgTypeOrderCancelRequest, err)
		if err != nil {
			d.logger.WithError(err).WithField("ord_id", order.OrdID).Error("Failed to cancel order on exit")
			continue
		}
		d.cancelRequested[order.OrdID] = now
		d.logger.WithFields(logrus.Fields{
			"ord_id":     order.OrdID,
			"cl_ord_id":  out.ClOrdID,
			"request_id": out.ID,
		}).Info("Cancel requested on exit")
	}
}

// Stop asks the dispatcher to cancel open orders (if configured), log out
// and finish. It does not wait; use Done.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.toStop {
		d.toStop = true
		d.stopRequestedAt = d.now()
		d.logger.WithField("open_orders", d.orders.OpenCount()).Info("Stop requested")
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) isReadyToDisconnect() bool {
	if !d.toStop {
		return false
	}
	if !d.cfg.CancelOnExit || d.orders.OpenCount() == 0 {
		return true
	}
	return d.cfg.CancelTimeout > 0 && d.now().Sub(d.stopRequestedAt) >= d.cfg.CancelTimeout
}

func (d *Dispatcher) isFinished() bool {
	return d.isReadyToDisconnect() && !d.loggedOn
}

// IsReadyToDisconnect is true once stop was requested and no open orders
// remain, or they may be left behind.
func (d *Dispatcher) IsReadyToDisconnect() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isReadyToDisconnect()
}

// IsFinished is true once the dispatcher is ready to disconnect and logged out.
func (d *Dispatcher) IsFinished() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isFinished()
}

// Ready is true once working orders of every trading symbol and the position
// snapshot of the exchange arrived.
func (d *Dispatcher) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready()
}

func (d *Dispatcher) ready() bool {
	done := func(action DependencyAction, key string) bool {
		for _, k := range d.dependencies[action] {
			if k == key {
				return true
			}
		}
		return false
	}
	for _, ticker := range d.tradingTickers() {
		if !done(ActionWorkingOrders, ticker.String()) {
			return false
		}
	}
	return done(ActionPositionSnapshots, d.cfg.Exchange)
}

func (d *Dispatcher) requestHousekeeping(tick time.Time) {
	select {
	case d.internal <- &models.Housekeeping{RequestedAt: tick}:
	default:
		d.logger.Warn("Housekeeping already queued, skipping tick")
	}
}

// exportHistory saves history and, if purge is set and the export
// succeeded, drops it. Callers hold the write lock.
func (d *Dispatcher) exportHistory(ctx context.Context, purge bool) {
	if d.exporter != nil {
		h := HistoryExport{
			Time:        d.now(),
			Account:     d.session.Account(),
			Orders:      d.orders.HistoryOrders(),
			Ledger:      d.positions.Ledger(),
			ExecReports: d.orders.ExecReports(),
			Trades:      cloneTrades(d.trades),
		}
		err := d.exporter.Export(ctx, h)
		d.metrics.incExport(err)
		if err != nil {
			d.logger.WithError(err).Error("Failed to export history")
			return
		}
		d.logger.WithField("prefix", h.Prefix()).Info("History exported")
	}
	if purge {
		d.orders.PurgeHistory()
		d.positions.PurgeHistory()
		d.trades = nil
	}
}

func cloneTrades(trades []*models.TradeReport) []*models.TradeReport {
	out := make([]*models.TradeReport, 0, len(trades))
	for _, t := range trades {
		c := *t
		c.Sides = append([]models.TradeReportSide(nil), t.Sides...)
		out = append(out, &c)
	}
	return out
}

// SubmitNewOrder sends a new order and tracks it as pending before any
// reply can be dispatched.
func (d *Dispatcher) SubmitNewOrder(ctx context.Context, req session.NewOrderRequest) (*models.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkOrderEntry(); err != nil {
		return nil, err
	}
	order, out, err := d.session.SubmitNewOrder(ctx, req)
	d.metrics.incRequest(session.MsgTypeNewOrderSingle, err)
	if err != nil {
		return nil, fmt.Errorf("failed to submit order: %w", err)
	}
	if err := d.orders.Track(order); err != nil {
		return nil, fmt.Errorf("failed to track order: %w", err)
	}
	d.logger.WithFields(logrus.Fields{
		"cl_ord_id":  order.ClOrdID,
		"request_id": out.ID,
		"symbol":     order.Symbol,
		"side":       order.Side.String(),
	}).Info("Order submitted")
	return order.Clone(), nil
}

// Cancel requests cancellation of the open order ordID.
func (d *Dispatcher) Cancel(ctx context.Context, ordID string) (*session.OutboundRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkOrderEntry(); err != nil {
		return nil, err
	}
	order, ok := d.orders.OpenOrder(ordID)
	if !ok {
		return nil, fmt.Errorf("%w: ord_id %s", tracker.ErrOrderNotFound, ordID)
	}
	out, err := d.session.SubmitCancel(ctx, order)
	d.metrics.incRequest(session.MsgTypeOrderCancelRequest, err)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}
	d.cancelRequested[ordID] = d.now()
	return out, nil
}

// CancelReplace requests new terms for the open order ordID.
func (d *Dispatcher) CancelReplace(ctx context.Context, ordID string, req session.CancelReplaceRequest) (*session.OutboundRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkOrderEntry(); err != nil {
		return nil, err
	}
	order, ok := d.orders.OpenOrder(ordID)
	if !ok {
		return nil, fmt.Errorf("%w: ord_id %s", tracker.ErrOrderNotFound, ordID)
	}
	out, err := d.session.SubmitCancelReplace(ctx, order, req)
	d.metrics.incRequest(session.MsgTypeOrderCancelReplaceRequest, err)
	if err != nil {
		return nil, fmt.Errorf("failed to replace order: %w", err)
	}
	return out, nil
}

func (d *Dispatcher) checkOrderEntry() error {
	switch {
	case d.toStop:
		return ErrStopping
	case !d.loggedOn:
		return ErrNotReady
	case !d.limiter.Consume(d.now(), 1):
		return ErrRateLimited
	}
	return nil
}

// Status summarizes the dispatcher state.
type Status struct {
	Exchange          string                        `json:"exchange"`
	Account           string                        `json:"account"`
	SessionUp         bool                          `json:"session_up"`
	LoggedOn          bool                          `json:"logged_on"`
	Subscribed        bool                          `json:"subscribed"`
	Ready             bool                          `json:"ready"`
	Stopping          bool                          `json:"stopping"`
	ReadyToDisconnect bool                          `json:"ready_to_disconnect"`
	Finished          bool                          `json:"finished"`
	OpenOrders        int                           `json:"open_orders"`
	PendingOrders     int                           `json:"pending_orders"`
	Dependencies      map[DependencyAction][]string `json:"dependencies"`
	RateLimits        string                        `json:"rate_limits"`
	LastError         string                        `json:"last_error,omitempty"`
}

func (d *Dispatcher) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	deps := make(map[DependencyAction][]string, len(d.dependencies))
	for action, keys := range d.dependencies {
		deps[action] = append([]string{}, keys...)
	}
	s := Status{
		Exchange:          d.cfg.Exchange,
		Account:           d.session.Account(),
		SessionUp:         d.session.IsUp(),
		LoggedOn:          d.loggedOn,
		Subscribed:        d.subscribed,
		Ready:             d.ready(),
		Stopping:          d.toStop,
		ReadyToDisconnect: d.isReadyToDisconnect(),
		Finished:          d.isFinished(),
		OpenOrders:        d.orders.OpenCount(),
		PendingOrders:     d.orders.PendingCount(),
		Dependencies:      deps,
		RateLimits:        d.limiter.String(),
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	return s
}

func (d *Dispatcher) Orders(withHistory bool) tracker.OrderSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.orders.Orders(withHistory)
}

func (d *Dispatcher) OpenOrder(ordID string) (*models.Order, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.orders.OpenOrder(ordID)
}

func (d *Dispatcher) Positions() tracker.PositionsSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.positions.Positions()
}

func (d *Dispatcher) Ledger() []tracker.PositionUpdate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.positions.Ledger()
}

func (d *Dispatcher) ExecReports() []*models.ExecReport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.orders.ExecReports()
}

func (d *Dispatcher) TradeReports() []*models.TradeReport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneTrades(d.trades)
}
