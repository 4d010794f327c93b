package tracker

import (
	"fmt"
	"sort"
	"time"

	"github.com/gregtusar/fixgateway/pkg/models"
	"github.com/shopspring/decimal"
)

type handle uint64

// bucket names, also used as metric labels
const (
	bucketPending         = "pending"
	bucketRejectedPending = "rejected_pending"
	bucketOpen            = "open"
	bucketRejectedOpen    = "rejected_open"
	bucketHistory         = "history"
)

// OrderSnapshot is a deep copy of every bucket. History is nil when not
// requested.
type OrderSnapshot struct {
	Pending         map[string]*models.Order `json:"pending_orders"`
	RejectedPending map[string]*models.Order `json:"rejected_pending_orders"`
	Open            map[string]*models.Order `json:"open_orders"`
	RejectedOpen    map[string]*models.Order `json:"rejected_open_orders"`
	History         map[string]*models.Order `json:"history_orders,omitempty"`
}

// Partition is the result of converting status replies to orders.
type Partition struct {
	NonConvertible []*models.ExecReport
	Pending        map[string]*models.Order
	Working        map[string]*models.Order
	Historical     map[string]*models.Order
}

// OrderTracker reconciles execution reports into pending, open and
// historical orders. Orders live in an arena; the buckets map ids to arena
// handles, so moving an order between buckets never copies it.
//
// Not safe for concurrent use. Every accessor returns copies.
type OrderTracker struct {
	name      string
	sink      Sink
	positions *PositionTracker
	metrics   *Metrics

	arena map[handle]*models.Order
	refs  map[handle]int
	next  handle

	// pending new orders by cl_ord_id, assigned when submitting a new order
	pending         map[string]handle
	rejectedPending map[string]handle
	// working orders by ord_id
	open         map[string]handle
	rejectedOpen map[string]handle
	// canceled, filled and done orders by ord_id
	history map[string]handle

	// reports no branch could classify
	execReports []*models.ExecReport

	snapshotsObtained bool
	lastUpdateTime    time.Time
}

func NewOrderTracker(name string, positions *PositionTracker, sink Sink) *OrderTracker {
	if sink == nil {
		sink = Discard
	}
	ot := &OrderTracker{
		name:      name,
		sink:      sink,
		positions: positions,
	}
	ot.reset()
	return ot
}

func (ot *OrderTracker) reset() {
	ot.arena = make(map[handle]*models.Order)
	ot.refs = make(map[handle]int)
	ot.pending = make(map[string]handle)
	ot.rejectedPending = make(map[string]handle)
	ot.open = make(map[string]handle)
	ot.rejectedOpen = make(map[string]handle)
	ot.history = make(map[string]handle)
}

// SetMetrics attaches collectors. A nil value disables metrics.
func (ot *OrderTracker) SetMetrics(m *Metrics) {
	ot.metrics = m
}

func (ot *OrderTracker) Name() string { return ot.name }

func (ot *OrderTracker) SnapshotsObtained() bool { return ot.snapshotsObtained }

func (ot *OrderTracker) LastUpdateTime() time.Time { return ot.lastUpdateTime }

func (ot *OrderTracker) alloc(o *models.Order) handle {
	ot.next++
	ot.arena[ot.next] = o
	return ot.next
}

func (ot *OrderTracker) link(bucket map[string]handle, key string, h handle) {
	if old, ok := bucket[key]; ok {
		if old == h {
			return
		}
		ot.release(old)
	}
	bucket[key] = h
	ot.refs[h]++
}

func (ot *OrderTracker) unlink(bucket map[string]handle, key string) {
	if h, ok := bucket[key]; ok {
		delete(bucket, key)
		ot.release(h)
	}
}

func (ot *OrderTracker) release(h handle) {
	ot.refs[h]--
	if ot.refs[h] <= 0 {
		delete(ot.refs, h)
		delete(ot.arena, h)
	}
}

// move reassigns an order from one bucket to another.
func (ot *OrderTracker) move(from, to map[string]handle, key string) {
	h, ok := from[key]
	if !ok {
		return
	}
	ot.link(to, key, h)
	ot.unlink(from, key)
}

// Track registers the pending order created by a new order request.
func (ot *OrderTracker) Track(order *models.Order) error {
	if order == nil || order.ClOrdID == "" {
		return fmt.Errorf("%w: pending order requires a cl_ord_id", ErrMalformedReport)
	}
	ot.link(ot.pending, order.ClOrdID, ot.alloc(order.Clone()))
	ot.observeBuckets()
	return nil
}

// Process applies one execution report. It returns a copy of the affected
// order, if any, and an error for every report it could not apply.
func (ot *OrderTracker) Process(report *models.ExecReport, receiveTime time.Time) (*models.Order, error) {
	if report == nil {
		return nil, ot.fail(KindMalformed, "process", nil, nil, nil,
			fmt.Errorf("%w: nil report", ErrMalformedReport), "Execution report is nil")
	}
	order, err := ot.process(report)
	if err != nil {
		ot.metrics.observeReport(report.OrdStatus.String(), "error")
	} else {
		ot.metrics.observeReport(report.OrdStatus.String(), "ok")
		ot.lastUpdateTime = receiveTime
	}
	ot.observeBuckets()
	return order.Clone(), err
}

func (ot *OrderTracker) process(report *models.ExecReport) (*models.Order, error) {
	switch {
	case report.ExecType == models.ExecTypeOrderStatus:
		return nil, ot.fail(KindMalformed, "process", report, nil, nil, ErrInvalidReport,
			"Execution report cannot be of type I")

	case report.ClOrdID == "":
		return nil, ot.fail(KindMalformed, "process", report, nil, nil,
			fmt.Errorf("%w: cl_ord_id missing", ErrMalformedReport), "Execution report without cl_ord_id")

	case report.ExecType == models.ExecTypeRejected:
		return nil, ot.fail(KindRejected, "process", report, nil, nil,
			fmt.Errorf("%w: %s", ErrVenueRejected, report.Text), "Exec type rejected")

	case report.ExecType == models.ExecTypeReplaced:
		order, _, err := ot.updateOpen("cancel_replace", report, report.ReplaceUpdate())
		return order, err

	case report.OrdStatus == models.OrdStatusRejected:
		return ot.processRejected(report)

	case report.OrdStatus == models.OrdStatusPendingNew:
		return ot.processPendingNew(report)

	case report.OrdStatus == models.OrdStatusNew:
		u := report.FillUpdate()
		ordID := report.OrdID
		u.OrdID = &ordID
		u.AvgPx, u.LastPx = nil, nil
		order, _, err := ot.updateOpen("new", report, u)
		return order, err

	case report.OrdStatus == models.OrdStatusPendingCancel,
		report.OrdStatus == models.OrdStatusPendingReplace,
		report.OrdStatus == models.OrdStatusPendingCancelReplace:
		u := report.FillUpdate()
		u.AvgPx, u.LastPx = nil, nil
		order, _, err := ot.updateOpen("pending", report, u)
		return order, err

	case report.OrdStatus == models.OrdStatusCanceled,
		report.OrdStatus == models.OrdStatusDoneForDay:
		order, _, err := ot.updateOpen("done", report, withoutFill(report.FillUpdate()))
		if err != nil {
			return order, err
		}
		ot.move(ot.open, ot.history, report.OrdID)
		return order, nil

	case report.OrdStatus == models.OrdStatusPartiallyFilled:
		order, before, err := ot.updateOpen("partial_fill", report, report.FillUpdate())
		if err != nil {
			return order, err
		}
		ot.pushFill(before, order, report)
		return order, nil

	case report.OrdStatus == models.OrdStatusFilled:
		order, before, err := ot.updateOpen("fill", report, report.FillUpdate())
		if err != nil {
			return order, err
		}
		ot.move(ot.open, ot.history, report.OrdID)
		ot.pushFill(before, order, report)
		return order, nil
	}

	ot.execReports = append(ot.execReports, report)
	return nil, ot.fail(KindUnexpected, "process", report, nil, nil,
		fmt.Errorf("%w: exec_type %s ord_status %s", ErrUnexpectedCombination, report.ExecType, report.OrdStatus),
		"Unexpected exec type / order status combination")
}

// updateOpen applies u to the open order keyed by the report's ord_id and
// also returns the order as it was before.
func (ot *OrderTracker) updateOpen(op string, report *models.ExecReport, u models.OrderUpdate) (*models.Order, *models.Order, error) {
	h, ok := ot.open[report.OrdID]
	if !ok {
		return nil, nil, ot.fail(KindNotFound, op, report, nil, nil,
			fmt.Errorf("%w: ord_id %s not in open orders (%d open)", ErrOrderNotFound, report.OrdID, len(ot.open)),
			"Order not found in open orders")
	}
	order := ot.arena[h]
	before := order.Clone()
	if err := order.Update(u); err != nil {
		return order, before, ot.fail(KindConsistency, op, report, before, order, err, "Order update rejected")
	}
	return order, before, nil
}

func (ot *OrderTracker) processRejected(report *models.ExecReport) (*models.Order, error) {
	if h, ok := ot.pending[report.ClOrdID]; ok {
		order := ot.arena[h]
		order.OrdStatus = report.OrdStatus
		order.Text = report.Text
		ot.move(ot.pending, ot.rejectedPending, report.ClOrdID)
		ot.emit(Event{Kind: KindRejected, Op: "rejected", Message: "Pending order rejected",
			Report: report, After: order.Clone(), Err: fmt.Errorf("%w: %s", ErrVenueRejected, report.Text)})
		return order, nil
	}

	h, ok := ot.open[report.OrdID]
	if !ok {
		return nil, ot.fail(KindNotFound, "rejected", report, nil, nil,
			fmt.Errorf("%w: cl_ord_id %s not in pending orders and ord_id %s not in open orders",
				ErrOrderNotFound, report.ClOrdID, report.OrdID),
			"Rejected order not found")
	}

	order := ot.arena[h]
	if order.ClOrdID != report.ClOrdID {
		ot.emit(Event{Kind: KindConsistency, Op: "rejected", Message: "Client order ids differ",
			Report: report, Before: order.Clone(),
			Err: fmt.Errorf("cl_ord_id %s != %s", order.ClOrdID, report.ClOrdID)})
	}

	before := order.Clone()
	u := withoutFill(report.FillUpdate())
	if report.OrdType != "" {
		ordType := report.OrdType
		u.OrdType = &ordType
	}
	if report.TimeInForce != "" {
		tif := report.TimeInForce
		u.TimeInForce = &tif
	}
	if err := order.Update(u); err != nil {
		return order, ot.fail(KindConsistency, "rejected", report, before, order, err, "Order update rejected")
	}

	// a rejected modification leaves the order working; a rejected new order does not
	ot.link(ot.rejectedOpen, report.OrdID, h)
	if before.OrdStatus == models.OrdStatusPendingNew {
		ot.unlink(ot.open, report.OrdID)
	}
	ot.emit(Event{Kind: KindRejected, Op: "rejected", Message: "Open order request rejected",
		Report: report, Before: before, After: order.Clone(), Err: fmt.Errorf("%w: %s", ErrVenueRejected, report.Text)})
	return order, nil
}

func (ot *OrderTracker) processPendingNew(report *models.ExecReport) (*models.Order, error) {
	if h, ok := ot.open[report.OrdID]; ok && report.OrdID != "" {
		order := ot.arena[h]
		if order.OrdStatus != models.OrdStatusPendingNew {
			ot.emit(Event{Kind: KindDuplicate, Op: "pending_new", Message: "Pending new for an order already working",
				Report: report, Before: order.Clone()})
			ot.unlink(ot.pending, report.ClOrdID)
			return order, nil
		}
	}

	src := report
	if ph, ok := ot.pending[report.ClOrdID]; ok && report.Account == "" {
		cp := *report
		cp.Account = ot.arena[ph].Account
		src = &cp
	}
	order, err := src.ToOrder()
	if err != nil {
		return nil, ot.fail(KindMalformed, "pending_new", report, nil, nil,
			fmt.Errorf("%w: %v", ErrMalformedReport, err), "Cannot materialize order")
	}
	if ph, ok := ot.pending[report.ClOrdID]; ok {
		order.OpenTime = ot.arena[ph].OpenTime
	}

	ot.unlink(ot.pending, report.ClOrdID)
	h := ot.alloc(order)
	if report.OrdID == "" {
		ot.link(ot.pending, report.ClOrdID, h)
	} else {
		ot.link(ot.open, report.OrdID, h)
	}
	return order, nil
}

// withoutFill stops a leaves_qty drop from being read as a fill.
func withoutFill(u models.OrderUpdate) models.OrderUpdate {
	if u.LastQty == nil {
		zero := decimal.Zero
		u.LastQty = &zero
	}
	return u
}

// filled is the quantity executed between before and after. The cum_qty
// advance is authoritative; a report without cum_qty falls back to the drop
// in leaves_qty. A repeated report advances neither.
func filled(before, after *models.Order, report *models.ExecReport) decimal.Decimal {
	if adv := after.CumQty.Sub(before.CumQty); adv.IsPositive() {
		return adv
	}
	if !report.CumQty.Valid {
		if drop := before.LeavesQty.Sub(after.LeavesQty); drop.IsPositive() {
			return drop
		}
	}
	return decimal.Zero
}

// pushFill books a non-zero fill with the position tracker.
func (ot *OrderTracker) pushFill(before, order *models.Order, report *models.ExecReport) {
	if ot.positions == nil {
		return
	}
	qty := filled(before, order, report)
	if qty.IsZero() {
		if report.LastQty.Valid && report.LastQty.Decimal.IsPositive() {
			ot.emit(Event{Kind: KindDuplicate, Op: "add_position", Message: "Fill already booked",
				Report: report, Before: before, After: order.Clone()})
		}
		return
	}
	t := report.TxTime
	if t.IsZero() {
		t = order.TransactTime
	}
	if _, err := ot.positions.AddPosition(order.Exchange, order.Symbol, order.Account, order.Side, qty, t); err != nil {
		ot.fail(KindMalformed, "add_position", report, nil, order, err, "Fill not booked")
		return
	}
	ot.metrics.incFill()
}

func (ot *OrderTracker) fail(kind Kind, op string, report *models.ExecReport, before, after *models.Order, err error, msg string) error {
	re := &ReportError{Kind: kind, Op: op, Err: err}
	if report != nil {
		re.OrdID = report.OrdID
		re.ClOrdID = report.ClOrdID
		re.Status = report.OrdStatus
	}
	ot.emit(Event{Kind: kind, Op: op, Message: msg, Report: report, Before: before, After: after.Clone(), Err: err})
	return re
}

func (ot *OrderTracker) emit(e Event) {
	if e.Fields == nil {
		e.Fields = map[string]interface{}{"tracker": ot.name}
	}
	ot.metrics.incEvent(e.Kind)
	ot.sink.Emit(e)
}

// ToOrders converts status replies to orders and partitions them by state.
func (ot *OrderTracker) ToOrders(reports []*models.ExecReport) Partition {
	p := Partition{
		Pending:    make(map[string]*models.Order),
		Working:    make(map[string]*models.Order),
		Historical: make(map[string]*models.Order),
	}
	for _, r := range reports {
		if !r.ConvertibleToOrder() {
			p.NonConvertible = append(p.NonConvertible, r)
			continue
		}
		order, err := r.ToOrder()
		if err != nil {
			p.NonConvertible = append(p.NonConvertible, r)
			continue
		}
		switch {
		case order.OrdID == "":
			p.Pending[order.ClOrdID] = order
		case order.IsWorking():
			p.Working[order.OrdID] = order
		default:
			p.Historical[order.OrdID] = order
		}
	}
	return p
}

// SetSnapshots replaces pending, open and historical orders with the state
// described by status replies. Once a snapshot has been applied later calls
// are ignored unless overwrite is set.
func (ot *OrderTracker) SetSnapshots(reports []*models.ExecReport, t time.Time, overwrite bool) Partition {
	if ot.snapshotsObtained && !overwrite {
		return Partition{}
	}

	p := ot.ToOrders(reports)
	ot.reset()
	for id, o := range p.Pending {
		ot.link(ot.pending, id, ot.alloc(o.Clone()))
	}
	for id, o := range p.Working {
		ot.link(ot.open, id, ot.alloc(o.Clone()))
	}
	for id, o := range p.Historical {
		ot.link(ot.history, id, ot.alloc(o.Clone()))
	}
	ot.snapshotsObtained = true
	ot.lastUpdateTime = t
	ot.observeBuckets()

	ot.emit(Event{
		Kind:    KindInfo,
		Op:      "set_snapshots",
		Message: "Order snapshots set",
		Fields: map[string]interface{}{
			"tracker":         ot.name,
			"non_convertible": len(p.NonConvertible),
			"pending":         len(p.Pending),
			"working":         len(p.Working),
			"historical":      len(p.Historical),
			"overwrite":       overwrite,
		},
	})
	return p
}

// RemoveOrder is an out of band correction used when the venue no longer
// knows an order. An open order moves to history; otherwise a pending order
// with the client order id is dropped.
func (ot *OrderTracker) RemoveOrder(ordID, clOrdID string) bool {
	defer ot.observeBuckets()
	if _, ok := ot.open[ordID]; ok && ordID != "" {
		ot.move(ot.open, ot.history, ordID)
		return true
	}
	if _, ok := ot.pending[clOrdID]; ok && clOrdID != "" {
		ot.unlink(ot.pending, clOrdID)
		return true
	}
	return false
}

// PurgeHistory drops historical orders and the audit log. Pending, open and
// rejected orders are kept.
func (ot *OrderTracker) PurgeHistory() {
	for id := range ot.history {
		ot.unlink(ot.history, id)
	}
	ot.execReports = nil
	ot.observeBuckets()
}

func (ot *OrderTracker) copyBucket(bucket map[string]handle) map[string]*models.Order {
	res := make(map[string]*models.Order, len(bucket))
	for id, h := range bucket {
		res[id] = ot.arena[h].Clone()
	}
	return res
}

// Orders returns a deep copy of every bucket.
func (ot *OrderTracker) Orders(withHistory bool) OrderSnapshot {
	snap := OrderSnapshot{
		Pending:         ot.copyBucket(ot.pending),
		RejectedPending: ot.copyBucket(ot.rejectedPending),
		Open:            ot.copyBucket(ot.open),
		RejectedOpen:    ot.copyBucket(ot.rejectedOpen),
	}
	if withHistory {
		snap.History = ot.copyBucket(ot.history)
	}
	return snap
}

func (ot *OrderTracker) PendingOrders() map[string]*models.Order { return ot.copyBucket(ot.pending) }

func (ot *OrderTracker) RejectedPendingOrders() map[string]*models.Order {
	return ot.copyBucket(ot.rejectedPending)
}

func (ot *OrderTracker) OpenOrders() map[string]*models.Order { return ot.copyBucket(ot.open) }

func (ot *OrderTracker) RejectedOpenOrders() map[string]*models.Order {
	return ot.copyBucket(ot.rejectedOpen)
}

func (ot *OrderTracker) HistoryOrders() map[string]*models.Order { return ot.copyBucket(ot.history) }

// OpenOrder returns a copy of the open order with the venue order id.
func (ot *OrderTracker) OpenOrder(ordID string) (*models.Order, bool) {
	h, ok := ot.open[ordID]
	if !ok {
		return nil, false
	}
	return ot.arena[h].Clone(), true
}

// OpenOrderList returns copies of the open orders, newest client order id first.
func (ot *OrderTracker) OpenOrderList() []*models.Order {
	orders := make([]*models.Order, 0, len(ot.open))
	for _, h := range ot.open {
		orders = append(orders, ot.arena[h].Clone())
	}
	models.SortByClOrdID(orders)
	return orders
}

func (ot *OrderTracker) OpenCount() int { return len(ot.open) }

func (ot *OrderTracker) PendingCount() int { return len(ot.pending) }

// ExecReports returns the reports no branch could classify.
func (ot *OrderTracker) ExecReports() []*models.ExecReport {
	res := make([]*models.ExecReport, len(ot.execReports))
	for i, r := range ot.execReports {
		cp := *r
		res[i] = &cp
	}
	return res
}

// CompareOpenOrders returns every ord_id whose order differs between the
// tracker and other, including ids present on one side only.
func (ot *OrderTracker) CompareOpenOrders(other map[string]*models.Order) map[string]OrderDiff {
	diffs := make(map[string]OrderDiff)
	for id, h := range ot.open {
		ours := ot.arena[h]
		theirs, ok := other[id]
		if !ok || !ours.Equal(theirs) {
			diffs[id] = OrderDiff{Ours: ours.Clone(), Theirs: theirs.Clone()}
		}
	}
	for id, theirs := range other {
		if _, ok := ot.open[id]; !ok {
			diffs[id] = OrderDiff{Theirs: theirs.Clone()}
		}
	}
	return diffs
}

// CompareOpenOrder reports whether the open order with the same ord_id equals
// order, and returns a copy of the tracked one if any.
func (ot *OrderTracker) CompareOpenOrder(order *models.Order) (bool, *models.Order) {
	h, ok := ot.open[order.OrdID]
	if !ok {
		return false, nil
	}
	ours := ot.arena[h]
	return ours.Equal(order), ours.Clone()
}

// OrderIDs returns the open ord_ids in lexical order.
func (ot *OrderTracker) OrderIDs() []string {
	ids := make([]string, 0, len(ot.open))
	for id := range ot.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (ot *OrderTracker) observeBuckets() {
	ot.metrics.setBuckets(map[string]int{
		bucketPending:         len(ot.pending),
		bucketRejectedPending: len(ot.rejectedPending),
		bucketOpen:            len(ot.open),
		bucketRejectedOpen:    len(ot.rejectedOpen),
		bucketHistory:         len(ot.history),
	})
}

// arenaSize is the number of live order records.
func (ot *OrderTracker) arenaSize() int { return len(ot.arena) }
