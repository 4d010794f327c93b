package tracker

import (
	"fmt"
	"sort"
	"time"

	"github.com/gregtusar/fixgateway/pkg/models"
	"github.com/shopspring/decimal"
)

// NoExchange is used for position reports that do not name an exchange.
const NoExchange = "FUNDS"

// PositionKey identifies a net position.
type PositionKey struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Account  string `json:"account"`
}

func (k PositionKey) String() string {
	return k.Exchange + ":" + k.Symbol + ":" + k.Account
}

// NetPosition is the signed quantity held for a key. Buys are positive.
type NetPosition struct {
	UpdateTime time.Time       `json:"update_time"`
	Quantity   decimal.Decimal `json:"quantity"`
}

func (p NetPosition) Equal(other NetPosition) bool {
	return p.UpdateTime.Equal(other.UpdateTime) && p.Quantity.Equal(other.Quantity)
}

// PositionUpdate is one ledger entry.
type PositionUpdate struct {
	PositionKey
	UpdateTime time.Time       `json:"update_time"`
	Delta      decimal.Decimal `json:"delta"`
}

// PositionsSnapshot is a deep copy of the tracker state.
type PositionsSnapshot struct {
	Positions map[PositionKey]NetPosition `json:"-"`
	Ledger    []PositionUpdate            `json:"ledger"`
}

// PositionTracker holds net positions and the ledger of every change made to
// them. It is not safe for concurrent use; the dispatcher is its only writer.
type PositionTracker struct {
	name    string
	netting bool
	sink    Sink
	metrics *Metrics

	positions map[PositionKey]NetPosition
	ledger    []PositionUpdate

	snapshotsObtained bool
	lastUpdateTime    time.Time
}

func NewPositionTracker(name string, netting bool, sink Sink) *PositionTracker {
	if sink == nil {
		sink = Discard
	}
	return &PositionTracker{
		name:      name,
		netting:   netting,
		sink:      sink,
		positions: make(map[PositionKey]NetPosition),
	}
}

// SetMetrics attaches collectors. A nil value disables metrics.
func (pt *PositionTracker) SetMetrics(m *Metrics) {
	pt.metrics = m
}

func (pt *PositionTracker) Name() string { return pt.name }

func (pt *PositionTracker) SnapshotsObtained() bool { return pt.snapshotsObtained }

func (pt *PositionTracker) LastUpdateTime() time.Time { return pt.lastUpdateTime }

// SetSnapshots loads position reports. Once a snapshot has been applied later
// calls are ignored unless overwrite is set.
func (pt *PositionTracker) SetSnapshots(reports []*models.PositionReport, t time.Time, overwrite bool) {
	if pt.snapshotsObtained && !overwrite {
		return
	}

	applied := 0
	for _, report := range reports {
		exchange := report.Exchange
		if exchange == "" {
			exchange = NoExchange
		}
		for _, p := range report.Positions {
			key := PositionKey{Exchange: exchange, Symbol: p.Symbol, Account: p.Account}
			qty, side, ok := pt.snapshotQuantity(key, p)
			if !ok {
				continue
			}
			if _, err := pt.SetPosition(key.Exchange, key.Symbol, key.Account, side, qty, t); err != nil {
				pt.emit(KindMalformed, "set_snapshots", "Failed to set position", err, key)
				continue
			}
			applied++
		}
	}

	pt.snapshotsObtained = true
	pt.lastUpdateTime = t
	pt.sink.Emit(Event{
		Kind:    KindInfo,
		Op:      "set_snapshots",
		Message: "Position snapshots set",
		Fields: map[string]interface{}{
			"tracker":   pt.name,
			"reports":   len(reports),
			"applied":   applied,
			"overwrite": overwrite,
		},
	})
}

func (pt *PositionTracker) snapshotQuantity(key PositionKey, p models.PositionAmount) (decimal.Decimal, models.Side, bool) {
	long, short := p.LongQty, p.ShortQty
	switch {
	case long.IsNegative() || short.IsNegative():
		pt.emit(KindMalformed, "set_snapshots", "Invalid long or short position quantities",
			fmt.Errorf("%w: long_qty %s short_qty %s", ErrInvalidPosition, long, short), key)
		return decimal.Zero, "", false
	case long.IsPositive() && short.IsPositive():
		if !pt.netting {
			pt.emit(KindConsistency, "set_snapshots", "Simultaneous long and short position",
				fmt.Errorf("%w: long_qty %s short_qty %s", ErrSimultaneousLongShort, long, short), key)
			return decimal.Zero, "", false
		}
		// NOTE: netted positions are booked as SELL whatever the sign of
		// long - short. Covered by TestSetSnapshotsNettingBooksSell.
		return long.Sub(short).Abs(), models.SideSell, true
	case long.IsPositive():
		return long, models.SideBuy, true
	case short.IsPositive():
		return short, models.SideSell, true
	}
	return decimal.Zero, models.SideBuy, true
}

// SetPosition replaces the stored quantity and records the difference in the
// ledger. A zero difference leaves the ledger untouched.
func (pt *PositionTracker) SetPosition(exchange, symbol, account string, side models.Side, qty decimal.Decimal, t time.Time) (NetPosition, error) {
	signed, ok := side.Signed(qty)
	if !ok {
		return NetPosition{}, fmt.Errorf("%w: %s", ErrUnknownSide, side)
	}

	key := PositionKey{Exchange: exchange, Symbol: symbol, Account: account}
	prev := pt.positions[key].Quantity
	pos := NetPosition{UpdateTime: t, Quantity: signed}
	pt.positions[key] = pos

	if delta := signed.Sub(prev); !delta.IsZero() {
		pt.appendLedger(key, t, delta)
	}
	pt.lastUpdateTime = t
	pt.metrics.setPosition(key, signed)
	return pos, nil
}

// AddPosition applies a fill. Every call is recorded in the ledger, including
// zero quantity ones.
func (pt *PositionTracker) AddPosition(exchange, symbol, account string, side models.Side, fillQty decimal.Decimal, t time.Time) (NetPosition, error) {
	signed, ok := side.Signed(fillQty)
	if !ok {
		key := PositionKey{Exchange: exchange, Symbol: symbol, Account: account}
		err := fmt.Errorf("%w: %s", ErrUnknownSide, side)
		pt.emit(KindMalformed, "add_position", "Unknown side", err, key)
		return NetPosition{}, err
	}

	key := PositionKey{Exchange: exchange, Symbol: symbol, Account: account}
	pos := pt.positions[key]
	pos.Quantity = pos.Quantity.Add(signed)
	pos.UpdateTime = t
	pt.positions[key] = pos

	pt.appendLedger(key, t, signed)
	pt.lastUpdateTime = t
	pt.metrics.setPosition(key, pos.Quantity)
	return pos, nil
}

func (pt *PositionTracker) appendLedger(key PositionKey, t time.Time, delta decimal.Decimal) {
	pt.ledger = append(pt.ledger, PositionUpdate{PositionKey: key, UpdateTime: t, Delta: delta})
	pt.metrics.incLedger()
}

// Position returns the net position for a key.
func (pt *PositionTracker) Position(exchange, symbol, account string) (NetPosition, bool) {
	pos, ok := pt.positions[PositionKey{Exchange: exchange, Symbol: symbol, Account: account}]
	return pos, ok
}

// Positions returns a copy of the map and the ledger.
func (pt *PositionTracker) Positions() PositionsSnapshot {
	snap := PositionsSnapshot{
		Positions: make(map[PositionKey]NetPosition, len(pt.positions)),
		Ledger:    pt.Ledger(),
	}
	for k, v := range pt.positions {
		snap.Positions[k] = v
	}
	return snap
}

func (pt *PositionTracker) Ledger() []PositionUpdate {
	return append([]PositionUpdate(nil), pt.ledger...)
}

// Keys returns the position keys in a stable order.
func (pt *PositionTracker) Keys() []PositionKey {
	keys := make([]PositionKey, 0, len(pt.positions))
	for k := range pt.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// CompareSnapshot returns every key whose signed quantity differs between
// the two trackers, including keys present on one side only. Update times
// are not compared.
func (pt *PositionTracker) CompareSnapshot(other *PositionTracker) map[PositionKey]PositionDiff {
	diffs := make(map[PositionKey]PositionDiff)
	for k, ours := range pt.positions {
		ours := ours
		theirs, ok := other.positions[k]
		if !ok {
			diffs[k] = PositionDiff{Ours: &ours}
			continue
		}
		if !ours.Quantity.Equal(theirs.Quantity) {
			theirs := theirs
			diffs[k] = PositionDiff{Ours: &ours, Theirs: &theirs}
		}
	}
	for k, theirs := range other.positions {
		if _, ok := pt.positions[k]; !ok {
			theirs := theirs
			diffs[k] = PositionDiff{Theirs: &theirs}
		}
	}
	return diffs
}

// PurgeHistory drops the ledger. Net positions are kept.
func (pt *PositionTracker) PurgeHistory() {
	pt.ledger = nil
}

func (pt *PositionTracker) emit(kind Kind, op, msg string, err error, key PositionKey) {
	pt.metrics.incEvent(kind)
	pt.sink.Emit(Event{
		Kind:    kind,
		Op:      op,
		Message: msg,
		Err:     err,
		Fields: map[string]interface{}{
			"tracker":  pt.name,
			"exchange": key.Exchange,
			"symbol":   key.Symbol,
			"account":  key.Account,
		},
	})
}
