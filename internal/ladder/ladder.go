// Package ladder is the in-memory model of the worker's own order book:
// two fixed-length per-side level arrays, and the differencing logic that
// turns a target price/quantity set into a replacement plan.
package ladder

import (
	"sync"
	"time"

	"github.com/openalpha/ladder-mm/internal/core"
)

// Engine is the single source of truth for the worker's own resting
// orders. All mutation is serialized by one internal mutex.
type Engine struct {
	mu        sync.Mutex
	numLevels uint32
	bids      []core.LadderLevel
	asks      []core.LadderLevel
	logger    core.ILogger

	outOfRangeWarned bool
}

// NewEngine constructs an Engine with no levels allocated; call Initialize
// before use.
func NewEngine(logger core.ILogger) *Engine {
	return &Engine{logger: logger.WithField("component", "ladder_engine")}
}

// Initialize allocates n empty Bid and n empty Ask slots. Idempotent after
// a full ClearAll.
func (e *Engine) Initialize(n uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.numLevels = n
	e.bids = make([]core.LadderLevel, n)
	e.asks = make([]core.LadderLevel, n)
	for i := uint32(0); i < n; i++ {
		e.bids[i] = core.LadderLevel{LevelIndex: i, Side: core.Bid}
		e.asks[i] = core.LadderLevel{LevelIndex: i, Side: core.Ask}
	}
}

func (e *Engine) sideSlice(side core.Side) []core.LadderLevel {
	if side == core.Bid {
		return e.bids
	}
	return e.asks
}

// UpdateLevel sets a slot to a live order. An out-of-range index is
// silently ignored (logged once) — this preserves liveness when stale
// replacement plans arrive during shutdown.
func (e *Engine) UpdateLevel(side core.Side, i uint32, orderID core.OrderID, price, qty uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slice := e.sideSlice(side)
	if i >= uint32(len(slice)) {
		if !e.outOfRangeWarned {
			e.logger.Warn("ladder level index out of range, ignoring update", "side", side.String(), "index", i, "num_levels", e.numLevels)
			e.outOfRangeWarned = true
		}
		return
	}

	slice[i] = core.LadderLevel{
		LevelIndex:  i,
		Side:        side,
		OrderID:     orderID,
		Price:       price,
		Quantity:    qty,
		LastUpdated: time.Now(),
	}
}

// ClearLevel resets a slot to empty.
func (e *Engine) ClearLevel(side core.Side, i uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slice := e.sideSlice(side)
	if i >= uint32(len(slice)) {
		return
	}
	slice[i] = core.LadderLevel{LevelIndex: i, Side: side, LastUpdated: time.Now()}
}

// GetLevel returns a snapshot copy of one slot.
func (e *Engine) GetLevel(side core.Side, i uint32) (core.LadderLevel, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slice := e.sideSlice(side)
	if i >= uint32(len(slice)) {
		return core.LadderLevel{}, false
	}
	return slice[i], true
}

// AllLevels returns a snapshot copy of every slot on one side.
func (e *Engine) AllLevels(side core.Side) []core.LadderLevel {
	e.mu.Lock()
	defer e.mu.Unlock()

	slice := e.sideSlice(side)
	out := make([]core.LadderLevel, len(slice))
	copy(out, slice)
	return out
}

// AllActiveOrderIDs enumerates live order IDs across both sides.
func (e *Engine) AllActiveOrderIDs() []core.OrderID {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []core.OrderID
	for _, l := range e.bids {
		if !l.Empty() {
			out = append(out, l.OrderID)
		}
	}
	for _, l := range e.asks {
		if !l.Empty() {
			out = append(out, l.OrderID)
		}
	}
	return out
}

// FindOrderLevel does a linear scan across both sides for orderID.
func (e *Engine) FindOrderLevel(orderID core.OrderID) (side core.Side, index uint32, found bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, l := range e.bids {
		if l.OrderID == orderID {
			return core.Bid, l.LevelIndex, true
		}
	}
	for _, l := range e.asks {
		if l.OrderID == orderID {
			return core.Ask, l.LevelIndex, true
		}
	}
	return 0, 0, false
}

// ActiveCounts returns the number of live orders on each side.
func (e *Engine) ActiveCounts() (bidCount, askCount int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, l := range e.bids {
		if !l.Empty() {
			bidCount++
		}
	}
	for _, l := range e.asks {
		if !l.Empty() {
			askCount++
		}
	}
	return
}

// ClearAll resets every slot to empty without changing NumLevels.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.bids {
		e.bids[i] = core.LadderLevel{LevelIndex: uint32(i), Side: core.Bid}
	}
	for i := range e.asks {
		e.asks[i] = core.LadderLevel{LevelIndex: uint32(i), Side: core.Ask}
	}
}

// NumLevels returns the process-lifetime level count.
func (e *Engine) NumLevels() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numLevels
}

// CalculateReplacements produces 2*n replacement entries, one per slot,
// pairing the current slot's OldOrderID with the target price/quantity.
// Generation is unconditional — it does not filter by price tolerance;
// every level is emitted on every update and the executor decides what,
// if anything, to skip.
func (e *Engine) CalculateReplacements(newBidPrices, newAskPrices, newQuantities []uint64) []core.LadderReplacement {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.numLevels
	out := make([]core.LadderReplacement, 0, 2*n)

	for i := uint32(0); i < n; i++ {
		out = append(out, core.LadderReplacement{
			LevelIndex:  i,
			Side:        core.Bid,
			OldOrderID:  e.bids[i].OrderID,
			NewPrice:    newBidPrices[i],
			NewQuantity: newQuantities[i],
		})
	}
	for i := uint32(0); i < n; i++ {
		out = append(out, core.LadderReplacement{
			LevelIndex:  i,
			Side:        core.Ask,
			OldOrderID:  e.asks[i].OrderID,
			NewPrice:    newAskPrices[i],
			NewQuantity: newQuantities[i],
		})
	}
	return out
}
