package executor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/ladder-mm/internal/apperrors"
	"github.com/openalpha/ladder-mm/internal/concurrency"
	"github.com/openalpha/ladder-mm/internal/core"
	"github.com/openalpha/ladder-mm/internal/ladder"
	"github.com/openalpha/ladder-mm/internal/logging"
)

// callRecord timestamps one Cancel/SubmitLimit invocation so tests can
// assert ordering, not just counts.
type callRecord struct {
	kind string // "submit" | "cancel"
	side core.Side
	at   time.Time
}

// fakeOrderApi is an in-memory OrderApi used to observe the executor's
// call sequence without any real venue.
type fakeOrderApi struct {
	mu sync.Mutex

	submitCalls []core.Side
	cancelCalls []core.OrderID
	callLog     []callRecord

	nextOrderSeq int64

	// cancelFailOnce, if set, makes the first cancel call for this order
	// ID fail with the given error; subsequent calls succeed.
	cancelFailOnce map[core.OrderID]error
	cancelFailSeen map[core.OrderID]bool
}

func newFakeOrderApi() *fakeOrderApi {
	return &fakeOrderApi{
		cancelFailOnce: make(map[core.OrderID]error),
		cancelFailSeen: make(map[core.OrderID]bool),
	}
}

func (f *fakeOrderApi) SubmitLimit(ctx context.Context, side core.Side, priceBase, qtyBase uint64, marginFactorPPM uint64, clientOrderID string, token string) (core.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls = append(f.submitCalls, side)
	f.callLog = append(f.callLog, callRecord{kind: "submit", side: side, at: time.Now()})
	f.nextOrderSeq++
	id := core.OrderID(clientOrderID)
	return core.OrderResult{OrderID: id, Status: "NEW"}, nil
}

func (f *fakeOrderApi) Cancel(ctx context.Context, orderID core.OrderID, token string) (core.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, orderID)

	var side core.Side
	if strings.Contains(strings.ToLower(string(orderID)), "bid") {
		side = core.Bid
	} else {
		side = core.Ask
	}
	f.callLog = append(f.callLog, callRecord{kind: "cancel", side: side, at: time.Now()})

	if err, ok := f.cancelFailOnce[orderID]; ok && !f.cancelFailSeen[orderID] {
		f.cancelFailSeen[orderID] = true
		return core.CancelResult{}, err
	}
	return core.CancelResult{OrderID: orderID}, nil
}

func (f *fakeOrderApi) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelCalls)
}

// lastCancelTime and firstSubmitTime report timestamps across the
// recorded call log, filtered by side, for order-sensitive assertions.
func (f *fakeOrderApi) lastCancelTime(side core.Side) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last time.Time
	for _, c := range f.callLog {
		if c.kind == "cancel" && c.side == side && c.at.After(last) {
			last = c.at
		}
	}
	return last
}

func (f *fakeOrderApi) firstSubmitTime(side core.Side) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first time.Time
	for _, c := range f.callLog {
		if c.kind == "submit" && c.side == side {
			if first.IsZero() || c.at.Before(first) {
				first = c.at
			}
		}
	}
	return first
}

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *ladder.Engine, *fakeOrderApi) {
	t.Helper()
	logger, err := logging.NewLoggerFromString("DEBUG")
	require.NoError(t, err)

	engine := ladder.NewEngine(logger)
	engine.Initialize(2)

	api := newFakeOrderApi()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test"}, logger)
	ex := New(cfg, engine, api, pool, logger)
	return ex, engine, api
}

func TestSequentialModeGapBetweenCancelAndSubmit(t *testing.T) {
	ex, engine, api := newTestExecutor(t, Config{Mode: Sequential})

	engine.UpdateLevel(core.Bid, 0, "old-bid-0", 64995_00000000, 100)

	plan := []core.LadderReplacement{
		{LevelIndex: 0, Side: core.Bid, OldOrderID: "old-bid-0", NewPrice: 64997_00000000, NewQuantity: 100},
	}

	require.NoError(t, ex.Apply(context.Background(), plan, "token"))

	require.Len(t, api.cancelCalls, 1)
	require.Len(t, api.submitCalls, 1)

	lvl, ok := engine.GetLevel(core.Bid, 0)
	require.True(t, ok)
	assert.False(t, lvl.Empty())
	assert.Equal(t, core.OrderID("MM-BID-L0-1-"+lvl.OrderID[len("MM-BID-L0-1-"):]), lvl.OrderID)
}

func TestAtomicModeSubmitsBeforeCancels(t *testing.T) {
	ex, engine, api := newTestExecutor(t, Config{Mode: Atomic, AtomicReplacementDelay: 10 * time.Millisecond})

	engine.UpdateLevel(core.Bid, 0, "old-bid-0", 64995_00000000, 100)
	engine.UpdateLevel(core.Ask, 0, "old-ask-0", 65005_00000000, 100)

	plan := []core.LadderReplacement{
		{LevelIndex: 0, Side: core.Bid, OldOrderID: "old-bid-0", NewPrice: 64997_00000000, NewQuantity: 100},
		{LevelIndex: 0, Side: core.Ask, OldOrderID: "old-ask-0", NewPrice: 65007_00000000, NewQuantity: 100},
	}

	require.NoError(t, ex.Apply(context.Background(), plan, "token"))

	// Both submits and both cancels happened.
	assert.Len(t, api.submitCalls, 2)
	assert.Len(t, api.cancelCalls, 2)

	// Slots now point at the new orders (new order wins the slot).
	lvl, _ := engine.GetLevel(core.Bid, 0)
	assert.NotEqual(t, core.OrderID("old-bid-0"), lvl.OrderID)
}

func TestCancelRetryOnSoftFailureIsTreatedAsSuccess(t *testing.T) {
	ex, engine, api := newTestExecutor(t, Config{Mode: Sequential})

	engine.UpdateLevel(core.Bid, 0, "old-bid-0", 64995_00000000, 100)
	api.cancelFailOnce["old-bid-0"] = apperrors.NewVenueLogicalError(apperrors.ErrOrderUnknown)

	plan := []core.LadderReplacement{
		{LevelIndex: 0, Side: core.Bid, OldOrderID: "old-bid-0", NewPrice: 64997_00000000, NewQuantity: 100},
	}

	require.NoError(t, ex.Apply(context.Background(), plan, "token"))

	// First attempt failed, retried once and succeeded (fake API only
	// fails the first call per order ID).
	assert.Equal(t, 2, api.cancelCount())

	lvl, _ := engine.GetLevel(core.Bid, 0)
	assert.False(t, lvl.Empty()) // submit succeeded and occupies the slot
}

// TestSTPPeelsVictimAskBeforeAtomicBidReplace mirrors the worked
// bids_cross example: a new bid at 65006 crosses the resting ask at
// 65005, so the ask (victim) is peeled level-by-level inside-out before
// the bid (aggressor) is submitted atomically. No bid submit may occur
// before every crossing-price ask has been cancelled.
func TestSTPPeelsVictimAskBeforeAtomicBidReplace(t *testing.T) {
	ex, engine, api := newTestExecutor(t, Config{
		Mode:                      Atomic,
		AtomicReplacementDelay:    5 * time.Millisecond,
		EnableSelfTradePrevention: true,
		SequentialPeelDelay:       2 * time.Millisecond,
	})

	// Pre-state: asks resting at 65005/65010.
	engine.UpdateLevel(core.Ask, 0, "old-ask-0", 65005_00000000, 100)
	engine.UpdateLevel(core.Ask, 1, "old-ask-1", 65010_00000000, 50)

	// New bids at 65006/65001 cross the 65005 ask.
	plan := []core.LadderReplacement{
		{LevelIndex: 0, Side: core.Bid, OldOrderID: "", NewPrice: 65006_00000000, NewQuantity: 100},
		{LevelIndex: 1, Side: core.Bid, OldOrderID: "", NewPrice: 65001_00000000, NewQuantity: 50},
		{LevelIndex: 0, Side: core.Ask, OldOrderID: "old-ask-0", NewPrice: 65005_00000000, NewQuantity: 100},
		{LevelIndex: 1, Side: core.Ask, OldOrderID: "old-ask-1", NewPrice: 65010_00000000, NewQuantity: 50},
	}

	require.NoError(t, ex.Apply(context.Background(), plan, "token"))

	assert.Len(t, api.cancelCalls, 2) // both asks peeled
	assert.Len(t, api.submitCalls, 4) // 2 peeled asks + 2 atomic bids

	// Order-sensitive: every ask cancel must complete before any bid is
	// submitted, since the bid is the crossing side and the ask is the
	// victim being peeled out of the way first.
	lastAskCancel := api.lastCancelTime(core.Ask)
	firstBidSubmit := api.firstSubmitTime(core.Bid)
	require.False(t, lastAskCancel.IsZero())
	require.False(t, firstBidSubmit.IsZero())
	assert.True(t, lastAskCancel.Before(firstBidSubmit),
		"expected last ask cancel (%v) before first bid submit (%v)", lastAskCancel, firstBidSubmit)

	bidLvl, _ := engine.GetLevel(core.Bid, 0)
	assert.False(t, bidLvl.Empty())
}

func TestStrategyLockSerializesConcurrentApplies(t *testing.T) {
	ex, engine, _ := newTestExecutor(t, Config{Mode: Sequential})
	_ = engine

	var active int32
	var maxObserved int32
	var wg sync.WaitGroup

	run := func() {
		defer wg.Done()
		ex.strategyLock.Lock()
		n := atomic.AddInt32(&active, 1)
		if n > atomic.LoadInt32(&maxObserved) {
			atomic.StoreInt32(&maxObserved, n)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		ex.strategyLock.Unlock()
	}

	wg.Add(3)
	go run()
	go run()
	go run()
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxObserved))
}
