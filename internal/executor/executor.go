// Package executor is the concurrency/ordering machinery that applies a ladder replacement
// plan to the venue under sequential or atomic mode, enforces self-trade
// prevention via side-aware peeling, and tolerates partial failure.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"

	"github.com/openalpha/ladder-mm/internal/apperrors"
	"github.com/openalpha/ladder-mm/internal/concurrency"
	"github.com/openalpha/ladder-mm/internal/core"
	"github.com/openalpha/ladder-mm/internal/ladder"
	"github.com/openalpha/ladder-mm/internal/telemetry"
)

// Mode selects the replacement sequencing strategy.
type Mode string

const (
	Sequential Mode = "sequential"
	Atomic     Mode = "atomic"
)

// Config holds executor behavior switches, sourced from configuration.
type Config struct {
	Mode                      Mode
	AtomicReplacementDelay    time.Duration
	EnableSelfTradePrevention bool
	SequentialPeelDelay       time.Duration
	MarginFactorPPM           uint64
}

// Executor applies LadderReplacement plans to the venue.
type Executor struct {
	cfg    Config
	engine *ladder.Engine
	api    core.OrderApi
	pool   *concurrency.WorkerPool
	logger core.ILogger

	// strategyLock serializes the entire replacement pipeline per price
	// update so concurrent ticks never interleave their cancels/submits.
	strategyLock sync.Mutex

	cancelRetry failsafe.Executor[core.CancelResult]

	orderSeq uint64
	seqMu    sync.Mutex
}

// New constructs an Executor bound to one ladder engine and venue.
func New(cfg Config, engine *ladder.Engine, api core.OrderApi, pool *concurrency.WorkerPool, logger core.ILogger) *Executor {
	// Cancel retry: one retry after ~50ms, modeled as a failsafe retry
	// policy rather than a hand-rolled batch-retry loop.
	retryPolicy := retrypolicy.NewBuilder[core.CancelResult]().
		HandleIf(func(_ core.CancelResult, err error) bool {
			return err != nil
		}).
		WithMaxRetries(1).
		WithDelay(50 * time.Millisecond).
		Build()

	return &Executor{
		cfg:         cfg,
		engine:      engine,
		api:         api,
		pool:        pool,
		logger:      logger.WithField("component", "replacement_executor"),
		cancelRetry: failsafe.With[core.CancelResult](retryPolicy),
	}
}

// Apply runs one full replacement cycle under strategyLock, so concurrent
// price updates queue behind each other.
func (ex *Executor) Apply(ctx context.Context, plan []core.LadderReplacement, token string) error {
	ex.strategyLock.Lock()
	defer ex.strategyLock.Unlock()

	if ex.cfg.Mode == Atomic {
		return ex.applyAtomic(ctx, plan, token)
	}
	return ex.applySequential(ctx, plan, token)
}

// applySequential cancels old orders in parallel, clearing slots on
// success, then submits new orders in parallel, updating slots on
// success. There is an instant between the two phases where replaced
// levels hold zero live orders.
func (ex *Executor) applySequential(ctx context.Context, plan []core.LadderReplacement, token string) error {
	toCancel := filterHasOld(plan)
	ex.cancelBatch(ctx, toCancel, token, true /* clearOnSuccess */)
	ex.submitBatch(ctx, plan, token)
	return nil
}

// applyAtomic submits new orders first (continuous liquidity), then
// after a configured delay cancels the old ones — unless self-trade
// prevention is enabled and the plan would cross the worker's own
// resting liquidity, in which case the victim side(s) are peeled out of
// the way first.
func (ex *Executor) applyAtomic(ctx context.Context, plan []core.LadderReplacement, token string) error {
	if ex.cfg.EnableSelfTradePrevention {
		bidsCross, asksCross := ex.detectCrossing(plan)
		if bidsCross || asksCross {
			if telemetry.Global() != nil {
				telemetry.Global().STPEventsTotal.Add(ctx, 1)
			}
			return ex.applyWithPeel(ctx, plan, token, bidsCross, asksCross)
		}
	}
	return ex.pureAtomic(ctx, plan, token)
}

// pureAtomic submits then cancels with no self-trade-prevention peeling.
func (ex *Executor) pureAtomic(ctx context.Context, plan []core.LadderReplacement, token string) error {
	ex.submitBatch(ctx, plan, token)

	select {
	case <-ctx.Done():
		return apperrors.ErrCancelled
	case <-time.After(ex.cfg.AtomicReplacementDelay):
	}

	toCancel := filterHasOld(plan)
	// Atomic-mode cancels do not clear the slot — the new order already
	// occupies it.
	ex.cancelBatch(ctx, toCancel, token, false)
	return nil
}

// applyWithPeel peels the victim side(s) level-by-level inside-out before
// the crossing (aggressor) side is replaced atomically: bids_cross means
// the new bid crosses a resting ask, so the ask is the victim (peeled
// first) and the bid is the aggressor (atomic replace); asks_cross is the
// symmetric case.
func (ex *Executor) applyWithPeel(ctx context.Context, plan []core.LadderReplacement, token string, bidsCross, asksCross bool) error {
	var bidPlan, askPlan []core.LadderReplacement
	for _, r := range plan {
		if r.Side == core.Bid {
			bidPlan = append(bidPlan, r)
		} else {
			askPlan = append(askPlan, r)
		}
	}

	if bidsCross {
		ex.peelSide(ctx, askPlan, token)
	}
	if asksCross {
		ex.peelSide(ctx, bidPlan, token)
	}

	var remainder []core.LadderReplacement
	if !bidsCross {
		remainder = append(remainder, askPlan...)
	}
	if !asksCross {
		remainder = append(remainder, bidPlan...)
	}
	if len(remainder) > 0 {
		return ex.pureAtomic(ctx, remainder, token)
	}
	return nil
}

// peelSide processes one side's replacements group by group, ascending
// level index (inside-out): cancel, sleep, submit, sleep.
func (ex *Executor) peelSide(ctx context.Context, sidePlan []core.LadderReplacement, token string) {
	byLevel := make(map[uint32][]core.LadderReplacement)
	var levels []uint32
	for _, r := range sidePlan {
		if _, seen := byLevel[r.LevelIndex]; !seen {
			levels = append(levels, r.LevelIndex)
		}
		byLevel[r.LevelIndex] = append(byLevel[r.LevelIndex], r)
	}
	sortUint32(levels)

	for _, lvl := range levels {
		group := byLevel[lvl]

		toCancel := filterHasOld(group)
		ex.cancelBatch(ctx, toCancel, token, true)

		select {
		case <-ctx.Done():
			return
		case <-time.After(ex.cfg.SequentialPeelDelay):
		}

		ex.submitBatch(ctx, group, token)

		select {
		case <-ctx.Done():
			return
		case <-time.After(ex.cfg.SequentialPeelDelay):
		}
	}
}

// detectCrossing tests whether the plan's best new bid/ask would cross
// the engine's currently live opposite-side levels.
func (ex *Executor) detectCrossing(plan []core.LadderReplacement) (bidsCross, asksCross bool) {
	var bestNewBid, bestNewAsk uint64
	haveBid, haveAsk := false, false
	for _, r := range plan {
		if r.Side == core.Bid {
			if !haveBid || r.NewPrice > bestNewBid {
				bestNewBid, haveBid = r.NewPrice, true
			}
		} else {
			if !haveAsk || r.NewPrice < bestNewAsk {
				bestNewAsk, haveAsk = r.NewPrice, true
			}
		}
	}

	currentAsks := ex.engine.AllLevels(core.Ask)
	currentBids := ex.engine.AllLevels(core.Bid)

	if haveBid {
		for _, a := range currentAsks {
			if !a.Empty() && bestNewBid >= a.Price {
				bidsCross = true
				break
			}
		}
	}
	if haveAsk {
		for _, b := range currentBids {
			if !b.Empty() && bestNewAsk <= b.Price {
				asksCross = true
				break
			}
		}
	}
	return
}

// cancelBatch fans out a parallel cancel batch: each cancel is retried
// once after ~50ms on failure, logical "already filled/unknown"
// failures are bookkept as success, and remaining failures are logged
// as warnings and otherwise ignored.
func (ex *Executor) cancelBatch(ctx context.Context, reps []core.LadderReplacement, token string, clearOnSuccess bool) {
	if len(reps) == 0 {
		return
	}

	tasks := make([]func() (core.CancelResult, error), len(reps))
	for i, r := range reps {
		r := r
		tasks[i] = func() (core.CancelResult, error) {
			attempt := 0
			return ex.cancelRetry.Get(func() (core.CancelResult, error) {
				if attempt > 0 && telemetry.Global() != nil {
					telemetry.Global().CancelRetries.Add(ctx, 1)
				}
				attempt++
				return ex.api.Cancel(ctx, r.OldOrderID, token)
			})
		}
	}

	results := concurrency.RunBatch(ex.pool, tasks)

	for i, res := range results {
		r := reps[i]
		if telemetry.Global() != nil {
			telemetry.Global().CancelsTotal.Add(ctx, 1)
		}

		if res.Err == nil || apperrors.IsBenignCancelFailure(res.Err) {
			if clearOnSuccess {
				ex.engine.ClearLevel(r.Side, r.LevelIndex)
			}
			if res.Err != nil {
				ex.logger.Debug("cancel treated as success (benign venue error)", "side", r.Side.String(), "level", r.LevelIndex, "order_id", r.OldOrderID, "error", res.Err.Error())
			}
			continue
		}

		ex.logger.Warn("cancel failed after retry, ladder degraded", "side", r.Side.String(), "level", r.LevelIndex, "order_id", r.OldOrderID, "error", res.Err.Error())
	}
}

// submitBatch fans out a parallel submit batch. Failed submits are not
// retried within a cycle — the next price update provides a natural
// retry opportunity.
func (ex *Executor) submitBatch(ctx context.Context, reps []core.LadderReplacement, token string) {
	if len(reps) == 0 {
		return
	}

	tasks := make([]func() (core.OrderResult, error), len(reps))
	for i, r := range reps {
		r := r
		clientOrderID := ex.nextClientOrderID(r.Side, r.LevelIndex)
		tasks[i] = func() (core.OrderResult, error) {
			return ex.api.SubmitLimit(ctx, r.Side, r.NewPrice, r.NewQuantity, ex.cfg.MarginFactorPPM, clientOrderID, token)
		}
	}

	results := concurrency.RunBatch(ex.pool, tasks)

	for i, res := range results {
		r := reps[i]
		if telemetry.Global() != nil {
			telemetry.Global().SubmitsTotal.Add(ctx, 1)
		}

		if res.Err != nil {
			ex.logger.Warn("submit failed, ladder degraded for this level", "side", r.Side.String(), "level", r.LevelIndex, "error", res.Err.Error())
			if telemetry.Global() != nil {
				telemetry.Global().SubmitFailures.Add(ctx, 1)
			}
			continue
		}

		ex.engine.UpdateLevel(r.Side, r.LevelIndex, res.Value.OrderID, r.NewPrice, r.NewQuantity)
	}
}

// nextClientOrderID generates "MM-<Side>-L<index>-<monotonic-tag>",
// unique per attempt.
func (ex *Executor) nextClientOrderID(side core.Side, level uint32) string {
	ex.seqMu.Lock()
	ex.orderSeq++
	seq := ex.orderSeq
	ex.seqMu.Unlock()

	return fmt.Sprintf("MM-%s-L%d-%d-%s", side.String(), level, seq, uuid.NewString()[:8])
}

func filterHasOld(plan []core.LadderReplacement) []core.LadderReplacement {
	var out []core.LadderReplacement
	for _, r := range plan {
		if r.HasOld() {
			out = append(out, r)
		}
	}
	return out
}

func sortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
