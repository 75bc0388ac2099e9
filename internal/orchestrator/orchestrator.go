// Package orchestrator wires the ladder engine, replacement executor and
// settlement planner into one long-running process: price-event loop,
// background token refresh, and startup/shutdown sequencing.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/openalpha/ladder-mm/internal/apperrors"
	"github.com/openalpha/ladder-mm/internal/calc"
	"github.com/openalpha/ladder-mm/internal/config"
	"github.com/openalpha/ladder-mm/internal/core"
	"github.com/openalpha/ladder-mm/internal/executor"
	"github.com/openalpha/ladder-mm/internal/health"
	"github.com/openalpha/ladder-mm/internal/ladder"
	"github.com/openalpha/ladder-mm/internal/settlement"
	"github.com/openalpha/ladder-mm/internal/telemetry"
)

// Capability names used to record rolling error counts in the health manager.
const (
	capabilityPriceSource = "price_source"
	capabilityOrderApi    = "order_api"
	capabilityAccountApi  = "account_api"
	capabilityAuthApi     = "auth_api"
)

const tokenSafetyMargin = 60 * time.Second

// Orchestrator drives the market-making worker's top-level lifecycle.
type Orchestrator struct {
	cfg      *config.Config
	engine   *ladder.Engine
	executor *executor.Executor
	planner  *settlement.Planner

	priceSrc core.PriceSource
	authApi  core.AuthApi
	orderApi core.OrderApi
	acctApi  core.AccountApi

	logger core.ILogger

	tokenMu sync.Mutex
	token   core.AuthToken

	shape  core.LiquidityShape
	health *health.Manager
}

// New constructs an Orchestrator. Callers supply already-constructed
// collaborators; Orchestrator only sequences them.
func New(
	cfg *config.Config,
	engine *ladder.Engine,
	exec *executor.Executor,
	planner *settlement.Planner,
	priceSrc core.PriceSource,
	authApi core.AuthApi,
	orderApi core.OrderApi,
	acctApi core.AccountApi,
	logger core.ILogger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		engine:   engine,
		executor: exec,
		planner:  planner,
		priceSrc: priceSrc,
		authApi:  authApi,
		orderApi: orderApi,
		acctApi:  acctApi,
		logger:   logger.WithField("component", "orchestrator"),
		health:   health.New(logger),
	}
}

// HealthSnapshot reports the current rolling error-count status of every
// tracked upstream capability, for operator polling.
func (o *Orchestrator) HealthSnapshot() map[string]health.Status {
	return o.health.Snapshot(time.Now())
}

// Run validates startup preconditions, then runs the price loop and token
// refresh loop concurrently until ctx is cancelled, performing graceful
// shutdown sequencing on the way out.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.startup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.priceLoop(gctx) })
	g.Go(func() error { return o.tokenRefreshLoop(gctx) })

	err := g.Wait()

	o.shutdown()

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// startup validates configuration, fetches market info, verifies the
// decimal exponents match, initializes the ladder, fetches the first
// token, and runs a startup settlement check if enabled. Any failure here
// is fatal per the configured exit-code contract.
func (o *Orchestrator) startup(ctx context.Context) error {
	if err := o.cfg.Validate(); err != nil {
		return apperrors.NewConfigError("config", err.Error())
	}

	info, err := o.acctApi.GetMarketInfo(ctx)
	if err != nil {
		o.health.RecordError(capabilityAccountApi, time.Now())
		return apperrors.NewTransportError("get_market_info", err)
	}
	if info.TradingDecimals != o.cfg.Decimals.TradingDecimals || info.SettlementDecimals != o.cfg.Decimals.SettlementDecimals {
		return apperrors.NewConfigError("decimals", fmt.Sprintf(
			"configured trading_decimals=%d settlement_decimals=%d does not match venue trading_decimals=%d settlement_decimals=%d",
			o.cfg.Decimals.TradingDecimals, o.cfg.Decimals.SettlementDecimals, info.TradingDecimals, info.SettlementDecimals))
	}

	o.engine.Initialize(o.cfg.Ladder.NumLevels)

	shape, err := buildShape(o.cfg, o.cfg.Decimals.TradingDecimals)
	if err != nil {
		return apperrors.NewConfigError("ladder", err.Error())
	}
	o.shape = shape

	if _, err := o.refreshToken(ctx); err != nil {
		return apperrors.NewTransportError("authenticate", err)
	}

	if o.cfg.Settlement.ContinuousSettlement {
		token, err := o.validToken(ctx)
		if err != nil {
			return err
		}
		if _, err := o.planner.Run(ctx, token); err != nil {
			o.logger.Warn("startup settlement check failed, continuing", "error", err.Error())
		}
	}

	o.logger.Info("startup complete", "num_levels", o.cfg.Ladder.NumLevels)
	return nil
}

// priceLoop subscribes to the price source and invokes the single-writer
// replacement pipeline for every emitted tick.
func (o *Orchestrator) priceLoop(ctx context.Context) error {
	ticks, err := o.priceSrc.Subscribe(ctx, o.cfg.Venue.RedisIndexKey, o.cfg.Venue.RedisPollIntervalMs)
	if err != nil {
		o.health.RecordError(capabilityPriceSource, time.Now())
		return apperrors.NewTransportError("subscribe_price", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := o.handleTick(ctx, tick); err != nil {
				if apperrors.IsFatal(err) {
					return err
				}
				o.health.RecordError(capabilityOrderApi, time.Now())
				o.logger.Warn("replacement cycle failed, continuing", "error", err.Error())
			}
		}
	}
}

// handleTick is the single-writer pipeline: fetch a valid token, compute
// target prices/quantities, compute the replacement plan, and apply it.
func (o *Orchestrator) handleTick(ctx context.Context, tick core.PriceTick) error {
	token, err := o.validToken(ctx)
	if err != nil {
		return apperrors.NewTransportError("token", err)
	}

	midBase, err := calc.ToBase(decimal.NewFromFloat(tick.Price), o.cfg.Decimals.TradingDecimals)
	if err != nil {
		return apperrors.NewInvariantViolation("invalid price tick %v: %v", tick.Price, err)
	}

	n := o.cfg.Ladder.NumLevels
	bidPrices, err := calc.BidLevelsUSD(midBase, o.cfg.Ladder.BaseSpreadUSD, o.cfg.Ladder.LevelSpacingUSD, n, o.cfg.Decimals.TradingDecimals)
	if err != nil {
		return apperrors.NewInvariantViolation("bid level computation failed: %v", err)
	}
	askPrices, err := calc.AskLevelsUSD(midBase, o.cfg.Ladder.BaseSpreadUSD, o.cfg.Ladder.LevelSpacingUSD, n, o.cfg.Decimals.TradingDecimals)
	if err != nil {
		return apperrors.NewInvariantViolation("ask level computation failed: %v", err)
	}

	quantities := make([]uint64, n)
	for i := uint32(0); i < n; i++ {
		quantities[i] = o.shape.SizeForLevel(i)
	}

	plan := o.engine.CalculateReplacements(bidPrices, askPrices, quantities)
	if err := o.executor.Apply(ctx, plan, token); err != nil {
		return err
	}

	if m := telemetry.Global(); m != nil {
		bidCount, askCount := o.engine.ActiveCounts()
		m.SetActiveOrders(core.Bid.String(), int64(bidCount))
		m.SetActiveOrders(core.Ask.String(), int64(askCount))
	}
	return nil
}

// tokenRefreshLoop refreshes the bearer credential on a fixed interval
// and, if continuous settlement is enabled, runs the planner after every
// successful refresh.
func (o *Orchestrator) tokenRefreshLoop(ctx context.Context) error {
	interval := time.Duration(o.cfg.Settlement.TokenRefreshIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			token, err := o.refreshToken(ctx)
			if err != nil {
				o.health.RecordError(capabilityAuthApi, time.Now())
				o.logger.Warn("token refresh failed, will retry next interval", "error", err.Error())
				continue
			}
			if o.cfg.Settlement.ContinuousSettlement {
				if _, err := o.planner.Run(ctx, token); err != nil {
					o.logger.Warn("continuous settlement failed", "error", err.Error())
				}
			}
		}
	}
}

// validToken returns the current token if it still has the safety margin
// of life left, refreshing it otherwise.
func (o *Orchestrator) validToken(ctx context.Context) (string, error) {
	o.tokenMu.Lock()
	current := o.token
	o.tokenMu.Unlock()

	if current.Valid(time.Now(), tokenSafetyMargin) {
		return current.Token, nil
	}
	return o.refreshToken(ctx)
}

// refreshToken unconditionally re-authenticates and stores the result.
func (o *Orchestrator) refreshToken(ctx context.Context) (string, error) {
	tok, err := o.authApi.Authenticate(ctx)
	if err != nil {
		return "", err
	}

	o.tokenMu.Lock()
	o.token = tok
	o.tokenMu.Unlock()

	return tok.Token, nil
}

// shutdown runs the best-effort cleanup sequence: cancel every tracked
// order, then a bounded final settlement. It never blocks on ctx, since
// ctx is already done by the time this runs.
func (o *Orchestrator) shutdown() {
	o.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := o.validToken(shutdownCtx)
	if err != nil {
		o.logger.Warn("could not obtain token for shutdown sequence", "error", err.Error())
		return
	}

	for _, id := range o.engine.AllActiveOrderIDs() {
		if _, err := o.orderApi.Cancel(shutdownCtx, id, token); err != nil && !apperrors.IsBenignCancelFailure(err) {
			o.logger.Warn("shutdown cancel failed", "order_id", id, "error", err.Error())
		}
	}

	if _, err := o.planner.Run(shutdownCtx, token); err != nil {
		o.logger.Warn("shutdown settlement failed", "error", err.Error())
	}

	o.logger.Info("shutdown complete")
}

// buildShape converts the configured decimal order sizes to base units at
// the given trading-decimals exponent.
func buildShape(cfg *config.Config, tradingDecimals uint32) (core.LiquidityShape, error) {
	level0, err := calc.ToBase(decimal.NewFromFloat(cfg.Ladder.Level0Quantity), tradingDecimals)
	if err != nil {
		return core.LiquidityShape{}, fmt.Errorf("level_0_quantity: %w", err)
	}
	level12, err := calc.ToBase(decimal.NewFromFloat(cfg.Ladder.Levels1To2Quantity), tradingDecimals)
	if err != nil {
		return core.LiquidityShape{}, fmt.Errorf("levels_1_to_2_quantity: %w", err)
	}
	level3plus, err := calc.ToBase(decimal.NewFromFloat(cfg.Ladder.Levels3PlusQuantity), tradingDecimals)
	if err != nil {
		return core.LiquidityShape{}, fmt.Errorf("levels_3_plus_quantity: %w", err)
	}

	return core.LiquidityShape{
		SizeLevel0:     level0,
		SizeLevel1And2: level12,
		SizeLevel3Plus: level3plus,
	}, nil
}
