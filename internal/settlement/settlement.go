// Package settlement builds a balanced settlement plan from an account's
// open long/short positions and submits it through AccountApi.
package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openalpha/ladder-mm/internal/apperrors"
	"github.com/openalpha/ladder-mm/internal/audit"
	"github.com/openalpha/ladder-mm/internal/core"
	"github.com/openalpha/ladder-mm/internal/telemetry"
)

// Planner computes and submits settlement plans.
type Planner struct {
	api      core.AccountApi
	logger   core.ILogger
	auditLog *audit.Log
}

// New constructs a Planner bound to one account API.
func New(api core.AccountApi, logger core.ILogger) *Planner {
	return &Planner{api: api, logger: logger.WithField("component", "settlement_planner")}
}

// WithAuditLog attaches a sqlite-backed audit trail; every subsequent
// Run that calls Settle appends one entry. A Run whose plan is empty
// records nothing.
func (p *Planner) WithAuditLog(log *audit.Log) *Planner {
	p.auditLog = log
	return p
}

// BuildPlan partitions positions into longs and shorts, then walks each
// side up to max_settleable = min(sum(longs), sum(shorts)), allocating
// {position_id, quantity} entries greedily in input order.
func BuildPlan(positions []core.Position) (core.SettlementPlan, error) {
	var longs, shorts []core.Position
	var longSum, shortSum uint64
	for _, p := range positions {
		switch p.Side {
		case core.Long:
			longs = append(longs, p)
			longSum += p.Quantity
		case core.Short:
			shorts = append(shorts, p)
			shortSum += p.Quantity
		}
	}

	maxSettleable := longSum
	if shortSum < maxSettleable {
		maxSettleable = shortSum
	}
	if maxSettleable == 0 {
		return core.SettlementPlan{
			Reason: fmt.Sprintf("no settleable (L=%d, S=%d)", longSum, shortSum),
		}, nil
	}

	shortEntries := walk(shorts, maxSettleable)
	longEntries := walk(longs, maxSettleable)

	var shortTotal, longTotal uint64
	for _, e := range shortEntries {
		shortTotal += e.Quantity
	}
	for _, e := range longEntries {
		longTotal += e.Quantity
	}
	if shortTotal != longTotal {
		return core.SettlementPlan{}, apperrors.NewInvariantViolation(
			"settlement plan unbalanced: shorts=%d longs=%d", shortTotal, longTotal)
	}

	entries := make([]core.SettlementEntry, 0, len(shortEntries)+len(longEntries))
	entries = append(entries, shortEntries...)
	entries = append(entries, longEntries...)

	return core.SettlementPlan{
		Entries: entries,
		Reason:  fmt.Sprintf("settling %d (L=%d, S=%d)", maxSettleable, longSum, shortSum),
	}, nil
}

// walk appends {id, min(pos.qty, remaining)} entries in input order,
// decrementing remaining until it reaches zero or positions run out.
func walk(positions []core.Position, budget uint64) []core.SettlementEntry {
	remaining := budget
	var out []core.SettlementEntry
	for _, p := range positions {
		if remaining == 0 {
			break
		}
		qty := p.Quantity
		if qty > remaining {
			qty = remaining
		}
		out = append(out, core.SettlementEntry{PositionID: p.PositionID, Quantity: qty})
		remaining -= qty
	}
	return out
}

// Run fetches current positions, builds a plan, and submits it with a
// fresh idempotency key. Logical-error responses from the venue (already
// settled, invalid) are reported as soft warnings rather than propagated.
func (p *Planner) Run(ctx context.Context, token string) (core.SettlementResult, error) {
	snapshot, err := p.api.GetAccount(ctx, token)
	if err != nil {
		return core.SettlementResult{}, apperrors.NewTransportError("get_account", err)
	}

	plan, err := BuildPlan(snapshot.Positions)
	if err != nil {
		return core.SettlementResult{}, err
	}

	if len(plan.Entries) == 0 {
		p.logger.Debug("settlement skipped", "reason", plan.Reason)
		return core.SettlementResult{Plan: plan, Submitted: false}, nil
	}

	idempotencyKey := uuid.NewString()
	result, err := p.api.Settle(ctx, plan, token, idempotencyKey)
	if err != nil {
		if apperrors.IsBenignSettlementFailure(err) {
			p.logger.Warn("settlement reported as already-settled or invalid, treating as soft failure", "error", err.Error())
			p.recordAudit(ctx, plan, idempotencyKey, core.SettlementResult{Plan: plan, Submitted: false}, nil)
			return core.SettlementResult{Plan: plan, Submitted: false}, nil
		}
		transportErr := apperrors.NewTransportError("settle", err)
		p.recordAudit(ctx, plan, idempotencyKey, core.SettlementResult{}, transportErr)
		return core.SettlementResult{}, transportErr
	}

	p.logger.Info("settlement submitted", "entries", len(plan.Entries), "reason", plan.Reason, "idempotency_key", idempotencyKey)
	if telemetry.Global() != nil {
		telemetry.Global().SettlementsTotal.Add(ctx, 1)
	}
	result.Plan = plan
	result.Submitted = true
	p.recordAudit(ctx, plan, idempotencyKey, result, nil)
	return result, nil
}

// recordAudit appends one entry to the audit trail if one is attached,
// logging (but not propagating) any failure to do so.
func (p *Planner) recordAudit(ctx context.Context, plan core.SettlementPlan, idempotencyKey string, result core.SettlementResult, outcome error) {
	if p.auditLog == nil {
		return
	}
	if err := p.auditLog.Record(ctx, plan, idempotencyKey, result, outcome); err != nil {
		p.logger.Warn("failed to record settlement audit entry", "error", err.Error())
	}
}
