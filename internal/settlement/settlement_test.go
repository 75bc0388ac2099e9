package settlement

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/ladder-mm/internal/apperrors"
	"github.com/openalpha/ladder-mm/internal/audit"
	"github.com/openalpha/ladder-mm/internal/core"
	"github.com/openalpha/ladder-mm/internal/logging"
)

func sumEntries(entries []core.SettlementEntry) uint64 {
	var total uint64
	for _, e := range entries {
		total += e.Quantity
	}
	return total
}

func TestBuildPlanBalancesLongsAndShorts(t *testing.T) {
	positions := []core.Position{
		{PositionID: "long-1", Side: core.Long, Quantity: 100},
		{PositionID: "long-2", Side: core.Long, Quantity: 50},
		{PositionID: "short-1", Side: core.Short, Quantity: 80},
	}

	plan, err := BuildPlan(positions)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Entries)

	var shortQty, longQty uint64
	for _, e := range plan.Entries {
		switch e.PositionID {
		case "short-1":
			shortQty += e.Quantity
		case "long-1", "long-2":
			longQty += e.Quantity
		}
	}
	assert.Equal(t, uint64(80), shortQty)
	assert.Equal(t, uint64(80), longQty)
}

func TestBuildPlanEmptyWhenNoOverlap(t *testing.T) {
	positions := []core.Position{
		{PositionID: "long-1", Side: core.Long, Quantity: 100},
	}
	plan, err := BuildPlan(positions)
	require.NoError(t, err)
	assert.Empty(t, plan.Entries)
	assert.Contains(t, plan.Reason, "no settleable")
}

func TestBuildPlanTruncatesLargestAcrossMultiplePositions(t *testing.T) {
	positions := []core.Position{
		{PositionID: "long-1", Side: core.Long, Quantity: 30},
		{PositionID: "long-2", Side: core.Long, Quantity: 30},
		{PositionID: "long-3", Side: core.Long, Quantity: 30},
		{PositionID: "short-1", Side: core.Short, Quantity: 40},
	}

	plan, err := BuildPlan(positions)
	require.NoError(t, err)

	assert.Equal(t, uint64(40), sumEntries(longEntriesOnly(plan.Entries, []string{"long-1", "long-2", "long-3"})))
	assert.Equal(t, uint64(40), sumEntries(longEntriesOnly(plan.Entries, []string{"short-1"})))
}

func longEntriesOnly(entries []core.SettlementEntry, ids []string) []core.SettlementEntry {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	var out []core.SettlementEntry
	for _, e := range entries {
		if set[e.PositionID] {
			out = append(out, e)
		}
	}
	return out
}

type fakeAccountApi struct {
	snapshot  core.AccountSnapshot
	settleErr error
	settled   bool
	lastKey   string
}

func (f *fakeAccountApi) GetAccount(ctx context.Context, token string) (core.AccountSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeAccountApi) Settle(ctx context.Context, plan core.SettlementPlan, token string, idempotencyKey string) (core.SettlementResult, error) {
	f.lastKey = idempotencyKey
	if f.settleErr != nil {
		return core.SettlementResult{}, f.settleErr
	}
	f.settled = true
	return core.SettlementResult{SettlementID: "settle-1"}, nil
}

func newTestPlanner(t *testing.T, api core.AccountApi) *Planner {
	t.Helper()
	logger, err := logging.NewLoggerFromString("DEBUG")
	require.NoError(t, err)
	return New(api, logger)
}

func TestRunSubmitsBalancedPlan(t *testing.T) {
	api := &fakeAccountApi{
		snapshot: core.AccountSnapshot{
			Positions: []core.Position{
				{PositionID: "long-1", Side: core.Long, Quantity: 100},
				{PositionID: "short-1", Side: core.Short, Quantity: 100},
			},
		},
	}
	p := newTestPlanner(t, api)

	result, err := p.Run(context.Background(), "token")
	require.NoError(t, err)
	assert.True(t, result.Submitted)
	assert.True(t, api.settled)
	assert.NotEmpty(t, api.lastKey)
}

func TestRunSkipsEmptyPlanWithoutCallingSettle(t *testing.T) {
	api := &fakeAccountApi{}
	p := newTestPlanner(t, api)

	result, err := p.Run(context.Background(), "token")
	require.NoError(t, err)
	assert.False(t, result.Submitted)
	assert.False(t, api.settled)
}

func TestRunTreatsAlreadySettledAsSoftFailure(t *testing.T) {
	api := &fakeAccountApi{
		snapshot: core.AccountSnapshot{
			Positions: []core.Position{
				{PositionID: "long-1", Side: core.Long, Quantity: 10},
				{PositionID: "short-1", Side: core.Short, Quantity: 10},
			},
		},
		settleErr: apperrors.NewVenueLogicalError(apperrors.ErrAlreadySettled),
	}
	p := newTestPlanner(t, api)

	result, err := p.Run(context.Background(), "token")
	require.NoError(t, err)
	assert.False(t, result.Submitted)
}

func TestRunRecordsAuditEntryWhenAuditLogAttached(t *testing.T) {
	api := &fakeAccountApi{
		snapshot: core.AccountSnapshot{
			Positions: []core.Position{
				{PositionID: "long-1", Side: core.Long, Quantity: 10},
				{PositionID: "short-1", Side: core.Short, Quantity: 10},
			},
		},
	}
	p := newTestPlanner(t, api)

	log, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	p.WithAuditLog(log)

	result, err := p.Run(context.Background(), "token")
	require.NoError(t, err)
	assert.True(t, result.Submitted)

	entries, err := log.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, api.lastKey, entries[0].IdempotencyKey)
	assert.True(t, entries[0].Submitted)
}
