package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/ladder-mm/internal/core"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	log, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func samplePlan() core.SettlementPlan {
	return core.SettlementPlan{
		Entries: []core.SettlementEntry{
			{PositionID: "short-1", Quantity: 100},
			{PositionID: "long-1", Quantity: 100},
		},
	}
}

func TestRecordAndRecentRoundTripsSuccessfulSettlement(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	plan := samplePlan()
	result := core.SettlementResult{SettlementID: "settle-1", Submitted: true}
	require.NoError(t, log.Record(ctx, plan, "idem-1", result, nil))

	entries, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "idem-1", entries[0].IdempotencyKey)
	assert.Equal(t, "settle-1", entries[0].SettlementID)
	assert.True(t, entries[0].Submitted)
	assert.Empty(t, entries[0].Error)
	assert.Equal(t, plan.Entries, entries[0].Plan.Entries)
}

func TestRecordPersistsFailureOutcome(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	plan := samplePlan()
	require.NoError(t, log.Record(ctx, plan, "idem-2", core.SettlementResult{}, errors.New("transport error during settle")))

	entries, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Submitted)
	assert.Equal(t, "transport error during settle", entries[0].Error)
}

func TestRecentOrdersNewestFirstAndRespectsLimit(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	for i, key := range []string{"idem-a", "idem-b", "idem-c"} {
		plan := samplePlan()
		result := core.SettlementResult{SettlementID: key, Submitted: true}
		require.NoError(t, log.Record(ctx, plan, key, result, nil), "entry %d", i)
	}

	entries, err := log.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "idem-c", entries[0].IdempotencyKey)
	assert.Equal(t, "idem-b", entries[1].IdempotencyKey)
}
