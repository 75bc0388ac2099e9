package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/ladder-mm/internal/logging"
)

func testLogger(t *testing.T) *Manager {
	t.Helper()
	logger, err := logging.NewLoggerFromString("DEBUG")
	require.NoError(t, err)
	return New(logger)
}

func TestUnregisteredCapabilityIsHealthy(t *testing.T) {
	m := testLogger(t)
	status := m.Status("price_source", time.Now())
	assert.True(t, status.Healthy)
	assert.Equal(t, 0, status.ErrorCount)
}

func TestRecordErrorBelowThresholdStaysHealthy(t *testing.T) {
	m := testLogger(t)
	now := time.Now()
	for i := 0; i < 10; i++ {
		m.RecordError("order_api", now)
	}
	status := m.Status("order_api", now)
	assert.True(t, status.Healthy)
	assert.Equal(t, 10, status.ErrorCount)
}

func TestRecordErrorAboveThresholdIsUnhealthy(t *testing.T) {
	m := testLogger(t)
	now := time.Now()
	for i := 0; i < 51; i++ {
		m.RecordError("account_api", now)
	}
	status := m.Status("account_api", now)
	assert.False(t, status.Healthy)
	assert.Equal(t, 51, status.ErrorCount)
}

func TestErrorsOutsideWindowDoNotCount(t *testing.T) {
	m := testLogger(t)
	old := time.Now().Add(-10 * time.Minute)
	for i := 0; i < 60; i++ {
		m.RecordError("order_api", old)
	}
	status := m.Status("order_api", time.Now())
	assert.True(t, status.Healthy)
	assert.Equal(t, 0, status.ErrorCount)
}

func TestSnapshotAndIsHealthyAggregateAllCapabilities(t *testing.T) {
	m := testLogger(t)
	now := time.Now()
	m.RecordError("order_api", now)
	assert.True(t, m.IsHealthy(now))

	for i := 0; i < 60; i++ {
		m.RecordError("price_source", now)
	}
	assert.False(t, m.IsHealthy(now))

	snapshot := m.Snapshot(now)
	assert.True(t, snapshot["order_api"].Healthy)
	assert.False(t, snapshot["price_source"].Healthy)
}
