package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names exposed to Prometheus.
const (
	MetricSubmitsTotal     = "ladder_mm_submits_total"
	MetricCancelsTotal     = "ladder_mm_cancels_total"
	MetricCancelRetries    = "ladder_mm_cancel_retries_total"
	MetricSubmitFailures   = "ladder_mm_submit_failures_total"
	MetricSTPEventsTotal   = "ladder_mm_stp_events_total"
	MetricSettlementsTotal = "ladder_mm_settlements_total"
	MetricActiveOrders     = "ladder_mm_active_orders"
)

// Holder holds the initialized instruments shared across the executor,
// settlement and orchestrator packages.
type Holder struct {
	SubmitsTotal     metric.Int64Counter
	CancelsTotal     metric.Int64Counter
	CancelRetries    metric.Int64Counter
	SubmitFailures   metric.Int64Counter
	STPEventsTotal   metric.Int64Counter
	SettlementsTotal metric.Int64Counter
	ActiveOrders     metric.Int64ObservableGauge

	mu              sync.RWMutex
	activeOrdersMap map[string]int64
}

var (
	global   *Holder
	initOnce sync.Once
)

func initMetrics(meter metric.Meter) error {
	var err error
	initOnce.Do(func() {
		h := &Holder{activeOrdersMap: make(map[string]int64)}

		h.SubmitsTotal, err = meter.Int64Counter(MetricSubmitsTotal, metric.WithDescription("Total number of order submits"))
		if err != nil {
			return
		}
		h.CancelsTotal, err = meter.Int64Counter(MetricCancelsTotal, metric.WithDescription("Total number of order cancels"))
		if err != nil {
			return
		}
		h.CancelRetries, err = meter.Int64Counter(MetricCancelRetries, metric.WithDescription("Total number of cancel retries"))
		if err != nil {
			return
		}
		h.SubmitFailures, err = meter.Int64Counter(MetricSubmitFailures, metric.WithDescription("Total number of submit failures"))
		if err != nil {
			return
		}
		h.STPEventsTotal, err = meter.Int64Counter(MetricSTPEventsTotal, metric.WithDescription("Total number of self-trade-prevention peel events"))
		if err != nil {
			return
		}
		h.SettlementsTotal, err = meter.Int64Counter(MetricSettlementsTotal, metric.WithDescription("Total number of successfully submitted settlements"))
		if err != nil {
			return
		}
		h.ActiveOrders, err = meter.Int64ObservableGauge(MetricActiveOrders, metric.WithDescription("Current number of live ladder orders"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				h.mu.RLock()
				defer h.mu.RUnlock()
				for side, count := range h.activeOrdersMap {
					o.Observe(count, metric.WithAttributes(attribute.String("side", side)))
				}
				return nil
			}))
		if err != nil {
			return
		}

		global = h
	})
	return err
}

// Global returns the process-wide metrics holder. Returns nil if Setup was
// never called (e.g. in unit tests) — callers must nil-check.
func Global() *Holder {
	return global
}

// SetActiveOrders records the current count of live orders for side.
func (h *Holder) SetActiveOrders(side string, count int64) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activeOrdersMap[side] = count
}
