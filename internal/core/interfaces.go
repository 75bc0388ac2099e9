package core

import "context"

// ILogger is the structured logging capability every component is built
// against; internal/logging provides the zap-backed implementation.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// PriceSource is the external index-price feed. Subscribe
// emits only on value change; on transient read/parse errors the stream
// continues, and it completes cleanly when ctx is cancelled.
type PriceSource interface {
	Subscribe(ctx context.Context, key string, pollInterval int) (<-chan PriceTick, error)
}

// OrderApi is the venue's order-entry capability. Implementations attach
// a fresh idempotency key to every SubmitLimit/Cancel call; callers never
// generate or repeat one themselves.
type OrderApi interface {
	SubmitLimit(ctx context.Context, side Side, priceBase, qtyBase uint64, marginFactorPPM uint64, clientOrderID string, token string) (OrderResult, error)
	Cancel(ctx context.Context, orderID OrderID, token string) (CancelResult, error)
}

// AccountApi is the venue's account/position capability.
type AccountApi interface {
	GetAccount(ctx context.Context, token string) (AccountSnapshot, error)
	Settle(ctx context.Context, plan SettlementPlan, token string, idempotencyKey string) (SettlementResult, error)
	GetMarketInfo(ctx context.Context) (MarketInfo, error)
}

// AuthApi is the venue's authentication capability.
type AuthApi interface {
	Authenticate(ctx context.Context) (AuthToken, error)
}
