package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openalpha/ladder-mm/internal/core"
)

type bearerTokenKey struct{}
type idempotencyKeyCtxKey struct{}

// withBearer attaches the bearer token to the request context; do
// collects it and sets the Authorization header.
func withBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerTokenKey{}, token)
}

func bearerFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(bearerTokenKey{}).(string)
	return token, ok
}

// withIdempotencyKey attaches a fresh per-call idempotency key to the
// request context; do sets it as the Idempotency-Key header so retried
// submits/cancels are safe to replay at the venue.
func withIdempotencyKey(ctx context.Context) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtxKey{}, uuid.NewString())
}

func idempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKeyCtxKey{}).(string)
	return key, ok
}

func nowFn() time.Time {
	return time.Now()
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}

// Adapter implements core.OrderApi, core.AccountApi and core.AuthApi
// against the reference JSON wire schema.
type Adapter struct {
	client *Client
}

// NewAdapter wraps a Client with the venue's wire DTOs.
func NewAdapter(client *Client) *Adapter {
	return &Adapter{client: client}
}

type submitLimitRequest struct {
	Side            string `json:"side"`
	PriceBase       uint64 `json:"price_base"`
	QtyBase         uint64 `json:"qty_base"`
	MarginFactorPPM uint64 `json:"margin_factor_ppm"`
	ClientOrderID   string `json:"client_order_id"`
}

type submitLimitResponse struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	FilledQty uint64 `json:"filled_qty"`
}

// SubmitLimit places one resting limit order.
func (a *Adapter) SubmitLimit(ctx context.Context, side core.Side, priceBase, qtyBase uint64, marginFactorPPM uint64, clientOrderID string, token string) (core.OrderResult, error) {
	req := submitLimitRequest{
		Side:            side.String(),
		PriceBase:       priceBase,
		QtyBase:         qtyBase,
		MarginFactorPPM: marginFactorPPM,
		ClientOrderID:   clientOrderID,
	}

	body, err := a.client.do(withIdempotencyKey(withBearer(ctx, token)), "POST", "/v1/orders", req)
	if err != nil {
		return core.OrderResult{}, err
	}

	var resp submitLimitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderResult{}, fmt.Errorf("decode submit_limit response: %w", err)
	}

	return core.OrderResult{
		OrderID:   core.OrderID(resp.OrderID),
		Status:    resp.Status,
		FilledQty: resp.FilledQty,
	}, nil
}

type cancelResponse struct {
	OrderID     string `json:"order_id"`
	UnfilledQty uint64 `json:"unfilled_qty"`
}

// Cancel cancels a resting order by ID.
func (a *Adapter) Cancel(ctx context.Context, orderID core.OrderID, token string) (core.CancelResult, error) {
	body, err := a.client.do(withIdempotencyKey(withBearer(ctx, token)), "DELETE", "/v1/orders/"+string(orderID), nil)
	if err != nil {
		return core.CancelResult{}, err
	}

	var resp cancelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.CancelResult{}, fmt.Errorf("decode cancel response: %w", err)
	}

	return core.CancelResult{OrderID: core.OrderID(resp.OrderID), UnfilledQty: resp.UnfilledQty}, nil
}

type positionDTO struct {
	ID         string `json:"id"`
	Side       string `json:"side"`
	Quantity   uint64 `json:"qty"`
	EntryPrice uint64 `json:"entry_price"`
}

type accountResponse struct {
	Balance   uint64        `json:"balance"`
	Positions []positionDTO `json:"positions"`
}

// GetAccount fetches balance and open positions.
func (a *Adapter) GetAccount(ctx context.Context, token string) (core.AccountSnapshot, error) {
	body, err := a.client.do(withBearer(ctx, token), "GET", "/v1/account", nil)
	if err != nil {
		return core.AccountSnapshot{}, err
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.AccountSnapshot{}, fmt.Errorf("decode get_account response: %w", err)
	}

	positions := make([]core.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		side := core.Long
		if p.Side == "short" {
			side = core.Short
		}
		positions = append(positions, core.Position{
			PositionID: p.ID,
			Side:       side,
			Quantity:   p.Quantity,
			EntryPrice: p.EntryPrice,
		})
	}

	return core.AccountSnapshot{Balance: resp.Balance, Positions: positions}, nil
}

type settleRequest struct {
	Entries        []settleEntryDTO `json:"entries"`
	IdempotencyKey string           `json:"idempotency_key"`
}

type settleEntryDTO struct {
	PositionID string `json:"position_id"`
	Quantity   uint64 `json:"quantity"`
}

type settleResponse struct {
	SettlementID string `json:"settlement_id"`
}

// Settle submits a settlement plan carrying the caller-supplied
// idempotency key in the request body.
func (a *Adapter) Settle(ctx context.Context, plan core.SettlementPlan, token string, idempotencyKey string) (core.SettlementResult, error) {
	entries := make([]settleEntryDTO, 0, len(plan.Entries))
	for _, e := range plan.Entries {
		entries = append(entries, settleEntryDTO{PositionID: e.PositionID, Quantity: e.Quantity})
	}

	body, err := a.client.do(withBearer(ctx, token), "POST", "/v1/settle", settleRequest{
		Entries:        entries,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return core.SettlementResult{}, err
	}

	var resp settleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.SettlementResult{}, fmt.Errorf("decode settle response: %w", err)
	}
	return core.SettlementResult{SettlementID: resp.SettlementID}, nil
}

type marketInfoResponse struct {
	TradingDecimals    uint32 `json:"trading_decimals"`
	SettlementDecimals uint32 `json:"settlement_decimals"`
}

// GetMarketInfo fetches the venue's authoritative decimal exponents.
func (a *Adapter) GetMarketInfo(ctx context.Context) (core.MarketInfo, error) {
	body, err := a.client.do(ctx, "GET", "/v1/market-info", nil)
	if err != nil {
		return core.MarketInfo{}, err
	}

	var resp marketInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.MarketInfo{}, fmt.Errorf("decode market_info response: %w", err)
	}
	return core.MarketInfo{TradingDecimals: resp.TradingDecimals, SettlementDecimals: resp.SettlementDecimals}, nil
}

type authResponse struct {
	Token           string `json:"token"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

// Authenticate performs the venue's challenge/signature exchange. The
// signing step itself lives in the Signer supplied at construction; this
// method only executes the resulting authenticated request.
func (a *Adapter) Authenticate(ctx context.Context) (core.AuthToken, error) {
	body, err := a.client.do(ctx, "POST", "/v1/auth", nil)
	if err != nil {
		return core.AuthToken{}, err
	}

	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.AuthToken{}, fmt.Errorf("decode auth response: %w", err)
	}

	return core.AuthToken{
		Token:     resp.Token,
		ExpiresAt: nowFn().Add(secondsToDuration(resp.ExpiresInSeconds)),
	}, nil
}
