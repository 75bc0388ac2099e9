// Package redisprice is a reference PriceSource that polls a Redis key
// holding a JSON-encoded index price and emits a tick only when the
// parsed value changes.
package redisprice

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openalpha/ladder-mm/internal/core"
)

// Source polls one Redis key via a go-redis client.
type Source struct {
	client *redis.Client
	logger core.ILogger
}

// New constructs a Source over an already-configured go-redis client.
func New(client *redis.Client, logger core.ILogger) *Source {
	return &Source{client: client, logger: logger.WithField("component", "redis_price_source")}
}

// NewFromConnectionString builds the go-redis client from a connection
// string of the form redis://[:password@]host:port/db.
func NewFromConnectionString(connectionString string, logger core.ILogger) (*Source, error) {
	opts, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(opts), logger), nil
}

type indexPricePayload struct {
	IndexPrice float64 `json:"IndexPrice"`
}

// parsePrice decodes the raw Redis value into an index price. Extracted
// from the poll loop so payload decoding is testable without a live Redis
// connection; change detection stays in Subscribe.
func parsePrice(raw string) (float64, error) {
	var payload indexPricePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return 0, err
	}
	return payload.IndexPrice, nil
}

// Subscribe polls key every pollInterval milliseconds and emits a
// PriceTick only when the parsed IndexPrice value changes. Parse
// failures suppress that tick without terminating the stream; the
// stream completes cleanly when ctx is cancelled.
func (s *Source) Subscribe(ctx context.Context, key string, pollInterval int) (<-chan core.PriceTick, error) {
	out := make(chan core.PriceTick)

	go func() {
		defer close(out)

		ticker := time.NewTicker(time.Duration(pollInterval) * time.Millisecond)
		defer ticker.Stop()

		var lastPrice float64
		haveLast := false

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				raw, err := s.client.Get(ctx, key).Result()
				if err != nil {
					if err != redis.Nil {
						s.logger.Warn("redis price read failed", "key", key, "error", err.Error())
					}
					continue
				}

				price, err := parsePrice(raw)
				if err != nil {
					s.logger.Warn("redis price payload parse failed, skipping tick", "key", key, "error", err.Error())
					continue
				}

				if haveLast && price == lastPrice {
					continue
				}
				lastPrice = price
				haveLast = true

				tick := core.PriceTick{Price: price, Timestamp: time.Now()}
				select {
				case out <- tick:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases the underlying Redis connection pool.
func (s *Source) Close() error {
	return s.client.Close()
}
