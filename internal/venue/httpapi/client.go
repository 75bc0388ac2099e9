// Package httpapi is a reference venue adapter implementing OrderApi,
// AccountApi and AuthApi over HTTP/JSON, with retry, circuit-breaking and
// client-side rate limiting.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	"github.com/openalpha/ladder-mm/internal/apperrors"
	"github.com/openalpha/ladder-mm/internal/core"
)

// APIError is a non-2xx HTTP response carrying the raw body for callers
// that need to classify venue-specific error codes.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer attaches the venue's account-level signature to an outgoing
// request (derived from account_id/private_key_hex/key_type).
type Signer interface {
	SignRequest(req *http.Request) error
}

// Client is a thin, resilient HTTP/JSON wrapper satisfying OrderApi,
// AccountApi and AuthApi against a single venue base URL.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	signer      Signer
	pipeline    failsafe.Executor[*http.Response]
	rateLimiter *rate.Limiter
	logger      core.ILogger
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithRateLimit overrides the default client-side rate limit.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(c *Client) {
		c.rateLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

// WithSigner attaches a request signer, required for any endpoint that
// needs account-level authentication (auth, orders, settle).
func WithSigner(signer Signer) Option {
	return func(c *Client) {
		c.signer = signer
	}
}

// NewClient constructs a Client with default resilience policies: 3
// retries on network errors/5xx/429 with exponential backoff, and a
// circuit breaker that opens after 5 of the last 10 requests fail.
func NewClient(baseURL string, timeout time.Duration, logger core.ILogger, opts ...Option) *Client {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	c := &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		rateLimiter: rate.NewLimiter(rate.Limit(25), 30),
		logger:      logger.WithField("component", "venue_http_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, ok := bearerFromContext(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key, ok := idempotencyKeyFromContext(ctx); ok {
		req.Header.Set("Idempotency-Key", key)
	}
	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, apperrors.NewTransportError(method+" "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransportError(method+" "+path, err)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// classifyError maps venue error-code conventions to the taxonomy the
// rest of the worker reasons about: 4xx with a recognized code becomes a
// VenueLogicalError, everything else is a TransportError.
func classifyError(status int, body []byte) error {
	var payload struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(body, &payload)

	switch payload.Code {
	case "ALREADY_FILLED_OR_CLOSED":
		return apperrors.NewVenueLogicalError(apperrors.ErrAlreadyFilledOrClosed)
	case "ORDER_UNKNOWN":
		return apperrors.NewVenueLogicalError(apperrors.ErrOrderUnknown)
	case "CHALLENGE_EXPIRED":
		return apperrors.NewVenueLogicalError(apperrors.ErrChallengeExpired)
	case "INVALID_SIGNATURE":
		return apperrors.NewVenueLogicalError(apperrors.ErrInvalidSignature)
	case "ALREADY_SETTLED":
		return apperrors.NewVenueLogicalError(apperrors.ErrAlreadySettled)
	default:
		return &APIError{StatusCode: status, Body: body}
	}
}
