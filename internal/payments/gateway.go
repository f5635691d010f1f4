package payments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	gatewayTimeout = 10 * time.Second

	// Retry configuration
	maxAttempts    = 3
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrGatewayUnavailable means the payment gateway could not accept the
// checkout after retries. The order is rolled back; the caller may retry the
// whole operation.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// CheckoutRequest is the payload sent to the gateway to open a checkout
// session for an order.
type CheckoutRequest struct {
	PaymentRef  string `json:"payment_ref"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// Gateway opens checkout sessions with the external payment provider.
type Gateway interface {
	InitiateCheckout(ctx context.Context, req CheckoutRequest) error
}

// HTTPGateway talks to the provider over HTTP.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewHTTPGateway creates a gateway client for the given base URL
func NewHTTPGateway(baseURL string, log *zap.Logger) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: gatewayTimeout},
		log:     log,
	}
}

// InitiateCheckout registers the payment reference with the provider.
// Transport failures and 5xx responses retry with exponential backoff; a 4xx
// response aborts immediately since resending the same request cannot help.
func (g *HTTPGateway) InitiateCheckout(ctx context.Context, req CheckoutRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal checkout request: %w", err)
	}

	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/checkout", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build checkout request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(httpReq)
		if err != nil {
			lastErr = err
			g.log.Warn("Checkout request failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.String("payment_ref", req.PaymentRef),
				zap.Error(err),
			)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			g.log.Info("Checkout session opened",
				zap.String("payment_ref", req.PaymentRef),
				zap.Int64("amount_cents", req.AmountCents),
			)
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return fmt.Errorf("%w: checkout rejected with status %d", ErrGatewayUnavailable, resp.StatusCode)
		default:
			lastErr = fmt.Errorf("gateway returned status %d", resp.StatusCode)
			g.log.Warn("Checkout not accepted, retrying",
				zap.Int("attempt", attempt+1),
				zap.Int("status", resp.StatusCode),
			)
		}
	}

	g.log.Error("Checkout failed after retries",
		zap.String("payment_ref", req.PaymentRef),
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, lastErr)
}
