package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kaamkart/escrow/internal/circuitbreaker"
	"github.com/kaamkart/escrow/internal/money"
	"github.com/kaamkart/escrow/internal/retry"
)

const (
	clientTimeout     = 10 * time.Second
	clientMaxAttempts = 3
	clientBaseDelay   = 500 * time.Millisecond

	clientBreakerKey  = "gateway"
	clientBreakerTrip = 5
	clientBreakerOpen = 30 * time.Second
)

// ErrGatewayUnavailable is returned while the gateway circuit is open.
var ErrGatewayUnavailable = fmt.Errorf("gateway temporarily unavailable")

// Client creates gateway orders over the gateway's REST API. It implements
// escrow.OrderCreator.
type Client struct {
	baseURL   string
	keyID     string
	keySecret string
	http      *http.Client
	breaker   *circuitbreaker.Breaker
}

// NewClient creates a gateway API client authenticated with the key pair.
func NewClient(baseURL, keyID, keySecret string) *Client {
	return &Client{
		baseURL:   baseURL,
		keyID:     keyID,
		keySecret: keySecret,
		http:      &http.Client{Timeout: clientTimeout},
		breaker:   circuitbreaker.New(clientBreakerTrip, clientBreakerOpen),
	}
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type createOrderResponse struct {
	ID string `json:"id"`
}

// CreateOrder registers an order with the gateway and returns its id.
// Server errors are retried with backoff; 4xx responses are not, since the
// request will not get better on resend. While the circuit is open, calls
// fail fast with ErrGatewayUnavailable instead of attempting the request.
func (c *Client) CreateOrder(ctx context.Context, amount money.Amount, currency, receipt string) (string, error) {
	if !c.breaker.Allow(clientBreakerKey) {
		return "", ErrGatewayUnavailable
	}

	payload, err := json.Marshal(createOrderRequest{
		Amount:   int64(amount),
		Currency: currency,
		Receipt:  receipt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal order request: %w", err)
	}

	var orderID string
	err = retry.Do(ctx, clientMaxAttempts, clientBaseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/v1/orders", bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(c.keyID, c.keySecret)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("gateway request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("read gateway response: %w", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var out createOrderResponse
			if err := json.Unmarshal(body, &out); err != nil {
				return retry.Permanent(fmt.Errorf("decode gateway response: %w", err))
			}
			if out.ID == "" {
				return retry.Permanent(fmt.Errorf("gateway returned empty order id"))
			}
			orderID = out.ID
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retry.Permanent(fmt.Errorf("gateway rejected order: status %d: %s",
				resp.StatusCode, truncate(body, 200)))
		default:
			return fmt.Errorf("gateway error: status %d", resp.StatusCode)
		}
	})
	if err != nil {
		c.breaker.RecordFailure(clientBreakerKey)
		return "", err
	}
	c.breaker.RecordSuccess(clientBreakerKey)
	return orderID, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
