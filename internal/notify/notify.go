// Package notify delivers payment transition events to the marketplace
// backend.
//
// Deliveries are fire-and-forget: the ledger's money movement has already
// committed by the time a notification is attempted, so a delivery failure is
// logged and counted but never surfaced to the caller. The marketplace is
// expected to reconcile missed events from the payment read endpoints.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kaamkart/escrow/internal/circuitbreaker"
	"github.com/kaamkart/escrow/internal/escrow"
	"github.com/kaamkart/escrow/internal/idgen"
	"github.com/kaamkart/escrow/internal/metrics"
	"github.com/kaamkart/escrow/internal/retry"
)

const (
	dispatchTimeout = 30 * time.Second
	maxAttempts     = 3
	baseDelay       = time.Second

	breakerKey          = "marketplace"
	breakerThreshold    = 5
	breakerOpenDuration = time.Minute
)

// Event is the envelope posted to the marketplace callback URL.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payment   *escrow.Payment `json:"payment"`
}

// Dispatcher posts signed transition events to a single callback URL. It
// implements escrow.Notifier.
type Dispatcher struct {
	url     string
	secret  string
	client  *http.Client
	logger  *slog.Logger
	delay   time.Duration
	breaker *circuitbreaker.Breaker
}

// NewDispatcher creates a notification dispatcher. url may be empty, in which
// case every delivery is a silent no-op.
func NewDispatcher(url, secret string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		delay:   baseDelay,
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenDuration),
	}
}

// PaymentTransition delivers one transition event asynchronously. The caller's
// context is not reused: the caller's request finishes independently of the
// delivery.
func (d *Dispatcher) PaymentTransition(ctx context.Context, event string, p *escrow.Payment) {
	if d == nil || d.url == "" {
		return
	}

	evt := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      event,
		Timestamp: time.Now(),
		Payment:   p,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		d.deliver(ctx, evt)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, evt *Event) {
	if !d.breaker.Allow(breakerKey) {
		metrics.NotifyDeliveriesTotal.WithLabelValues("suppressed").Inc()
		d.logger.Debug("notification suppressed, marketplace circuit open",
			"event", evt.Type, "paymentId", evt.Payment.ID)
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		metrics.NotifyDeliveriesTotal.WithLabelValues("error").Inc()
		d.logger.Error("failed to marshal notification", "event", evt.Type, "error", err)
		return
	}

	err = retry.Do(ctx, maxAttempts, d.delay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Escrow-Event", evt.Type)
		req.Header.Set("X-Escrow-Timestamp", fmt.Sprintf("%d", evt.Timestamp.Unix()))
		if d.secret != "" {
			req.Header.Set("X-Escrow-Signature", sign(payload, d.secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("receiver rejected event: status %d", resp.StatusCode))
		}
		return fmt.Errorf("receiver error: status %d", resp.StatusCode)
	})
	if err != nil {
		d.breaker.RecordFailure(breakerKey)
		metrics.NotifyDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("notification delivery failed",
			"event", evt.Type,
			"paymentId", evt.Payment.ID,
			"error", err,
		)
		return
	}

	d.breaker.RecordSuccess(breakerKey)
	metrics.NotifyDeliveriesTotal.WithLabelValues("delivered").Inc()
	d.logger.Debug("notification delivered", "event", evt.Type, "paymentId", evt.Payment.ID)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

var _ escrow.Notifier = (*Dispatcher)(nil)
