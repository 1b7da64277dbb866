// Package gateway turns at-least-once payment-gateway callbacks into
// exactly-once ledger effects.
//
// Every delivery is verified against a shared HMAC secret before anything
// else happens. Verified deliveries are deduplicated through a WebhookEvent
// record keyed by the gateway's event id: a replay conflicts on insert and
// is acknowledged without touching the ledger.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kaamkart/escrow/internal/escrow"
	"github.com/kaamkart/escrow/internal/logging"
	"github.com/kaamkart/escrow/internal/metrics"
	"github.com/kaamkart/escrow/internal/money"
)

// EventType is the closed set of gateway callbacks the engine understands.
type EventType string

const (
	EventPaymentCaptured EventType = "payment-captured"
	EventPaymentFailed   EventType = "payment-failed"
	EventRefundProcessed EventType = "refund-processed"
)

// Event is the parsed gateway callback payload.
type Event struct {
	ID          string    `json:"id" binding:"required"`
	Type        EventType `json:"event" binding:"required"`
	OrderID     string    `json:"orderId"`
	PaymentID   string    `json:"paymentId"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	ErrorReason string    `json:"errorReason,omitempty"`
}

// Record is the dedup row persisted per delivered event.
type Record struct {
	GatewayEventID string     `json:"gatewayEventId"`
	Type           string     `json:"type"`
	ReceivedAt     time.Time  `json:"receivedAt"`
	ProcessedAt    *time.Time `json:"processedAt,omitempty"`
	Outcome        string     `json:"outcome,omitempty"`
}

// Processing outcomes recorded on the dedup row.
const (
	OutcomeApplied   = "applied"   // ledger transition performed
	OutcomeNoop      = "noop"      // already in target state
	OutcomeUnmatched = "unmatched" // no payment for the gateway order
	OutcomeMismatch  = "mismatch"  // refund amount disagreed with the ledger
	OutcomeError     = "error"     // internal failure, left for reconciliation
)

// EventStore persists webhook dedup records.
type EventStore interface {
	// Insert records the event, returning false if the gateway event id was
	// already seen (replay).
	Insert(ctx context.Context, r *Record) (bool, error)
	// MarkProcessed stamps the processing outcome on the dedup row.
	MarkProcessed(ctx context.Context, gatewayEventID, outcome string) error
}

// MemoryEventStore is an in-memory EventStore for tests and demo mode.
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string]*Record
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*Record)}
}

func (m *MemoryEventStore) Insert(ctx context.Context, r *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[r.GatewayEventID]; ok {
		return false, nil
	}
	cp := *r
	m.events[r.GatewayEventID] = &cp
	return true, nil
}

func (m *MemoryEventStore) MarkProcessed(ctx context.Context, gatewayEventID, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.events[gatewayEventID]
	if !ok {
		return errors.New("webhook event not found")
	}
	now := time.Now()
	r.ProcessedAt = &now
	r.Outcome = outcome
	return nil
}

var _ EventStore = (*MemoryEventStore)(nil)

// Verifier checks gateway HMAC signatures over the raw request body.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the shared gateway secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify reports whether signature is a valid hex HMAC-SHA256 of body.
func (v *Verifier) Verify(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// Sign produces the hex HMAC-SHA256 of body. Test helper for simulating
// gateway deliveries.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Ingestor drives the escrow ledger from verified, deduplicated events.
type Ingestor struct {
	escrow *escrow.Service
	events EventStore
}

// NewIngestor creates a webhook ingestor.
func NewIngestor(escrowService *escrow.Service, events EventStore) *Ingestor {
	return &Ingestor{escrow: escrowService, events: events}
}

// Ingest deduplicates the event and applies it to the ledger. The returned
// outcome is informational; internal failures are captured in logs and the
// dedup row, never bubbled to the gateway (which would only trigger a retry
// storm for a delivery we have already accepted).
func (i *Ingestor) Ingest(ctx context.Context, evt *Event, signature string) string {
	log := logging.L(ctx)

	inserted, err := i.events.Insert(ctx, &Record{
		GatewayEventID: evt.ID,
		Type:           string(evt.Type),
		ReceivedAt:     time.Now(),
	})
	if err != nil {
		log.Error("failed to record webhook event", "eventId", evt.ID, "error", err)
		metrics.WebhookEventsTotal.WithLabelValues(string(evt.Type), OutcomeError).Inc()
		return OutcomeError
	}
	if !inserted {
		// Replay: the first delivery owns processing; this one is a pure ack.
		log.Info("duplicate webhook delivery ignored", "eventId", evt.ID, "type", evt.Type)
		metrics.WebhookEventsTotal.WithLabelValues(string(evt.Type), "duplicate").Inc()
		return OutcomeNoop
	}

	outcome := i.apply(ctx, evt, signature)

	if err := i.events.MarkProcessed(ctx, evt.ID, outcome); err != nil {
		log.Warn("failed to stamp webhook outcome", "eventId", evt.ID, "error", err)
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(evt.Type), outcome).Inc()
	return outcome
}

func (i *Ingestor) apply(ctx context.Context, evt *Event, signature string) string {
	log := logging.L(ctx)

	switch evt.Type {
	case EventPaymentCaptured:
		return i.applyCaptured(ctx, evt, signature)
	case EventPaymentFailed:
		return i.applyFailed(ctx, evt)
	case EventRefundProcessed:
		return i.applyRefundProcessed(ctx, evt)
	default:
		log.Info("ignoring unrecognized webhook event type",
			"eventId", evt.ID, "type", evt.Type)
		return OutcomeNoop
	}
}

func (i *Ingestor) applyCaptured(ctx context.Context, evt *Event, signature string) string {
	log := logging.L(ctx)

	p, err := i.escrow.GetPaymentByGatewayOrder(ctx, evt.OrderID)
	if errors.Is(err, escrow.ErrPaymentNotFound) {
		// Nothing to retry: the order is not ours (or was purged). Ack.
		log.Warn("capture for unknown gateway order acknowledged",
			"eventId", evt.ID, "orderId", evt.OrderID)
		return OutcomeUnmatched
	}
	if err != nil {
		log.Error("failed to look up payment for capture",
			"eventId", evt.ID, "orderId", evt.OrderID, "error", err)
		return OutcomeError
	}

	if p.Status.Terminal() || p.Status == escrow.StatusEscrowHeld {
		log.Info("capture for settled payment acknowledged as no-op",
			"eventId", evt.ID, "paymentId", p.ID, "status", p.Status)
		return OutcomeNoop
	}

	held, err := i.escrow.MarkHeld(ctx, p.ID, evt.PaymentID, signature)
	if err != nil {
		if errors.Is(err, escrow.ErrInvalidState) {
			// Lost a race with a concurrent delivery; the money moved once.
			return OutcomeNoop
		}
		log.Error("failed to mark payment held",
			"eventId", evt.ID, "paymentId", p.ID, "error", err)
		return OutcomeError
	}

	log.Info("escrow captured",
		"paymentId", held.ID,
		"engagementId", held.EngagementID,
		"amount", int64(held.Amount),
		"autoReleaseAt", held.AutoReleaseAt,
	)
	return OutcomeApplied
}

func (i *Ingestor) applyFailed(ctx context.Context, evt *Event) string {
	log := logging.L(ctx)

	p, err := i.escrow.GetPaymentByGatewayOrder(ctx, evt.OrderID)
	if errors.Is(err, escrow.ErrPaymentNotFound) {
		log.Warn("failure for unknown gateway order acknowledged",
			"eventId", evt.ID, "orderId", evt.OrderID)
		return OutcomeUnmatched
	}
	if err != nil {
		log.Error("failed to look up payment for failure event",
			"eventId", evt.ID, "orderId", evt.OrderID, "error", err)
		return OutcomeError
	}

	reason := evt.ErrorReason
	if reason == "" {
		reason = evt.ErrorCode
	}

	failed, err := i.escrow.MarkFailed(ctx, p.ID, reason)
	if err != nil {
		if errors.Is(err, escrow.ErrInvalidState) {
			// Funds are already held or settled; a late failure event is noise.
			log.Info("failure event for settled payment acknowledged as no-op",
				"eventId", evt.ID, "paymentId", p.ID, "status", p.Status)
			return OutcomeNoop
		}
		log.Error("failed to mark payment failed",
			"eventId", evt.ID, "paymentId", p.ID, "error", err)
		return OutcomeError
	}

	log.Info("payment capture failed",
		"paymentId", failed.ID, "reason", failed.FailureReason)
	return OutcomeApplied
}

// applyRefundProcessed confirms a refund the resolver already recorded. A
// mismatched amount is flagged for manual reconciliation; the ledger is
// never silently overwritten to match the gateway.
func (i *Ingestor) applyRefundProcessed(ctx context.Context, evt *Event) string {
	log := logging.L(ctx)

	p, err := i.escrow.GetPaymentByGatewayOrder(ctx, evt.OrderID)
	if errors.Is(err, escrow.ErrPaymentNotFound) {
		log.Warn("refund confirmation for unknown gateway order acknowledged",
			"eventId", evt.ID, "orderId", evt.OrderID)
		return OutcomeUnmatched
	}
	if err != nil {
		log.Error("failed to look up payment for refund confirmation",
			"eventId", evt.ID, "orderId", evt.OrderID, "error", err)
		return OutcomeError
	}

	if money.Amount(evt.Amount) != p.RefundAmount {
		metrics.ReconciliationAlertsTotal.Inc()
		log.Warn("refund amount mismatch flagged for reconciliation",
			"eventId", evt.ID,
			"paymentId", p.ID,
			"ledgerRefund", int64(p.RefundAmount),
			"gatewayRefund", evt.Amount,
		)
		return OutcomeMismatch
	}

	log.Info("refund confirmed by gateway",
		"paymentId", p.ID, "refundAmount", int64(p.RefundAmount))
	return OutcomeApplied
}

// checkEventID guards against pathological ids before they reach storage.
func checkEventID(id string) error {
	if id == "" {
		return errors.New("event id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("event id too long (%d chars)", len(id))
	}
	return nil
}
