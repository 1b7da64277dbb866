// Package escrow is the authoritative ledger for marketplace payments.
//
// Flow:
//  1. Provider accepts an engagement → payment created in PENDING_PAYMENT
//  2. Gateway confirms capture → ESCROW_HELD, auto-release clock starts
//  3. Hold period elapses, or an admin releases → funds go to the provider
//  4. Client disputes → auto-release is suspended until an admin resolves
//  5. Resolution splits the held amount between refund and payout
//
// Every money-moving transition is a single atomic store operation guarded
// by the payment's current status, so concurrent webhooks, scheduler ticks
// and admin actions cannot double-move funds.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kaamkart/escrow/internal/idgen"
	"github.com/kaamkart/escrow/internal/money"
)

var (
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrEngagementNotFound = errors.New("engagement not found")
	ErrDisputeNotFound    = errors.New("dispute not found")
	ErrActiveExists       = errors.New("an active payment already exists for this engagement")
	ErrInvalidState       = errors.New("operation not valid in current state")
	ErrDisputeClosed      = errors.New("dispute is already resolved")
	ErrInvalidResolution  = errors.New("unknown dispute resolution")
	ErrInvalidAmount      = errors.New("invalid amount")
)

// ActorSystem marks transitions performed by the auto-release scheduler
// rather than a human administrator.
const ActorSystem = "SYSTEM"

// DefaultHoldPeriod is how long captured funds stay in escrow before
// auto-releasing to the payee.
const DefaultHoldPeriod = 7 * 24 * time.Hour

// Status is a payment's position in the escrow state machine.
type Status string

const (
	StatusPendingPayment    Status = "pending_payment"    // Created, awaiting capture
	StatusProcessing        Status = "processing"         // Capture in flight at the gateway
	StatusEscrowHeld        Status = "escrow_held"        // Funds held by the platform
	StatusEscrowReleased    Status = "escrow_released"    // Funds paid out to the payee
	StatusRefunded          Status = "refunded"           // Funds returned to the payer
	StatusPartiallyRefunded Status = "partially_refunded" // Funds split between both parties
	StatusFailed            Status = "failed"             // Capture failed at the gateway
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusEscrowReleased, StatusRefunded, StatusPartiallyRefunded, StatusFailed:
		return true
	}
	return false
}

// Payment is one money-holding record per engagement-funding attempt.
type Payment struct {
	ID               string       `json:"id"`
	EngagementID     string       `json:"engagementId"`
	PayerID          string       `json:"payerId"`
	PayeeID          string       `json:"payeeId"`
	Amount           money.Amount `json:"amount"`
	Currency         string       `json:"currency"`
	Status           Status       `json:"status"`
	GatewayOrderID   string       `json:"gatewayOrderId"`
	GatewayPaymentID string       `json:"gatewayPaymentId,omitempty"`
	GatewaySignature string       `json:"-"`
	FailureReason    string       `json:"failureReason,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	EscrowHeldAt     *time.Time   `json:"escrowHeldAt,omitempty"`
	AutoReleaseAt    *time.Time   `json:"autoReleaseAt,omitempty"`
	EscrowReleasedAt *time.Time   `json:"escrowReleasedAt,omitempty"`
	ReleasedToPayee  bool         `json:"releasedToPayee"`
	ReleasedBy       string       `json:"releasedBy,omitempty"`
	RefundAmount     money.Amount `json:"refundAmount"`
	RefundPercentage int          `json:"refundPercentage"`
	DisputeID        string       `json:"disputeId,omitempty"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// PayeeAmount is what the payee received from this payment once settled.
func (p *Payment) PayeeAmount() money.Amount {
	switch p.Status {
	case StatusEscrowReleased, StatusPartiallyRefunded, StatusRefunded:
		return p.Amount - p.RefundAmount
	}
	return 0
}

// EngagementStatus is the lifecycle status of the collaborator-owned
// engagement. The engine only reads it to gate release.
type EngagementStatus string

const (
	EngagementPending    EngagementStatus = "PENDING"
	EngagementInProgress EngagementStatus = "IN_PROGRESS"
	EngagementCompleted  EngagementStatus = "COMPLETED"
	EngagementCancelled  EngagementStatus = "CANCELLED"
)

// Engagement mirrors the escrow-relevant slice of the collaborator's
// engagement record. The engine writes only the Escrow* fields.
type Engagement struct {
	ID           string           `json:"id"`
	ClientID     string           `json:"clientId"`
	ProviderID   string           `json:"providerId"`
	Status       EngagementStatus `json:"status"`
	EscrowStatus string           `json:"escrowStatus,omitempty"`
	EscrowAmount money.Amount     `json:"escrowAmount"`
	EscrowPaidAt *time.Time       `json:"escrowPaidAt,omitempty"`
}

// DisputeStatus is a dispute's position in its lifecycle.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeClosedState DisputeStatus = "closed"
)

// Terminal reports whether the dispute can no longer be resolved.
func (s DisputeStatus) Terminal() bool {
	return s == DisputeResolved || s == DisputeClosedState
}

// Resolution is the closed set of dispute outcomes.
type Resolution string

const (
	ResolutionReleaseToPayee Resolution = "release_to_payee"
	ResolutionFullRefund     Resolution = "full_refund"
	ResolutionPartialRefund  Resolution = "partial_refund"
	// ResolutionNoRefund settles identically to release_to_payee but is kept
	// distinct in the audit trail.
	ResolutionNoRefund Resolution = "no_refund"
)

// Dispute is one contested payment awaiting an administrative decision.
type Dispute struct {
	ID               string        `json:"id"`
	PaymentID        string        `json:"paymentId"`
	RaisedBy         string        `json:"raisedBy"`
	Reason           string        `json:"reason"`
	Status           DisputeStatus `json:"status"`
	Resolution       Resolution    `json:"resolution,omitempty"`
	RefundPercentage int           `json:"refundPercentage"`
	Notes            string        `json:"notes,omitempty"`
	ResolvedAt       *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedBy       string        `json:"resolvedBy,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// Settlement is the deterministic outcome of a dispute resolution: the
// terminal payment status plus the refund share.
type Settlement struct {
	Status           Status
	Refund           money.Amount
	RefundPercentage int
}

// settlementFor maps a resolution onto a terminal payment state. The switch
// is exhaustive over the Resolution set; anything else is rejected.
func settlementFor(res Resolution, refundPercent int, amount money.Amount) (Settlement, error) {
	switch res {
	case ResolutionReleaseToPayee, ResolutionNoRefund:
		return Settlement{Status: StatusEscrowReleased}, nil
	case ResolutionFullRefund:
		return Settlement{Status: StatusRefunded, Refund: amount, RefundPercentage: 100}, nil
	case ResolutionPartialRefund:
		split, err := money.SplitByPercent(amount, refundPercent)
		if err != nil {
			return Settlement{}, err
		}
		st := StatusPartiallyRefunded
		// Degenerate percentages collapse to the exact outcomes.
		if refundPercent == 0 {
			st = StatusEscrowReleased
		} else if refundPercent == 100 {
			st = StatusRefunded
		}
		return Settlement{Status: st, Refund: split.Refund, RefundPercentage: refundPercent}, nil
	default:
		return Settlement{}, fmt.Errorf("%w: %q", ErrInvalidResolution, res)
	}
}

// releasable is the single gate for moving held funds to the payee. Manual
// release requires the engagement to be COMPLETED; auto-release treats the
// elapsed hold period as the client's objection window and does not, since a
// disputed payment never reaches the scheduler (autoReleaseAt is cleared).
func releasable(engStatus EngagementStatus, isAuto bool) error {
	if isAuto {
		return nil
	}
	if engStatus != EngagementCompleted {
		return fmt.Errorf("%w: cannot release escrow for %s engagement; must be COMPLETED",
			ErrInvalidState, engStatus)
	}
	return nil
}

// Store persists payments, disputes and the engagement escrow mirror.
//
// Each mutating method is a single atomic transition: implementations must
// apply the status guard and all row updates in one transaction (or one
// critical section), never read-then-write across calls. The bool result of
// guarded transitions distinguishes "applied now" from "already in the target
// state" (idempotent no-op).
type Store interface {
	CreatePending(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByEngagement(ctx context.Context, engagementID string) (*Payment, error)
	GetPaymentByGatewayOrder(ctx context.Context, gatewayOrderID string) (*Payment, error)
	GetEngagement(ctx context.Context, id string) (*Engagement, error)

	// MarkHeld transitions PENDING_PAYMENT/PROCESSING → ESCROW_HELD and
	// stamps the escrow mirror. Already ESCROW_HELD returns (row, false, nil).
	MarkHeld(ctx context.Context, paymentID, gatewayPaymentID, gatewaySignature string, autoReleaseAt time.Time) (*Payment, bool, error)

	// MarkFailed transitions PENDING_PAYMENT/PROCESSING → FAILED. Already
	// FAILED returns (row, false, nil).
	MarkFailed(ctx context.Context, paymentID, reason string) (*Payment, bool, error)

	// Release transitions ESCROW_HELD → ESCROW_RELEASED, consulting
	// releasable() against the engagement status inside the transaction.
	// Already released returns (row, false, nil).
	Release(ctx context.Context, paymentID, actor string, isAuto bool) (*Payment, bool, error)

	// OpenDispute inserts the dispute and clears the payment's autoReleaseAt
	// in one transaction. The payment must be ESCROW_HELD.
	OpenDispute(ctx context.Context, d *Dispute) (*Payment, error)

	GetDispute(ctx context.Context, id string) (*Dispute, error)

	// ResolveDispute performs the terminal dispute + payment + mirror write
	// in one transaction. The dispute must be OPEN/UNDER_REVIEW and the
	// payment ESCROW_HELD.
	ResolveDispute(ctx context.Context, disputeID string, res Resolution, refundPercent int, notes, actor string) (*Dispute, *Payment, error)

	// ListDueForRelease returns ESCROW_HELD payments whose autoReleaseAt has
	// passed and that have not been released.
	ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*Payment, error)
}

// Notifier receives fire-and-forget transition events. Implementations must
// never block money movement or surface delivery failures to the caller.
type Notifier interface {
	PaymentTransition(ctx context.Context, event string, p *Payment)
}

// OrderCreator registers a collectable order with the external payment
// gateway and returns its order id.
type OrderCreator interface {
	CreateOrder(ctx context.Context, amount money.Amount, currency, receipt string) (string, error)
}

// Service implements the escrow lifecycle on top of a Store.
type Service struct {
	store      Store
	notifier   Notifier
	orders     OrderCreator
	holdPeriod time.Duration
}

// NewService creates an escrow service with the default hold period.
func NewService(store Store) *Service {
	return &Service{store: store, holdPeriod: DefaultHoldPeriod}
}

// WithNotifier adds a fire-and-forget transition notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithOrderCreator adds a gateway order client used at payment creation.
func (s *Service) WithOrderCreator(o OrderCreator) *Service {
	s.orders = o
	return s
}

// WithHoldPeriod overrides the escrow hold period.
func (s *Service) WithHoldPeriod(d time.Duration) *Service {
	if d > 0 {
		s.holdPeriod = d
	}
	return s
}

// HoldPeriod returns the configured escrow hold period.
func (s *Service) HoldPeriod() time.Duration { return s.holdPeriod }

func (s *Service) notify(ctx context.Context, event string, p *Payment) {
	if s.notifier != nil {
		s.notifier.PaymentTransition(ctx, event, p)
	}
}

// CreatePendingEscrow opens a PENDING_PAYMENT record for an engagement.
// Fails with ErrActiveExists if a non-terminal payment already exists.
func (s *Service) CreatePendingEscrow(ctx context.Context, engagementID string, amount money.Amount) (*Payment, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: must be positive, got %d", ErrInvalidAmount, amount)
	}

	eng, err := s.store.GetEngagement(ctx, engagementID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p := &Payment{
		ID:             idgen.WithPrefix("pay_"),
		EngagementID:   eng.ID,
		PayerID:        eng.ClientID,
		PayeeID:        eng.ProviderID,
		Amount:         amount,
		Currency:       money.DefaultCurrency,
		Status:         StatusPendingPayment,
		GatewayOrderID: idgen.WithPrefix("order_"),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Register the order with the gateway so its capture webhook can be
	// matched back to this payment.
	if s.orders != nil {
		orderID, err := s.orders.CreateOrder(ctx, amount, p.Currency, p.ID)
		if err != nil {
			return nil, fmt.Errorf("create gateway order: %w", err)
		}
		p.GatewayOrderID = orderID
	}

	if err := s.store.CreatePending(ctx, p); err != nil {
		return nil, err
	}

	s.notify(ctx, "escrow.pending", p)
	return p, nil
}

// MarkHeld records a verified capture. Idempotent: a payment already in
// ESCROW_HELD is returned unchanged.
func (s *Service) MarkHeld(ctx context.Context, paymentID, gatewayPaymentID, gatewaySignature string) (*Payment, error) {
	autoReleaseAt := time.Now().Add(s.holdPeriod)
	p, transitioned, err := s.store.MarkHeld(ctx, paymentID, gatewayPaymentID, gatewaySignature, autoReleaseAt)
	if err != nil {
		return nil, err
	}
	if transitioned {
		s.notify(ctx, "escrow.held", p)
	}
	return p, nil
}

// MarkFailed records a capture failure. Idempotent on FAILED.
func (s *Service) MarkFailed(ctx context.Context, paymentID, reason string) (*Payment, error) {
	p, transitioned, err := s.store.MarkFailed(ctx, paymentID, reason)
	if err != nil {
		return nil, err
	}
	if transitioned {
		s.notify(ctx, "escrow.failed", p)
	}
	return p, nil
}

// Release moves held funds to the payee. actor is an admin id, or
// ActorSystem with isAuto=true for scheduler-driven calls.
func (s *Service) Release(ctx context.Context, paymentID, actor string, isAuto bool) (*Payment, error) {
	p, _, err := s.release(ctx, paymentID, actor, isAuto)
	return p, err
}

// release reports whether this call performed the transition, so the
// scheduler can tell a fresh release from an idempotent no-op.
func (s *Service) release(ctx context.Context, paymentID, actor string, isAuto bool) (*Payment, bool, error) {
	p, transitioned, err := s.store.Release(ctx, paymentID, actor, isAuto)
	if err != nil {
		return nil, false, err
	}
	if transitioned {
		s.notify(ctx, "escrow.released", p)
	}
	return p, transitioned, nil
}

// ReleaseByEngagement resolves the engagement's current payment and releases
// it. Used by the manual-release endpoint.
func (s *Service) ReleaseByEngagement(ctx context.Context, engagementID, actor string) (*Payment, error) {
	p, err := s.store.GetPaymentByEngagement(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	return s.Release(ctx, p.ID, actor, false)
}

// GetPayment returns a payment by id.
func (s *Service) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// GetPaymentByEngagement returns the engagement's current payment.
func (s *Service) GetPaymentByEngagement(ctx context.Context, engagementID string) (*Payment, error) {
	return s.store.GetPaymentByEngagement(ctx, engagementID)
}

// GetPaymentByGatewayOrder matches a gateway callback to a payment.
func (s *Service) GetPaymentByGatewayOrder(ctx context.Context, orderID string) (*Payment, error) {
	return s.store.GetPaymentByGatewayOrder(ctx, orderID)
}

// RaiseDispute opens a dispute on the engagement's held payment and suspends
// its auto-release in one atomic step.
func (s *Service) RaiseDispute(ctx context.Context, engagementID, raisedBy, reason string) (*Dispute, error) {
	p, err := s.store.GetPaymentByEngagement(ctx, engagementID)
	if err != nil {
		return nil, err
	}

	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		PaymentID: p.ID,
		RaisedBy:  raisedBy,
		Reason:    reason,
		Status:    DisputeOpen,
		CreatedAt: time.Now(),
	}

	p, err = s.store.OpenDispute(ctx, d)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, "escrow.disputed", p)
	return d, nil
}

// GetDispute returns a dispute by id.
func (s *Service) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// ResolveDispute converts an administrative decision into the terminal money
// split. refundPercent is only consulted for PARTIAL_REFUND.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, res Resolution, refundPercent int, notes, actor string) (*Dispute, *Payment, error) {
	// Validate the resolution up front so bad input never opens a transaction.
	if _, err := settlementFor(res, refundPercent, 100); err != nil {
		return nil, nil, err
	}

	d, p, err := s.store.ResolveDispute(ctx, disputeID, res, refundPercent, notes, actor)
	if err != nil {
		return nil, nil, err
	}

	s.notify(ctx, "escrow.resolved", p)
	return d, p, nil
}
