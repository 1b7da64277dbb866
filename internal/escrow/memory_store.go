package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and demo mode. A single mutex
// makes every transition atomic, mirroring the transactional guarantees of
// the Postgres store.
type MemoryStore struct {
	mu          sync.Mutex
	payments    map[string]*Payment
	disputes    map[string]*Dispute
	engagements map[string]*Engagement
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:    make(map[string]*Payment),
		disputes:    make(map[string]*Dispute),
		engagements: make(map[string]*Engagement),
	}
}

// PutEngagement seeds a collaborator engagement row. Test and demo helper.
func (m *MemoryStore) PutEngagement(e *Engagement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.engagements[e.ID] = &cp
}

// SetEngagementStatus updates the collaborator-owned lifecycle status.
// Test and demo helper; in production the engagement module owns this column.
func (m *MemoryStore) SetEngagementStatus(id string, status EngagementStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engagements[id]; ok {
		e.Status = status
	}
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	if p.EscrowHeldAt != nil {
		t := *p.EscrowHeldAt
		cp.EscrowHeldAt = &t
	}
	if p.AutoReleaseAt != nil {
		t := *p.AutoReleaseAt
		cp.AutoReleaseAt = &t
	}
	if p.EscrowReleasedAt != nil {
		t := *p.EscrowReleasedAt
		cp.EscrowReleasedAt = &t
	}
	return &cp
}

func cloneDispute(d *Dispute) *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (m *MemoryStore) CreatePending(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.engagements[p.EngagementID]; !ok {
		return ErrEngagementNotFound
	}
	for _, existing := range m.payments {
		if existing.EngagementID == p.EngagementID && !existing.Status.Terminal() {
			return ErrActiveExists
		}
	}

	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) GetPaymentByEngagement(ctx context.Context, engagementID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.latestByEngagement(engagementID)
	if p == nil {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

// latestByEngagement prefers the active payment; otherwise the newest row.
func (m *MemoryStore) latestByEngagement(engagementID string) *Payment {
	var newest *Payment
	for _, p := range m.payments {
		if p.EngagementID != engagementID {
			continue
		}
		if !p.Status.Terminal() {
			return p
		}
		if newest == nil || p.CreatedAt.After(newest.CreatedAt) {
			newest = p
		}
	}
	return newest
}

func (m *MemoryStore) GetPaymentByGatewayOrder(ctx context.Context, gatewayOrderID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.payments {
		if p.GatewayOrderID == gatewayOrderID {
			return clonePayment(p), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) GetEngagement(ctx context.Context, id string) (*Engagement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.engagements[id]
	if !ok {
		return nil, ErrEngagementNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) MarkHeld(ctx context.Context, paymentID, gatewayPaymentID, gatewaySignature string, autoReleaseAt time.Time) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return nil, false, ErrPaymentNotFound
	}

	if p.Status == StatusEscrowHeld {
		return clonePayment(p), false, nil
	}
	if p.Status != StatusPendingPayment && p.Status != StatusProcessing {
		return nil, false, ErrInvalidState
	}

	now := time.Now()
	p.Status = StatusEscrowHeld
	p.GatewayPaymentID = gatewayPaymentID
	p.GatewaySignature = gatewaySignature
	p.EscrowHeldAt = &now
	p.AutoReleaseAt = &autoReleaseAt
	p.UpdatedAt = now

	if e, ok := m.engagements[p.EngagementID]; ok {
		e.EscrowStatus = string(StatusEscrowHeld)
		e.EscrowAmount = p.Amount
		e.EscrowPaidAt = &now
	}

	return clonePayment(p), true, nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, paymentID, reason string) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return nil, false, ErrPaymentNotFound
	}

	if p.Status == StatusFailed {
		return clonePayment(p), false, nil
	}
	if p.Status != StatusPendingPayment && p.Status != StatusProcessing {
		return nil, false, ErrInvalidState
	}

	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = time.Now()

	return clonePayment(p), true, nil
}

func (m *MemoryStore) Release(ctx context.Context, paymentID, actor string, isAuto bool) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return nil, false, ErrPaymentNotFound
	}

	if p.Status == StatusEscrowReleased {
		return clonePayment(p), false, nil
	}
	if p.Status != StatusEscrowHeld {
		return nil, false, ErrInvalidState
	}

	e, ok := m.engagements[p.EngagementID]
	if !ok {
		return nil, false, ErrEngagementNotFound
	}
	if err := releasable(e.Status, isAuto); err != nil {
		return nil, false, err
	}

	now := time.Now()
	p.Status = StatusEscrowReleased
	p.ReleasedToPayee = true
	p.ReleasedBy = actor
	p.EscrowReleasedAt = &now
	p.AutoReleaseAt = nil
	p.UpdatedAt = now
	e.EscrowStatus = string(StatusEscrowReleased)

	return clonePayment(p), true, nil
}

func (m *MemoryStore) OpenDispute(ctx context.Context, d *Dispute) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[d.PaymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.Status != StatusEscrowHeld {
		return nil, ErrInvalidState
	}
	for _, existing := range m.disputes {
		if existing.PaymentID == d.PaymentID && !existing.Status.Terminal() {
			return nil, ErrActiveExists
		}
	}

	m.disputes[d.ID] = cloneDispute(d)
	p.AutoReleaseAt = nil
	p.DisputeID = d.ID
	p.UpdatedAt = time.Now()

	return clonePayment(p), nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return cloneDispute(d), nil
}

func (m *MemoryStore) ResolveDispute(ctx context.Context, disputeID string, res Resolution, refundPercent int, notes, actor string) (*Dispute, *Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[disputeID]
	if !ok {
		return nil, nil, ErrDisputeNotFound
	}
	if d.Status.Terminal() {
		return nil, nil, ErrDisputeClosed
	}

	p, ok := m.payments[d.PaymentID]
	if !ok {
		return nil, nil, ErrPaymentNotFound
	}
	if p.Status != StatusEscrowHeld {
		return nil, nil, ErrInvalidState
	}

	settlement, err := settlementFor(res, refundPercent, p.Amount)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	d.Status = DisputeResolved
	d.Resolution = res
	d.RefundPercentage = settlement.RefundPercentage
	d.Notes = notes
	d.ResolvedAt = &now
	d.ResolvedBy = actor

	p.Status = settlement.Status
	p.RefundAmount = settlement.Refund
	p.RefundPercentage = settlement.RefundPercentage
	p.AutoReleaseAt = nil
	p.UpdatedAt = now
	// released_by identifies who moved funds to the payee; refund outcomes
	// leave it empty (the dispute row's resolvedBy carries the audit trail).
	if settlement.Status == StatusEscrowReleased {
		p.ReleasedToPayee = true
		p.ReleasedBy = actor
		p.EscrowReleasedAt = &now
	}

	if e, ok := m.engagements[p.EngagementID]; ok {
		e.EscrowStatus = string(settlement.Status)
	}

	return cloneDispute(d), clonePayment(p), nil
}

func (m *MemoryStore) ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Payment
	for _, p := range m.payments {
		if p.Status != StatusEscrowHeld || p.EscrowReleasedAt != nil {
			continue
		}
		if p.AutoReleaseAt == nil || p.AutoReleaseAt.After(now) {
			continue
		}
		due = append(due, clonePayment(p))
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].AutoReleaseAt.Before(*due[j].AutoReleaseAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
