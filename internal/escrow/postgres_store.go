package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/kaamkart/escrow/internal/money"
)

// PostgresStore persists escrow state in PostgreSQL.
//
// Every transition runs in one transaction spanning the payment row, the
// engagement escrow mirror and (for resolutions) the dispute row. The WHERE
// clause of each UPDATE carries the expected source status, so a concurrent
// duplicate affects zero rows and is reported as a no-op instead of a second
// payout.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, engagement_id, payer_id, payee_id, amount, currency, status,
	gateway_order_id, gateway_payment_id, gateway_signature, failure_reason,
	created_at, escrow_held_at, auto_release_at, escrow_released_at,
	released_to_payee, released_by, refund_amount, refund_percentage,
	dispute_id, updated_at`

const disputeColumns = `id, payment_id, raised_by, reason, status, resolution,
	refund_percentage, notes, resolved_at, resolved_by, created_at`

func (p *PostgresStore) CreatePending(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, engagement_id, payer_id, payee_id, amount, currency, status,
			gateway_order_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pay.ID, pay.EngagementID, pay.PayerID, pay.PayeeID,
		int64(pay.Amount), pay.Currency, string(pay.Status),
		pay.GatewayOrderID, pay.CreatedAt, pay.UpdatedAt,
	)
	if isConstraint(err, "payments_one_active_per_engagement") {
		return ErrActiveExists
	}
	if isForeignKey(err) {
		return ErrEngagementNotFound
	}
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetPaymentByEngagement(ctx context.Context, engagementID string) (*Payment, error) {
	// Prefer the active (non-terminal) payment; fall back to the newest row.
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE engagement_id = $1
		ORDER BY (status IN ('pending_payment','processing','escrow_held')) DESC,
		         created_at DESC
		LIMIT 1`, engagementID)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetPaymentByGatewayOrder(ctx context.Context, gatewayOrderID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE gateway_order_id = $1`, gatewayOrderID)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetEngagement(ctx context.Context, id string) (*Engagement, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, client_id, provider_id, status, escrow_status, escrow_amount, escrow_paid_at
		FROM engagements WHERE id = $1`, id)

	e := &Engagement{}
	var (
		escrowStatus sql.NullString
		escrowAmount sql.NullInt64
		escrowPaidAt sql.NullTime
		status       string
	)
	err := row.Scan(&e.ID, &e.ClientID, &e.ProviderID, &status,
		&escrowStatus, &escrowAmount, &escrowPaidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEngagementNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Status = EngagementStatus(status)
	e.EscrowStatus = escrowStatus.String
	e.EscrowAmount = amountFrom(escrowAmount)
	if escrowPaidAt.Valid {
		t := escrowPaidAt.Time
		e.EscrowPaidAt = &t
	}
	return e, nil
}

func (p *PostgresStore) MarkHeld(ctx context.Context, paymentID, gatewayPaymentID, gatewaySignature string, autoReleaseAt time.Time) (*Payment, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			status = 'escrow_held',
			gateway_payment_id = $2,
			gateway_signature = $3,
			escrow_held_at = NOW(),
			auto_release_at = $4,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending_payment', 'processing')`,
		paymentID, gatewayPaymentID, gatewaySignature, autoReleaseAt,
	)
	if err != nil {
		return nil, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	pay, err := getPaymentTx(ctx, tx, paymentID)
	if err != nil {
		return nil, false, err
	}

	if rows == 0 {
		// A concurrent delivery (or replay) got here first.
		if pay.Status == StatusEscrowHeld {
			return pay, false, tx.Commit()
		}
		return nil, false, ErrInvalidState
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE engagements SET
			escrow_status = 'escrow_held',
			escrow_amount = $2,
			escrow_paid_at = NOW()
		WHERE id = $1`,
		pay.EngagementID, int64(pay.Amount),
	)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return pay, true, nil
}

func (p *PostgresStore) MarkFailed(ctx context.Context, paymentID, reason string) (*Payment, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			status = 'failed',
			failure_reason = $2,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending_payment', 'processing')`,
		paymentID, reason,
	)
	if err != nil {
		return nil, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	pay, err := getPaymentTx(ctx, tx, paymentID)
	if err != nil {
		return nil, false, err
	}

	if rows == 0 {
		if pay.Status == StatusFailed {
			return pay, false, tx.Commit()
		}
		return nil, false, ErrInvalidState
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return pay, true, nil
}

func (p *PostgresStore) Release(ctx context.Context, paymentID, actor string, isAuto bool) (*Payment, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	pay, err := getPaymentTxForUpdate(ctx, tx, paymentID)
	if err != nil {
		return nil, false, err
	}

	if pay.Status == StatusEscrowReleased {
		return pay, false, tx.Commit()
	}
	if pay.Status != StatusEscrowHeld {
		return nil, false, ErrInvalidState
	}

	var engStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM engagements WHERE id = $1 FOR UPDATE`,
		pay.EngagementID,
	).Scan(&engStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrEngagementNotFound
	}
	if err != nil {
		return nil, false, err
	}

	if err := releasable(EngagementStatus(engStatus), isAuto); err != nil {
		return nil, false, err
	}

	// Status guard retained even though we hold the row lock: a second
	// concurrent release must affect zero rows, never a second payout.
	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			status = 'escrow_released',
			released_to_payee = TRUE,
			released_by = $2,
			escrow_released_at = NOW(),
			auto_release_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'escrow_held' AND escrow_released_at IS NULL`,
		paymentID, actor,
	)
	if err != nil {
		return nil, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if rows == 0 {
		return nil, false, ErrInvalidState
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE engagements SET escrow_status = 'escrow_released' WHERE id = $1`,
		pay.EngagementID,
	)
	if err != nil {
		return nil, false, err
	}

	pay, err = getPaymentTx(ctx, tx, paymentID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return pay, true, nil
}

func (p *PostgresStore) OpenDispute(ctx context.Context, d *Dispute) (*Payment, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			auto_release_at = NULL,
			dispute_id = $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'escrow_held'`,
		d.PaymentID, d.ID,
	)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Distinguish a missing payment from one outside ESCROW_HELD.
		if _, err := getPaymentTx(ctx, tx, d.PaymentID); err != nil {
			return nil, err
		}
		return nil, ErrInvalidState
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (
			id, payment_id, raised_by, reason, status, refund_percentage, created_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		d.ID, d.PaymentID, d.RaisedBy, d.Reason, string(d.Status), d.CreatedAt,
	)
	if isConstraint(err, "disputes_one_open_per_payment") {
		return nil, ErrActiveExists
	}
	if err != nil {
		return nil, err
	}

	pay, err := getPaymentTx(ctx, tx, d.PaymentID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pay, nil
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ResolveDispute(ctx context.Context, disputeID string, resolution Resolution, refundPercent int, notes, actor string) (*Dispute, *Payment, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, disputeID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if d.Status.Terminal() {
		return nil, nil, ErrDisputeClosed
	}

	pay, err := getPaymentTxForUpdate(ctx, tx, d.PaymentID)
	if err != nil {
		return nil, nil, err
	}
	if pay.Status != StatusEscrowHeld {
		return nil, nil, ErrInvalidState
	}

	settlement, err := settlementFor(resolution, refundPercent, pay.Amount)
	if err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = 'resolved',
			resolution = $2,
			refund_percentage = $3,
			notes = $4,
			resolved_at = NOW(),
			resolved_by = $5
		WHERE id = $1`,
		disputeID, string(resolution), settlement.RefundPercentage, notes, actor,
	)
	if err != nil {
		return nil, nil, err
	}

	// released_by identifies who moved funds to the payee; refund outcomes
	// leave it empty (the dispute row's resolved_by carries the audit trail).
	released := settlement.Status == StatusEscrowReleased
	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			status = $2,
			refund_amount = $3,
			refund_percentage = $4,
			released_to_payee = $5,
			released_by = CASE WHEN $5 THEN $6 ELSE released_by END,
			escrow_released_at = CASE WHEN $5 THEN NOW() ELSE escrow_released_at END,
			auto_release_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'escrow_held'`,
		pay.ID, string(settlement.Status), int64(settlement.Refund),
		settlement.RefundPercentage, released, actor,
	)
	if err != nil {
		return nil, nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, nil, err
	}
	if rows == 0 {
		return nil, nil, ErrInvalidState
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE engagements SET escrow_status = $2 WHERE id = $1`,
		pay.EngagementID, string(settlement.Status),
	)
	if err != nil {
		return nil, nil, err
	}

	d, err = getDisputeTx(ctx, tx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	pay, err = getPaymentTx(ctx, tx, pay.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return d, pay, nil
}

func (p *PostgresStore) ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'escrow_held'
		  AND auto_release_at IS NOT NULL
		  AND auto_release_at <= $1
		  AND escrow_released_at IS NULL
		ORDER BY auto_release_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

// -----------------------------------------------------------------------------
// Scanning helpers
// -----------------------------------------------------------------------------

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		status           string
		amount           int64
		gatewayPaymentID sql.NullString
		gatewaySignature sql.NullString
		failureReason    sql.NullString
		escrowHeldAt     sql.NullTime
		autoReleaseAt    sql.NullTime
		escrowReleasedAt sql.NullTime
		releasedBy       sql.NullString
		refundAmount     int64
		disputeID        sql.NullString
	)

	err := s.Scan(
		&pay.ID, &pay.EngagementID, &pay.PayerID, &pay.PayeeID,
		&amount, &pay.Currency, &status,
		&pay.GatewayOrderID, &gatewayPaymentID, &gatewaySignature, &failureReason,
		&pay.CreatedAt, &escrowHeldAt, &autoReleaseAt, &escrowReleasedAt,
		&pay.ReleasedToPayee, &releasedBy, &refundAmount, &pay.RefundPercentage,
		&disputeID, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pay.Status = Status(status)
	pay.Amount = money.Amount(amount)
	pay.GatewayPaymentID = gatewayPaymentID.String
	pay.GatewaySignature = gatewaySignature.String
	pay.FailureReason = failureReason.String
	pay.ReleasedBy = releasedBy.String
	pay.RefundAmount = money.Amount(refundAmount)
	pay.DisputeID = disputeID.String
	if escrowHeldAt.Valid {
		t := escrowHeldAt.Time
		pay.EscrowHeldAt = &t
	}
	if autoReleaseAt.Valid {
		t := autoReleaseAt.Time
		pay.AutoReleaseAt = &t
	}
	if escrowReleasedAt.Valid {
		t := escrowReleasedAt.Time
		pay.EscrowReleasedAt = &t
	}
	return pay, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		resolution sql.NullString
		notes      sql.NullString
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
	)

	err := s.Scan(
		&d.ID, &d.PaymentID, &d.RaisedBy, &d.Reason, &status, &resolution,
		&d.RefundPercentage, &notes, &resolvedAt, &resolvedBy, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = DisputeStatus(status)
	d.Resolution = Resolution(resolution.String)
	d.Notes = notes.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

func getPaymentTx(ctx context.Context, tx *sql.Tx, id string) (*Payment, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func getPaymentTxForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Payment, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func getDisputeTx(ctx context.Context, tx *sql.Tx, id string) (*Dispute, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func amountFrom(n sql.NullInt64) money.Amount {
	if !n.Valid {
		return 0
	}
	return money.Amount(n.Int64)
}

// isConstraint reports whether err is a unique violation on the named constraint.
func isConstraint(err error, name string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && string(pqErr.Constraint) == name
}

// isForeignKey reports whether err is a foreign-key violation.
func isForeignKey(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
