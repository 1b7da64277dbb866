package gateway

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresEventStore persists dedup records in the webhook_events table.
// Exactly-once ingestion rests on the primary key: a replayed delivery
// conflicts on insert and is detected without any advisory locking.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a Postgres-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Insert(ctx context.Context, r *Record) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (gateway_event_id, type, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (gateway_event_id) DO NOTHING`,
		r.GatewayEventID, r.Type, r.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresEventStore) MarkProcessed(ctx context.Context, gatewayEventID, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed_at = NOW(), outcome = $2
		WHERE gateway_event_id = $1`,
		gatewayEventID, outcome,
	)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}

var _ EventStore = (*PostgresEventStore)(nil)
