package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"carenotes/internal/audit/outbox"
	id "carenotes/pkg/domain"
	txcontext "carenotes/pkg/platform/tx"
)

// OutboxStore exposes the audit_outbox table to the outbox worker.
type OutboxStore struct {
	db     *sql.DB
	runner *txcontext.Runner
}

func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db, runner: txcontext.NewRunner(db, 30*time.Second)}
}

func (s *OutboxStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.runner.RunInTx(ctx, fn)
}

// FetchUnpublished locks rows with SKIP LOCKED so concurrent workers on other
// replicas take disjoint batches.
func (s *OutboxStore) FetchUnpublished(ctx context.Context, limit int) ([]outbox.Entry, error) {
	rows, err := txcontext.ExecutorFor(ctx, s.db).QueryContext(ctx, `
		SELECT id, event_id, tenant_id, event_type, payload, created_at
		FROM audit_outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		var (
			e        outbox.Entry
			eventID  uuid.UUID
			tenantID string
		)
		if err := rows.Scan(&e.ID, &eventID, &tenantID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.EventID = id.EventID(eventID)
		e.TenantID = id.TenantID(tenantID)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

func (s *OutboxStore) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	raw := make([]string, len(ids))
	for i, v := range ids {
		raw[i] = v.String()
	}
	_, err := txcontext.ExecutorFor(ctx, s.db).ExecContext(ctx,
		`UPDATE audit_outbox SET published_at = $2 WHERE id = ANY($1::uuid[])`,
		pq.Array(raw), at)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// DeletePublishedBefore removes rows published before cutoff.
func (s *OutboxStore) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := txcontext.ExecutorFor(ctx, s.db).ExecContext(ctx,
		`DELETE FROM audit_outbox WHERE published_at IS NOT NULL AND published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("trim outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("trim outbox: %w", err)
	}
	return n, nil
}
