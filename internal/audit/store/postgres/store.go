// Package postgres is the durable audit event store.
//
// Every append locks the tenant's head row, so sequence numbers, timestamps
// and the hash chain are assigned in commit order even with many writers. The
// event and its outbox row are written in the caller's transaction when ctx
// carries one (see pkg/platform/tx), which is how domain mutations and their
// audit records commit together.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"carenotes/internal/audit/models"
	id "carenotes/pkg/domain"
	"carenotes/pkg/platform/sentinel"
	txcontext "carenotes/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Migrate creates the audit tables when they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply audit schema: %w", err)
	}
	return nil
}

// Store implements the audit event store on PostgreSQL.
type Store struct {
	db     *sql.DB
	runner *txcontext.Runner
	outbox bool
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	txTimeout time.Duration
	outbox    bool
}

// WithTxTimeout bounds transactions started without a caller deadline.
func WithTxTimeout(d time.Duration) Option {
	return func(o *storeOptions) { o.txTimeout = d }
}

// WithOutbox controls whether appends queue an outbox row for streaming.
// Enabled by default.
func WithOutbox(enabled bool) Option {
	return func(o *storeOptions) { o.outbox = enabled }
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB, opts ...Option) *Store {
	o := storeOptions{outbox: true}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{db: db, runner: txcontext.NewRunner(db, o.txTimeout), outbox: o.outbox}
}

// RunInTx runs fn in a transaction, joining one already in ctx.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.runner.RunInTx(ctx, fn)
}

const eventColumns = `id, tenant_id, sequence, timestamp, resource, entity_type, entity_id,
	action, details, user_id, correlation_id, origin_ip, origin_agent, prev_hash, hash`

// Append stores event as the tenant's next entry and queues it for publishing.
func (s *Store) Append(ctx context.Context, event models.Event) (*models.Event, error) {
	var out *models.Event
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.appendInTx(ctx, event)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) appendInTx(ctx context.Context, event models.Event) (*models.Event, error) {
	exec := txcontext.ExecutorFor(ctx, s.db)

	if _, err := exec.ExecContext(ctx, `
		INSERT INTO audit_tenant_heads (tenant_id, last_sequence, last_timestamp, last_hash)
		VALUES ($1, 0, to_timestamp(0), '')
		ON CONFLICT (tenant_id) DO NOTHING`, string(event.TenantID)); err != nil {
		return nil, fmt.Errorf("ensure tenant head: %w", err)
	}

	var (
		lastSeq  int64
		lastTS   time.Time
		lastHash string
	)
	err := exec.QueryRowContext(ctx, `
		SELECT last_sequence, last_timestamp, last_hash
		FROM audit_tenant_heads
		WHERE tenant_id = $1
		FOR UPDATE`, string(event.TenantID)).Scan(&lastSeq, &lastTS, &lastHash)
	if err != nil {
		return nil, fmt.Errorf("lock tenant head: %w", err)
	}

	event.Sequence = lastSeq + 1
	event.Timestamp = event.Timestamp.UTC()
	if lastSeq > 0 && event.Timestamp.Before(lastTS) {
		event.Timestamp = lastTS.UTC()
	}
	if err := models.Seal(lastHash, &event); err != nil {
		return nil, fmt.Errorf("seal audit event: %w", err)
	}

	details, err := json.Marshal(event.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	var originIP, originAgent sql.NullString
	if event.Origin != nil {
		originIP = sql.NullString{String: event.Origin.IP, Valid: event.Origin.IP != ""}
		originAgent = sql.NullString{String: event.Origin.Agent, Valid: event.Origin.Agent != ""}
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO audit_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		uuid.UUID(event.ID), string(event.TenantID), event.Sequence, event.Timestamp,
		event.Resource, event.EntityType, event.EntityID, string(event.Action), details,
		string(event.UserID), event.CorrelationID, originIP, originAgent,
		event.PrevHash, event.Hash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("event %s: %w", event.ID, sentinel.ErrConflict)
		}
		return nil, fmt.Errorf("insert audit event: %w", err)
	}

	if s.outbox {
		payload, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("marshal outbox payload: %w", err)
		}
		_, err = exec.ExecContext(ctx, `
			INSERT INTO audit_outbox (id, event_id, tenant_id, event_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), uuid.UUID(event.ID), string(event.TenantID),
			event.Resource+"."+string(event.Action), payload, time.Now().UTC(),
		)
		if err != nil {
			return nil, fmt.Errorf("insert outbox entry: %w", err)
		}
	}

	_, err = exec.ExecContext(ctx, `
		UPDATE audit_tenant_heads
		SET last_sequence = $2, last_timestamp = $3, last_hash = $4
		WHERE tenant_id = $1`,
		string(event.TenantID), event.Sequence, event.Timestamp, event.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("advance tenant head: %w", err)
	}
	return &event, nil
}

// Query returns up to filter.Limit matching events after the cursor.
func (s *Store) Query(ctx context.Context, filter models.Filter) (*models.Page, error) {
	after, err := models.DecodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultPageSize
	}

	where, args := whereClause(filter)
	args = append(args, after)
	where = append(where, "sequence > $"+strconv.Itoa(len(args)))
	args = append(args, limit+1)

	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY sequence ASC LIMIT $` + strconv.Itoa(len(args))

	rows, err := txcontext.ExecutorFor(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	page := &models.Page{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = models.EncodeCursor(page.Events[limit-1].Sequence)
	}
	return page, nil
}

func whereClause(f models.Filter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(column string, v any) {
		args = append(args, v)
		where = append(where, column+" = $"+strconv.Itoa(len(args)))
	}
	add("tenant_id", string(f.TenantID))
	if f.Resource != "" {
		add("resource", f.Resource)
	}
	if f.EntityType != "" {
		add("entity_type", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id", f.EntityID)
	}
	if f.UserID != "" {
		add("user_id", string(f.UserID))
	}
	if f.Action != "" {
		add("action", string(f.Action))
	}
	if f.CorrelationID != "" {
		add("correlation_id", f.CorrelationID)
	}
	if !f.Range.From.IsZero() {
		args = append(args, f.Range.From)
		where = append(where, "timestamp >= $"+strconv.Itoa(len(args)))
	}
	if !f.Range.To.IsZero() {
		args = append(args, f.Range.To)
		where = append(where, "timestamp < $"+strconv.Itoa(len(args)))
	}
	return where, args
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	events := []models.Event{}
	for rows.Next() {
		var (
			e                     models.Event
			eventID               uuid.UUID
			tenantID, userID, act string
			details               []byte
			originIP, originAgent sql.NullString
		)
		err := rows.Scan(
			&eventID, &tenantID, &e.Sequence, &e.Timestamp, &e.Resource, &e.EntityType,
			&e.EntityID, &act, &details, &userID, &e.CorrelationID, &originIP,
			&originAgent, &e.PrevHash, &e.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ID = id.EventID(eventID)
		e.TenantID = id.TenantID(tenantID)
		e.UserID = id.UserID(userID)
		e.Action = models.Action(act)
		e.Timestamp = e.Timestamp.UTC()
		if e.Details, err = models.DecodeDetails(details); err != nil {
			return nil, fmt.Errorf("decode details of %s: %w", eventID, err)
		}
		if originIP.Valid || originAgent.Valid {
			e.Origin = &models.Origin{IP: originIP.String, Agent: originAgent.String}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// Aggregate counts a tenant's events per (resource, action) within r.
func (s *Store) Aggregate(ctx context.Context, tenantID id.TenantID, r models.TimeRange) ([]models.Count, error) {
	where, args := whereClause(models.Filter{TenantID: tenantID, Range: r})
	rows, err := txcontext.ExecutorFor(ctx, s.db).QueryContext(ctx,
		`SELECT resource, action, COUNT(*) FROM audit_events WHERE `+strings.Join(where, " AND ")+
			` GROUP BY resource, action`, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate audit events: %w", err)
	}
	defer rows.Close()

	counts := []models.Count{}
	for rows.Next() {
		var (
			c      models.Count
			action string
		)
		if err := rows.Scan(&c.Resource, &action, &c.Count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		c.Action = models.Action(action)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// ListTenants returns every tenant that has written an event.
func (s *Store) ListTenants(ctx context.Context) ([]id.TenantID, error) {
	rows, err := txcontext.ExecutorFor(ctx, s.db).QueryContext(ctx,
		`SELECT tenant_id FROM audit_tenant_heads ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []id.TenantID
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, id.TenantID(t))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return tenants, nil
}

// PurgeBefore deletes a tenant's events of one resource category older than
// cutoff, except those listed in exempt, together with any outbox rows that
// still copy them. The head row is not touched.
func (s *Store) PurgeBefore(ctx context.Context, tenantID id.TenantID, resource string, cutoff time.Time, exempt []id.EventID) (int64, error) {
	ids := make([]string, len(exempt))
	for i, e := range exempt {
		ids[i] = e.String()
	}
	var n int64
	err := txcontext.ExecutorFor(ctx, s.db).QueryRowContext(ctx, `
		WITH purged AS (
			DELETE FROM audit_events
			WHERE tenant_id = $1 AND resource = $2 AND timestamp < $3
			  AND NOT (id = ANY($4::uuid[]))
			RETURNING id
		), dropped AS (
			DELETE FROM audit_outbox WHERE event_id IN (SELECT id FROM purged)
		)
		SELECT COUNT(*) FROM purged`,
		string(tenantID), resource, cutoff.UTC(), pq.Array(ids),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return n, nil
}
