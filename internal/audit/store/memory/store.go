// Package memory is the in-process audit event store used by tests, the CLI
// dry-run mode and single-node deployments without PostgreSQL.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"carenotes/internal/audit/models"
	id "carenotes/pkg/domain"
	dErrors "carenotes/pkg/domain-errors"
	"carenotes/pkg/platform/sentinel"
)

const defaultTxTimeout = 5 * time.Second

// head is the tail of a tenant's log: the values the next append continues from.
type head struct {
	seq  int64
	ts   time.Time
	hash string
}

type tenantLog struct {
	events []models.Event
	head   head
}

func (l *tenantLog) clone() *tenantLog {
	return &tenantLog{events: append([]models.Event(nil), l.events...), head: l.head}
}

type txKey struct{ store *InMemoryStore }

// txState holds the tenant logs a transaction has written to. Other readers
// keep seeing the committed logs until the transaction commits.
type txState struct {
	mu     sync.Mutex
	staged map[id.TenantID]*tenantLog
}

// InMemoryStore keeps each tenant's events in sequence order.
//
// Writers serialise on txMu and write to a per-transaction copy of the
// tenants they touch; commit swaps the copies in under mu. Readers outside a
// transaction only take mu.
type InMemoryStore struct {
	mu      sync.RWMutex
	txMu    sync.Mutex
	tenants map[id.TenantID]*tenantLog
	timeout time.Duration
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tenants: make(map[id.TenantID]*tenantLog), timeout: defaultTxTimeout}
}

// Clear drops every tenant.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants = make(map[id.TenantID]*tenantLog)
}

func (s *InMemoryStore) txFrom(ctx context.Context) *txState {
	tx, _ := ctx.Value(txKey{store: s}).(*txState)
	return tx
}

// read calls fn with the tenant logs visible to ctx: the committed logs,
// overlaid with the ones staged by ctx's transaction.
func (s *InMemoryStore) read(ctx context.Context, fn func(logs map[id.TenantID]*tenantLog)) {
	tx := s.txFrom(ctx)
	if tx != nil {
		tx.mu.Lock()
		defer tx.mu.Unlock()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tx == nil || len(tx.staged) == 0 {
		fn(s.tenants)
		return
	}
	logs := make(map[id.TenantID]*tenantLog, len(s.tenants)+len(tx.staged))
	for tenant, log := range s.tenants {
		logs[tenant] = log
	}
	for tenant, log := range tx.staged {
		if log.head.seq > 0 {
			logs[tenant] = log
		}
	}
	fn(logs)
}

// write runs fn against the staged copy of tenantID's log, opening a
// transaction of its own when ctx has none.
func (s *InMemoryStore) write(ctx context.Context, tenantID id.TenantID, fn func(log *tenantLog) error) error {
	tx := s.txFrom(ctx)
	if tx == nil {
		return s.RunInTx(ctx, func(ctx context.Context) error {
			return s.write(ctx, tenantID, fn)
		})
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	log, ok := tx.staged[tenantID]
	if !ok {
		s.mu.RLock()
		committed, exists := s.tenants[tenantID]
		s.mu.RUnlock()
		if exists {
			log = committed.clone()
		} else {
			log = &tenantLog{}
		}
		tx.staged[tenantID] = log
	}
	return fn(log)
}

// RunInTx runs fn with all writes committed together or not at all. Writes
// made through the ctx passed to fn are invisible to other readers until fn
// returns nil. Nested calls join the outer transaction.
func (s *InMemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &txState{staged: make(map[id.TenantID]*tenantLog)}
	if err := fn(context.WithValue(ctx, txKey{store: s}, tx)); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for tenant, log := range tx.staged {
		// a purge of a tenant that never wrote stages an empty log
		if log.head.seq > 0 {
			s.tenants[tenant] = log
		}
	}
	return nil
}

// Append assigns the next sequence, clamps the timestamp so it never precedes
// the tenant's previous event, and links the event into the hash chain.
func (s *InMemoryStore) Append(ctx context.Context, event models.Event) (*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("append audit event: %w", err)
	}
	var out models.Event
	err := s.write(ctx, event.TenantID, func(log *tenantLog) error {
		for i := range log.events {
			if log.events[i].ID == event.ID {
				return fmt.Errorf("event %s: %w", event.ID, sentinel.ErrConflict)
			}
		}

		event.Sequence = log.head.seq + 1
		if event.Timestamp.Before(log.head.ts) {
			event.Timestamp = log.head.ts
		}
		if err := models.Seal(log.head.hash, &event); err != nil {
			return fmt.Errorf("seal audit event: %w", err)
		}
		log.events = append(log.events, event)
		log.head = head{seq: event.Sequence, ts: event.Timestamp, hash: event.Hash}
		out = event
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Query returns up to filter.Limit matching events after the cursor.
func (s *InMemoryStore) Query(ctx context.Context, filter models.Filter) (*models.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	after, err := models.DecodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultPageSize
	}

	page := &models.Page{Events: []models.Event{}}
	s.read(ctx, func(logs map[id.TenantID]*tenantLog) {
		log, ok := logs[filter.TenantID]
		if !ok {
			return
		}
		start := sort.Search(len(log.events), func(i int) bool { return log.events[i].Sequence > after })
		for i := start; i < len(log.events); i++ {
			e := &log.events[i]
			if !filter.Matches(e) {
				continue
			}
			if len(page.Events) == limit {
				page.NextCursor = models.EncodeCursor(page.Events[len(page.Events)-1].Sequence)
				break
			}
			page.Events = append(page.Events, *e)
		}
	})
	return page, nil
}

// Aggregate counts a tenant's events per (resource, action) within r.
func (s *InMemoryStore) Aggregate(ctx context.Context, tenantID id.TenantID, r models.TimeRange) ([]models.Count, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("aggregate audit events: %w", err)
	}
	type key struct {
		resource string
		action   models.Action
	}
	counts := make(map[key]int64)
	s.read(ctx, func(logs map[id.TenantID]*tenantLog) {
		log, ok := logs[tenantID]
		if !ok {
			return
		}
		for i := range log.events {
			e := &log.events[i]
			if r.Contains(e.Timestamp) {
				counts[key{e.Resource, e.Action}]++
			}
		}
	})
	out := make([]models.Count, 0, len(counts))
	for k, n := range counts {
		out = append(out, models.Count{Resource: k.resource, Action: k.action, Count: n})
	}
	return out, nil
}

// ListTenants returns every tenant that has ever written an event, sorted.
func (s *InMemoryStore) ListTenants(ctx context.Context) ([]id.TenantID, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	var out []id.TenantID
	s.read(ctx, func(logs map[id.TenantID]*tenantLog) {
		out = make([]id.TenantID, 0, len(logs))
		for tenant := range logs {
			out = append(out, tenant)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// PurgeBefore deletes a tenant's events of one resource category older than
// cutoff, except those listed in exempt. The tenant head is left untouched so
// sequences keep increasing.
func (s *InMemoryStore) PurgeBefore(ctx context.Context, tenantID id.TenantID, resource string, cutoff time.Time, exempt []id.EventID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	skip := make(map[id.EventID]struct{}, len(exempt))
	for _, e := range exempt {
		skip[e] = struct{}{}
	}

	var deleted int64
	err := s.write(ctx, tenantID, func(log *tenantLog) error {
		kept := log.events[:0:0]
		for _, e := range log.events {
			_, exempted := skip[e.ID]
			if e.Resource == resource && e.Timestamp.Before(cutoff) && !exempted {
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		log.events = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
