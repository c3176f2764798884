// Package outbox publishes committed audit events to the event stream.
//
// The PostgreSQL store writes one outbox row per event in the same transaction
// as the event itself. The worker drains unpublished rows in batches, hands them
// to a Publisher and marks them published only after the broker acknowledged
// them, so delivery is at-least-once.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	id "carenotes/pkg/domain"
	"carenotes/pkg/platform/circuit"
)

const (
	defaultBatchSize       = 100
	defaultInterval        = time.Second
	defaultRetainPublished = 24 * time.Hour
	trimEvery              = 10 * time.Minute
)

// Entry is one queued event.
type Entry struct {
	ID        uuid.UUID
	EventID   id.EventID
	TenantID  id.TenantID
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// Store is the outbox table.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	// FetchUnpublished locks up to limit unpublished rows, oldest first.
	FetchUnpublished(ctx context.Context, limit int) ([]Entry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
	// DeletePublishedBefore removes rows published before cutoff.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Publisher delivers entries to the broker. It must return only after every
// entry was acknowledged.
type Publisher interface {
	Publish(ctx context.Context, entries []Entry) error
}

// Worker drains the outbox.
type Worker struct {
	store     Store
	publisher Publisher
	breaker   *circuit.Breaker
	logger    *slog.Logger
	metrics   *Metrics
	batchSize int
	interval  time.Duration
	retain    time.Duration
	lastTrim  time.Time
	now       func() time.Time
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithRetainPublished sets how long published rows are kept before
// TrimPublished deletes them.
func WithRetainPublished(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.retain = d
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(w *Worker) { w.breaker = b }
}

func New(store Store, publisher Publisher, opts ...Option) *Worker {
	w := &Worker{
		store:     store,
		publisher: publisher,
		breaker:   circuit.New("audit-broker"),
		logger:    slog.Default(),
		batchSize: defaultBatchSize,
		interval:  defaultInterval,
		retain:    defaultRetainPublished,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes batches until ctx is cancelled. A full batch is followed
// immediately by the next one; otherwise the worker waits for the interval.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		n, err := w.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.WarnContext(ctx, "outbox batch failed", "error", err)
		}
		if w.now().Sub(w.lastTrim) >= trimEvery {
			if _, err := w.TrimPublished(ctx); err != nil && ctx.Err() == nil {
				w.logger.WarnContext(ctx, "outbox trim failed", "error", err)
			}
		}
		if n == w.batchSize && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessBatch publishes one batch and returns how many entries were
// published. While the breaker is open it returns (0, nil) without touching
// the store.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	if !w.breaker.Allow() {
		return 0, nil
	}

	published := 0
	err := w.store.RunInTx(ctx, func(ctx context.Context) error {
		entries, err := w.store.FetchUnpublished(ctx, w.batchSize)
		if err != nil {
			return fmt.Errorf("fetch outbox: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		if err := w.publisher.Publish(ctx, entries); err != nil {
			w.recordFailure(ctx, err)
			return fmt.Errorf("publish outbox: %w", err)
		}
		w.recordSuccess(ctx)

		ids := make([]uuid.UUID, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		if err := w.store.MarkPublished(ctx, ids, w.now().UTC()); err != nil {
			return fmt.Errorf("mark outbox published: %w", err)
		}
		published = len(entries)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if w.metrics != nil && published > 0 {
		w.metrics.Published.Add(float64(published))
	}
	return published, nil
}

// TrimPublished deletes rows published longer ago than the retain period, so
// the outbox never outlives the events it copies.
func (w *Worker) TrimPublished(ctx context.Context) (int64, error) {
	now := w.now()
	w.lastTrim = now
	n, err := w.store.DeletePublishedBefore(ctx, now.Add(-w.retain).UTC())
	if err != nil {
		return 0, fmt.Errorf("trim outbox: %w", err)
	}
	if n > 0 {
		w.logger.DebugContext(ctx, "trimmed published outbox rows", "count", n)
	}
	return n, nil
}

func (w *Worker) recordFailure(ctx context.Context, err error) {
	if w.metrics != nil {
		w.metrics.PublishFailures.Inc()
	}
	if _, change := w.breaker.RecordFailure(); change.Opened {
		w.logger.ErrorContext(ctx, "audit broker circuit opened", "error", err)
		if w.metrics != nil {
			w.metrics.SetBreakerState(true)
		}
	}
}

func (w *Worker) recordSuccess(ctx context.Context) {
	if _, change := w.breaker.RecordSuccess(); change.Closed {
		w.logger.InfoContext(ctx, "audit broker circuit closed")
		if w.metrics != nil {
			w.metrics.SetBreakerState(false)
		}
	}
}
