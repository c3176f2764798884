// Package retention purges audit events that have outlived their category's
// retention period.
//
// A pass walks every tenant and, per configured category, asks the audit
// service to delete qualifying events and record an AuditRetention event in
// the same transaction. A failed (tenant, category) is rolled back, reported
// and retried in full by the next pass; passes are idempotent because an
// empty purge writes nothing.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"carenotes/internal/audit/metrics"
	"carenotes/internal/audit/service"
	"carenotes/internal/tenancy"
	id "carenotes/pkg/domain"
	dErrors "carenotes/pkg/domain-errors"
	"carenotes/pkg/platform/sentinel"
)

const (
	// JobName is the system actor recorded on retention events ("system:retention").
	JobName = "retention"

	lockKey            = "carenotes:audit:retention:lock"
	defaultInterval    = 24 * time.Hour
	defaultLockTTL     = time.Hour
	defaultConcurrency = 4
)

// AuditService is the part of the audit service a pass needs.
type AuditService interface {
	Tenants(ctx context.Context) ([]id.TenantID, error)
	Purge(ctx context.Context, tc tenancy.Context, req service.PurgeRequest) (*service.PurgeResult, error)
}

// Outcome is the result of one (tenant, category) purge.
type Outcome struct {
	TenantID id.TenantID `json:"tenant_id"`
	Category string      `json:"category"`
	Cutoff   time.Time   `json:"cutoff"`
	Deleted  int64       `json:"deleted"`
	Error    string      `json:"error,omitempty"`
}

// Report summarises a pass.
type Report struct {
	PassID    string    `json:"pass_id"`
	StartedAt time.Time `json:"started_at"`
	Skipped   bool      `json:"skipped"`
	Tenants   int       `json:"tenants"`
	Deleted   int64     `json:"deleted"`
	Outcomes  []Outcome `json:"outcomes"`
	Failures  int       `json:"failures"`
}

// Scheduler runs retention passes.
type Scheduler struct {
	audit       AuditService
	policy      *Policy
	locker      Locker
	logger      *slog.Logger
	metrics     *metrics.Metrics
	interval    time.Duration
	lockTTL     time.Duration
	concurrency int
	now         func() time.Time
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLocker replaces the in-process lock, typically with a RedisLocker.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithConcurrency bounds how many tenants are purged at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(audit AuditService, policy *Policy, opts ...Option) *Scheduler {
	s := &Scheduler{
		audit:       audit,
		policy:      policy,
		locker:      NewMemoryLocker(),
		logger:      slog.Default(),
		interval:    defaultInterval,
		lockTTL:     defaultLockTTL,
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes a pass immediately and then every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "retention pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes one pass. When another replica holds the pass lock it
// returns a Skipped report. If any (tenant, category) failed the report is
// still returned, together with a CodeRetentionPass error.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{PassID: uuid.NewString(), StartedAt: s.now().UTC(), Outcomes: []Outcome{}}

	release, err := s.locker.Acquire(ctx, lockKey, s.lockTTL)
	if err != nil {
		if errors.Is(err, sentinel.ErrLockHeld) {
			s.logger.InfoContext(ctx, "retention pass already running elsewhere, skipping")
			report.Skipped = true
			return report, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeRetentionPass, "failed to acquire retention lock")
	}
	defer func() {
		if err := release(tenancy.Detach(ctx)); err != nil {
			s.logger.WarnContext(ctx, "failed to release retention lock", "error", err)
		}
	}()

	if s.metrics != nil {
		s.metrics.RetentionPassTotal.Inc()
	}

	tenants, err := s.audit.Tenants(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeRetentionPass, "failed to list tenants")
	}
	report.Tenants = len(tenants)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, tenant := range tenants {
		g.Go(func() error {
			outcomes, tenantErrs := s.purgeTenant(ctx, report.PassID, report.StartedAt, tenant)
			mu.Lock()
			defer mu.Unlock()
			report.Outcomes = append(report.Outcomes, outcomes...)
			errs = append(errs, tenantErrs...)
			return nil
		})
	}
	_ = g.Wait()

	// tenants finish in any order; within a tenant outcomes keep policy order
	sort.SliceStable(report.Outcomes, func(i, j int) bool {
		return report.Outcomes[i].TenantID < report.Outcomes[j].TenantID
	})
	for _, o := range report.Outcomes {
		report.Deleted += o.Deleted
		if o.Error != "" {
			report.Failures++
		}
	}

	s.logger.InfoContext(ctx, "retention pass completed",
		"pass_id", report.PassID,
		"tenants", report.Tenants,
		"deleted", report.Deleted,
		"failures", report.Failures,
	)
	if len(errs) > 0 {
		return report, dErrors.Wrap(errors.Join(errs...), dErrors.CodeRetentionPass,
			fmt.Sprintf("%d retention purges failed", len(errs)))
	}
	return report, nil
}

// purgeTenant processes the tenant's categories in policy order. Retention
// events recorded earlier in the pass are exempt from later purges.
func (s *Scheduler) purgeTenant(ctx context.Context, passID string, now time.Time, tenant id.TenantID) ([]Outcome, []error) {
	tc := tenancy.System(tenant, JobName, passID)
	var (
		outcomes []Outcome
		errs     []error
		exempt   []id.EventID
	)
	for _, category := range s.policy.Categories() {
		period, _ := s.policy.Period(category)
		cutoff := period.Cutoff(now)
		outcome := Outcome{TenantID: tenant, Category: category, Cutoff: cutoff}

		res, err := s.audit.Purge(ctx, tc, service.PurgeRequest{
			Category: category,
			Cutoff:   cutoff,
			Policy:   period.String(),
			Exempt:   exempt,
		})
		if err != nil {
			outcome.Error = err.Error()
			errs = append(errs, fmt.Errorf("tenant %s category %s: %w", tenant, category, err))
			if s.metrics != nil {
				s.metrics.RetentionFailures.Inc()
			}
			s.logger.ErrorContext(ctx, "retention purge rolled back",
				"pass_id", passID,
				"tenant_id", tenant,
				"category", category,
				"error", err,
			)
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.Deleted = res.Deleted
		if res.Event != nil {
			exempt = append(exempt, res.Event.ID)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, errs
}
