// Package service is the only writer of the audit trail.
//
// Domain modules call Record (or Audited) synchronously as part of their own
// unit of work; reads, exports and statistics are always scoped to the
// caller's tenant. Every method takes the caller's tenancy.Context explicitly.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"carenotes/internal/audit/metrics"
	"carenotes/internal/audit/models"
	"carenotes/internal/tenancy"
	id "carenotes/pkg/domain"
	dErrors "carenotes/pkg/domain-errors"
	"carenotes/pkg/platform/sentinel"
)

// Store persists audit events. Append assigns Sequence, clamps Timestamp to
// the tenant's previous event and seals the hash chain.
type Store interface {
	Append(ctx context.Context, event models.Event) (*models.Event, error)
	Query(ctx context.Context, filter models.Filter) (*models.Page, error)
	Aggregate(ctx context.Context, tenantID id.TenantID, r models.TimeRange) ([]models.Count, error)
	ListTenants(ctx context.Context) ([]id.TenantID, error)
	PurgeBefore(ctx context.Context, tenantID id.TenantID, resource string, cutoff time.Time, exempt []id.EventID) (int64, error)
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service records and reads the audit trail.
type Service struct {
	store        Store
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	now          func() time.Time
	auditExports bool
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithClock overrides the server clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithExportAuditing records an AuditExport READ event for every completed
// export.
func WithExportAuditing(enabled bool) Option {
	return func(s *Service) {
		s.auditExports = enabled
	}
}

// New constructs a Service.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer("carenotes/internal/audit/service"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record validates in and appends it to the caller's tenant trail. Tenant and
// user must be set explicitly; a blank correlation ID is taken from tc. When
// ctx carries a transaction the write joins it.
//
// Errors: CodeUnauthorized without an identity, CodeForbidden when in names
// another tenant, CodeValidation for invalid input, CodeStorage when the
// write fails.
func (s *Service) Record(ctx context.Context, tc tenancy.Context, in models.Input) (*models.Event, error) {
	ctx, span := s.tracer.Start(ctx, "audit.Record")
	defer span.End()
	start := time.Now()

	event, err := s.record(ctx, tc, in)
	if err != nil {
		s.fail(ctx, span, "record", err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("audit.tenant_id", string(event.TenantID)),
		attribute.String("audit.resource", event.Resource),
		attribute.Int64("audit.sequence", event.Sequence),
	)
	if s.metrics != nil {
		s.metrics.IncRecorded(event.Resource, string(event.Action))
		s.metrics.Observe("record", start)
	}
	return event, nil
}

func (s *Service) record(ctx context.Context, tc tenancy.Context, in models.Input) (*models.Event, error) {
	if tc.IsZero() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "tenant identity required")
	}
	in.Normalize()
	if in.CorrelationID == "" {
		in.CorrelationID = tc.CorrelationID()
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := tc.Authorize(in.TenantID); err != nil {
		return nil, err
	}
	details, err := models.CanonicalDetails(in.Details)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "details must be JSON-serialisable")
	}

	event := models.NewEvent(id.NewEventID(), in, details, s.now())
	stored, err := s.store.Append(ctx, event)
	if err != nil {
		return nil, translate(err, "failed to record audit event")
	}
	return stored, nil
}

// Audited runs fn and records the event it returns in one unit of work.
// If fn fails nothing is recorded; if the record fails, fn's writes made
// through ctx are rolled back with it.
func (s *Service) Audited(ctx context.Context, tc tenancy.Context, fn func(ctx context.Context) (models.Input, error)) (*models.Event, error) {
	var (
		event *models.Event
		fnErr error
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		in, err := fn(ctx)
		if err != nil {
			fnErr = err
			return err
		}
		event, err = s.Record(ctx, tc, in)
		return err
	})
	switch {
	case fnErr != nil:
		return nil, fnErr
	case err != nil:
		return nil, translate(err, "audited operation failed")
	}
	return event, nil
}

// Query returns one page of the requested tenant's events in ascending
// (timestamp, sequence) order.
//
// Errors: CodeForbidden (with no events) when filter.TenantID is not the
// caller's tenant, CodeValidation for a malformed filter.
func (s *Service) Query(ctx context.Context, tc tenancy.Context, filter models.Filter) (*models.Page, error) {
	ctx, span := s.tracer.Start(ctx, "audit.Query")
	defer span.End()
	start := time.Now()

	if err := s.authorize(ctx, tc, &filter); err != nil {
		s.fail(ctx, span, "query", err)
		return nil, err
	}
	page, err := s.store.Query(ctx, filter)
	if err != nil {
		err = translate(err, "failed to query audit events")
		s.fail(ctx, span, "query", err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("audit.results", len(page.Events)))
	if s.metrics != nil {
		s.metrics.Observe("query", start)
	}
	return page, nil
}

// Statistics counts the tenant's events per resource and action within r.
func (s *Service) Statistics(ctx context.Context, tc tenancy.Context, tenantID id.TenantID, r models.TimeRange) (*models.Statistics, error) {
	ctx, span := s.tracer.Start(ctx, "audit.Statistics")
	defer span.End()
	start := time.Now()

	if err := s.checkTenant(ctx, tc, tenantID); err != nil {
		s.fail(ctx, span, "statistics", err)
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	counts, err := s.store.Aggregate(ctx, tenantID, r)
	if err != nil {
		err = translate(err, "failed to aggregate audit events")
		s.fail(ctx, span, "statistics", err)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.Observe("statistics", start)
	}
	return models.NewStatistics(tenantID, r, counts), nil
}

func (s *Service) authorize(ctx context.Context, tc tenancy.Context, filter *models.Filter) error {
	filter.Normalize()
	if err := filter.Validate(); err != nil {
		return err
	}
	return s.checkTenant(ctx, tc, filter.TenantID)
}

func (s *Service) checkTenant(ctx context.Context, tc tenancy.Context, requested id.TenantID) error {
	if requested == "" {
		return dErrors.New(dErrors.CodeValidation, "tenantId is required")
	}
	if err := tc.Authorize(requested); err != nil {
		if dErrors.HasCode(err, dErrors.CodeForbidden) {
			if s.metrics != nil {
				s.metrics.IncAccessDenied()
			}
			s.logger.WarnContext(ctx, "cross-tenant audit access refused",
				"tenant_id", tc.TenantID(),
				"requested_tenant_id", requested,
				"user_id", tc.UserID(),
				"correlation_id", tc.CorrelationID(),
			)
		}
		return err
	}
	return nil
}

func (s *Service) fail(ctx context.Context, span trace.Span, operation string, err error) {
	code := dErrors.CodeOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	if s.metrics != nil && operation == "record" {
		s.metrics.IncRecordFailure(string(code))
	}
	switch code {
	case dErrors.CodeStorage, dErrors.CodeInternal, dErrors.CodeTimeout:
		s.logger.ErrorContext(ctx, "audit operation failed", "operation", operation, "error", err)
	}
}

// translate maps store failures onto domain codes. Errors that already carry
// a code pass through unchanged.
func translate(err error, msg string) error {
	switch {
	case dErrors.Is(err):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, msg)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeStorage, msg)
	}
}
