package service

import (
	"context"
	"time"

	"carenotes/internal/audit/models"
	"carenotes/internal/tenancy"
	id "carenotes/pkg/domain"
	dErrors "carenotes/pkg/domain-errors"
)

// PurgeRequest describes one (tenant, category) retention purge.
type PurgeRequest struct {
	Category string
	Cutoff   time.Time
	// Policy is the configured retention period, recorded for evidence.
	Policy string
	// Exempt lists events that must survive this purge, such as the
	// AuditRetention events written earlier in the same pass.
	Exempt []id.EventID
}

// PurgeResult reports what a purge removed. Event is nil when nothing
// qualified.
type PurgeResult struct {
	Deleted int64
	Event   *models.Event
}

// Tenants lists every tenant with an audit trail. It is intended for
// scheduled jobs that then act per tenant under a system identity.
func (s *Service) Tenants(ctx context.Context) ([]id.TenantID, error) {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return nil, translate(err, "failed to list audit tenants")
	}
	return tenants, nil
}

// Purge deletes tc's tenant events of one category older than req.Cutoff and
// records an AuditRetention event, atomically. When nothing qualifies no
// event is written, so repeated passes are idempotent.
//
// Only system identities may purge.
func (s *Service) Purge(ctx context.Context, tc tenancy.Context, req PurgeRequest) (*PurgeResult, error) {
	ctx, span := s.tracer.Start(ctx, "audit.Purge")
	defer span.End()

	if tc.IsZero() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "tenant identity required")
	}
	if !tc.IsSystem() {
		return nil, dErrors.New(dErrors.CodeForbidden, "only system jobs may purge audit events")
	}
	if req.Category == "" || req.Cutoff.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "category and cutoff are required")
	}

	result := &PurgeResult{}
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		deleted, err := s.store.PurgeBefore(ctx, tc.TenantID(), req.Category, req.Cutoff, req.Exempt)
		if err != nil {
			return translate(err, "failed to purge audit events")
		}
		if deleted == 0 {
			return nil
		}
		event, err := s.Record(ctx, tc, models.Input{
			Resource:   models.ResourceAuditRetention,
			EntityType: models.ResourceAuditRetention,
			EntityID:   req.Category,
			Action:     models.ActionDelete,
			TenantID:   tc.TenantID(),
			UserID:     tc.UserID(),
			Details: models.Details{
				"category":      req.Category,
				"cutoff":        req.Cutoff.UTC().Format(time.RFC3339Nano),
				"deleted_count": deleted,
				"policy":        req.Policy,
			},
		})
		if err != nil {
			return err
		}
		result.Deleted = deleted
		result.Event = event
		return nil
	})
	if err != nil {
		err = dErrors.Wrap(err, dErrors.CodeRetentionPass, "retention purge of "+req.Category+" failed")
		s.fail(ctx, span, "purge", err)
		return nil, err
	}
	if s.metrics != nil && result.Deleted > 0 {
		s.metrics.AddPurged(req.Category, result.Deleted)
	}
	return result, nil
}
