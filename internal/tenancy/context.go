// Package tenancy defines the identity every audit operation runs under.
//
// A Context is the (tenant, user, correlation) triple resolved once per
// request or job. It is an immutable value: it is passed explicitly into the
// audit service rather than read from shared state, and it can be carried
// into background work with Detach without inheriting request cancellation.
package tenancy

import (
	"context"
	"strings"

	"github.com/google/uuid"

	id "carenotes/pkg/domain"
	dErrors "carenotes/pkg/domain-errors"
)

// SystemUserPrefix marks actors that are jobs rather than people.
const SystemUserPrefix = "system:"

// Context is the identity an operation is attributed to.
type Context struct {
	tenantID      id.TenantID
	userID        id.UserID
	correlationID string
}

// New validates and builds a Context. An empty correlation ID is replaced
// with a fresh UUID so every operation can be grouped.
func New(tenantID, userID, correlationID string) (Context, error) {
	tid, err := id.ParseTenantID(tenantID)
	if err != nil {
		return Context{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "tenant identity is invalid")
	}
	uid, err := id.ParseUserID(userID)
	if err != nil {
		return Context{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "user identity is invalid")
	}
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Context{tenantID: tid, userID: uid, correlationID: correlationID}, nil
}

// System builds the identity used by scheduled jobs acting on a tenant.
func System(tenantID id.TenantID, job, correlationID string) Context {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Context{
		tenantID:      tenantID,
		userID:        id.UserID(SystemUserPrefix + job),
		correlationID: correlationID,
	}
}

func (c Context) TenantID() id.TenantID { return c.tenantID }
func (c Context) UserID() id.UserID     { return c.userID }
func (c Context) CorrelationID() string { return c.correlationID }
func (c Context) IsZero() bool          { return c.tenantID == "" }
func (c Context) IsSystem() bool        { return strings.HasPrefix(string(c.userID), SystemUserPrefix) }

// WithTenant returns c bound to tenantID. Binding a zero Context is allowed;
// changing an established tenant is an invariant violation.
func (c Context) WithTenant(tenantID id.TenantID) (Context, error) {
	if c.tenantID != "" && c.tenantID != tenantID {
		return c, dErrors.New(dErrors.CodeInvariantViolation, "tenant cannot change within an operation")
	}
	c.tenantID = tenantID
	return c, nil
}

// WithCorrelationID returns a copy with a different correlation ID, for
// fan-out work that should be grouped separately.
func (c Context) WithCorrelationID(correlationID string) Context {
	if correlationID != "" {
		c.correlationID = correlationID
	}
	return c
}

// Authorize fails with CodeForbidden unless requested is the caller's tenant.
func (c Context) Authorize(requested id.TenantID) error {
	if c.IsZero() {
		return dErrors.New(dErrors.CodeUnauthorized, "tenant identity required")
	}
	if requested != c.tenantID {
		return dErrors.New(dErrors.CodeForbidden, "caller is not permitted to access the requested tenant")
	}
	return nil
}

// Detach returns a context that keeps ctx's values (including any bound
// identity) but is not cancelled when ctx is, for background work started by
// a request.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
