// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware sets values; services and handlers read them. Keeping this package
// free of net/http lets workers and the CLI populate the same values.
//
//	tc, ok := requestcontext.Tenancy(ctx)
//	requestID := requestcontext.RequestID(ctx)
//	now := requestcontext.Now(ctx)
package requestcontext

import (
	"context"
	"time"

	"carenotes/internal/tenancy"
	dErrors "carenotes/pkg/domain-errors"
)

type (
	tenancyKey     struct{}
	clientIPKey    struct{}
	userAgentKey   struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// Exported context keys for tests that need context.WithValue directly.
var (
	ContextKeyTenancy     = tenancyKey{}
	ContextKeyClientIP    = clientIPKey{}
	ContextKeyUserAgent   = userAgentKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

// Tenancy returns the identity bound to ctx.
func Tenancy(ctx context.Context) (tenancy.Context, bool) {
	tc, ok := ctx.Value(ContextKeyTenancy).(tenancy.Context)
	return tc, ok && !tc.IsZero()
}

// WithTenancy binds tc to ctx. Rebinding to the same tenant (for example to
// refresh the correlation ID) is allowed; switching tenant is an error.
func WithTenancy(ctx context.Context, tc tenancy.Context) (context.Context, error) {
	if existing, ok := Tenancy(ctx); ok {
		if _, err := existing.WithTenant(tc.TenantID()); err != nil {
			return ctx, err
		}
	}
	if tc.IsZero() {
		return ctx, dErrors.New(dErrors.CodeInvalidInput, "cannot bind an empty tenant identity")
	}
	return context.WithValue(ctx, ContextKeyTenancy, tc), nil
}

// -----------------------------------------------------------------------------
// Client metadata (IP, User-Agent)
// -----------------------------------------------------------------------------

func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ContextKeyClientIP).(string); ok {
		return ip
	}
	return ""
}

func UserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(ContextKeyUserAgent).(string); ok {
		return ua
	}
	return ""
}

// WithClientMetadata injects client IP and User-Agent into a context.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyClientIP, clientIP)
	ctx = context.WithValue(ctx, ContextKeyUserAgent, userAgent)
	return ctx
}

// -----------------------------------------------------------------------------
// Request metadata
// -----------------------------------------------------------------------------

func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// -----------------------------------------------------------------------------
// Request time
// -----------------------------------------------------------------------------

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (workers, CLI).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context. Tests use it to place
// events in the past; workers use it to pin "now" for a whole pass.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
