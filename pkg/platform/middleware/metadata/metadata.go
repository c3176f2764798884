// Package metadata captures the caller's network origin for audit events.
package metadata

import (
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"carenotes/pkg/requestcontext"
)

// ClientMetadata extracts client IP address and a summarised User-Agent from
// the request and stores them in the context for handlers building an
// event's origin. Apply it early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(),
			ClientIPFromRequest(r),
			SummarizeUserAgent(r.Header.Get("User-Agent")),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromRequest extracts the real client IP from the request, handling proxies and load balancers.
func ClientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs (client, proxy1, proxy2, ...)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}

// SummarizeUserAgent reduces a raw User-Agent header to "Browser Version (OS)",
// or "bot: Name" for crawlers. Audit records keep the summary rather than the
// full fingerprintable string.
func SummarizeUserAgent(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if ua.Bot() {
		return "bot: " + name
	}
	summary := strings.TrimSpace(name + " " + version)
	if summary == "" {
		summary = "unknown"
	}
	if platform := ua.OS(); platform != "" {
		summary += " (" + platform + ")"
	}
	if ua.Mobile() {
		summary += " mobile"
	}
	return summary
}
