// Package requesttime pins one "now" per HTTP request. Compliance reports use
// it as their generation time and as the end of still-running pairing windows.
package requesttime

import (
	"net/http"
	"time"

	"carenotes/pkg/requestcontext"
)

// Middleware captures the current time at the start of the request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
