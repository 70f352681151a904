// Package httpmiddleware contains the net/http middleware chain of the
// payments API: recovery, CORS, rate limiting, request IDs, request-scoped
// logging and OpenTelemetry instrumentation.
package httpmiddleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Wrap applies middlewares to h. The first middleware is the outermost one,
// so Wrap(h, a, b) serves a(b(h)).
func Wrap(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Routing seeds a chi routing context into the request. A chi router further
// down the chain fills the seeded context instead of allocating its own, which
// lets outer middlewares read the matched route pattern once the request has
// been served. Routing must run before any middleware that calls RoutePattern.
func Routing() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if chi.RouteContext(r.Context()) != nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RoutePattern returns the chi pattern matched for r, e.g.
// "/api/payments/status/{transactionId}", or "" when no route matched yet.
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}

// routeLabel is RoutePattern with a stable fallback for unmatched requests,
// so metrics and span names never carry raw paths.
func routeLabel(r *http.Request) string {
	if p := RoutePattern(r); p != "" {
		return p
	}
	return "unmatched"
}

// writeError writes the API failure envelope {"success":false,"message":...}.
func writeError(w http.ResponseWriter, status int, message string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(false)
	e.FieldStart("message")
	e.Str(message)
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
