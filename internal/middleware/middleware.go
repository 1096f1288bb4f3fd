// Package middleware provides the chi middleware stack: trace ids,
// request logging, panic recovery, rate limiting, and session auth.
package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"dlnkd/internal/crypto"
	"dlnkd/internal/errs"
	"dlnkd/internal/infrastructure"
	"dlnkd/internal/metrics"
	"dlnkd/internal/policy"
	"dlnkd/internal/store"
	"dlnkd/internal/transport/api"
)

type contextKey string

// SessionContextKey carries the authenticated store.SessionRecord.
const SessionContextKey contextKey = "session"

// TraceID assigns every request a trace id, propagated via context and
// echoed in the X-Trace-ID response header.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := infrastructure.EnsureTraceID(r.Context())
		w.Header().Set("X-Trace-ID", infrastructure.GetTraceID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger logs one structured line per request.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", ClientIP(r)),
			)
			metrics.HTTPRequestsTotal.WithLabelValues(routePattern(r), statusClass(ww.Status())).Inc()
		})
	}
}

// routePattern returns the matched chi pattern so path parameters such
// as license keys do not mint unbounded metric label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Recoverer converts panics into Internal responses without killing the
// server.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						slog.Any("panic", rec),
						slog.String("path", r.URL.Path),
						slog.String("trace_id", infrastructure.GetTraceID(r.Context())))
					api.Err(w, r, errs.Internal(infrastructure.GetTraceID(r.Context()), nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit rejects requests once the client IP exhausts its windows.
func RateLimit(gate *policy.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := gate.Allow(ClientIP(r)); err != nil {
				api.Err(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionValidator resolves a bearer token digest to a session.
type SessionValidator interface {
	ValidateSession(ctx context.Context, tokenDigest string, now time.Time) (store.SessionRecord, error)
}

// SessionAuth requires a valid bearer token and stashes the session in
// the request context.
func SessionAuth(st SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				api.Err(w, r, errs.E(errs.KindInvalidCredentials))
				return
			}
			sess, err := st.ValidateSession(r.Context(), crypto.HashToken(token), time.Now().UTC())
			if err != nil {
				// Unknown and expired tokens read the same to callers.
				api.Err(w, r, errs.E(errs.KindInvalidCredentials))
				return
			}
			ctx := context.WithValue(r.Context(), SessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// SessionFrom returns the authenticated session, if any.
func SessionFrom(ctx context.Context) (store.SessionRecord, bool) {
	sess, ok := ctx.Value(SessionContextKey).(store.SessionRecord)
	return sess, ok
}

// RequireRole gates a route to the given roles. Superadmin passes every
// gate.
func RequireRole(roles ...store.Role) func(http.Handler) http.Handler {
	allowed := make(map[store.Role]bool, len(roles)+1)
	for _, role := range roles {
		allowed[role] = true
	}
	allowed[store.RoleSuperadmin] = true

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := SessionFrom(r.Context())
			if !ok {
				api.Err(w, r, errs.E(errs.KindInvalidCredentials))
				return
			}
			// Authenticated but under-privileged reads as forbidden,
			// not as a credential failure.
			if !allowed[sess.Role] {
				api.Err(w, r, errs.E(errs.KindForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the caller address, honoring X-Forwarded-For from a
// fronting proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
