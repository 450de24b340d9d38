package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsestream/backend/internal/core"
	"github.com/pulsestream/backend/internal/metrics"
	"github.com/pulsestream/backend/internal/multitenancy"
)

type requestIDKey struct{}

// RequestIDFromContext returns the request id assigned by the middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusRecorder captures the response status for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogging assigns a request id and emits one structured access log
// line per request.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID,
		)
		metrics.HTTPRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
	})
}

// requestTimeout bounds every handler with a deadline so a stuck
// dependency cannot pin connections open.
func requestTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tenantAuth resolves the caller to a tenant via the X-API-Key header and
// injects it into the request context. Every route behind it is
// tenant-scoped.
func (s *Server) tenantAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			// Bearer form accepted for parity with session-token
			// clients that reuse one Authorization header.
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer pk_") {
				apiKey = strings.TrimPrefix(h, "Bearer ")
			}
		}

		tenant, err := s.registry.Authenticate(r.Context(), apiKey)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(multitenancy.WithTenant(r.Context(), tenant)))
	})
}

// flexAuth accepts either a tenant API key or a session bearer token.
// The read surface serves both machine clients and dashboard sessions.
func (s *Server) flexAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			tenant, err := s.registry.Authenticate(r.Context(), apiKey)
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(multitenancy.WithTenant(r.Context(), tenant)))
			return
		}

		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			writeError(w, r, core.E(core.KindUnauthorized, "missing credentials"))
			return
		}
		claims, err := s.auth.VerifyAccess(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			writeError(w, r, err)
			return
		}
		tenant, err := s.store.TenantByID(r.Context(), claims.TenantID)
		if err != nil || !tenant.IsActive {
			writeError(w, r, core.E(core.KindUnauthorized, "invalid token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(multitenancy.WithTenant(r.Context(), tenant)))
	})
}
