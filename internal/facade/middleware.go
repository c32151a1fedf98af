package facade

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/corsair-labs/marketplace-orchestrator/internal/obs"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/tenant"
)

// responseWriter captures the status code for access logging, the same
// wrapper shape the teacher's admin-api middleware uses.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// recoverMiddleware turns a panic in a handler into a 500 instead of a
// dropped connection, adapted from the teacher's RecoveryMiddleware.
func (f *Facade) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				f.log.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				f.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLogMiddleware logs every request's method, path, tenant, status and
// latency, grounded on the teacher's AuditMiddleware but unconditional
// rather than destructive-operations-only, since every call here is
// already tenant-scoped and worth a trail.
func (f *Facade) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		f.log.Info("facade request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// tenantMiddleware extracts {tenant} from the path and attaches a
// reqctx.Request to the request context for every downstream handler.
func (f *Facade) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["tenant"]
		if id == "" {
			f.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing tenant in path"})
			return
		}
		rc := reqctx.New(tenant.ID(id))
		if cid := r.Header.Get("X-Correlation-ID"); cid != "" {
			rc.CorrelationID = cid
		}
		next.ServeHTTP(w, r.WithContext(reqctx.WithRequest(r.Context(), rc)))
	})
}

// rateLimitMiddleware enforces a per-tenant token bucket, the same
// rate.NewLimiter construction the teacher's event-hooks/webhook.go uses
// per subscription, keyed here by tenant instead of by webhook.
func (f *Facade) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, ok := reqctx.FromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if !f.limiterFor(rc.Tenant).Allow() {
			obs.RateLimitRejections.WithLabelValues(rc.Tenant.String(), "facade").Inc()
			f.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
