package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluxdesk/fluxdesk/internal/auth"
	"github.com/fluxdesk/fluxdesk/internal/observability"
)

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// RequestIDMiddleware assigns each request a correlation id, honoring one
// supplied by an upstream proxy.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", requestID)
			ctx := observability.AddRequestID(r.Context(), requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggingMiddleware logs HTTP requests.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			if logger != nil {
				logger.Debug("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", wrapped.status,
					"duration", time.Since(start),
					"remote_addr", r.RemoteAddr,
					"request_id", observability.GetRequestID(r.Context()),
				)
			}
		})
	}
}

// MetricsMiddleware records request counts and latency.
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			metrics.RecordHTTPRequest(
				r.Method,
				metricPath(r.URL.Path),
				strconv.Itoa(wrapped.status),
				time.Since(start).Seconds(),
			)
		})
	}
}

// metricPath collapses per-resource ids so label cardinality stays bounded.
func metricPath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if _, err := uuid.Parse(part); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// AuthMiddleware enforces JWT authentication on /api/ routes and the OAuth
// redirect. Webhook intake and the OAuth callback stay public: the former
// is authenticated by payload signature, the latter by the state token.
func AuthMiddleware(jwtService *auth.JWTService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !requiresAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if jwtService == nil {
				http.Error(w, `{"error":"authentication not configured"}`, http.StatusUnauthorized)
				return
			}

			token := bearerToken(r)
			if token == "" {
				// Browser links cannot carry headers; the OAuth
				// redirect accepts the token as a query parameter.
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			op, err := jwtService.Validate(token)
			if err != nil {
				if logger != nil {
					logger.Warn("jwt validation failed", "error", err)
				}
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			ctx := auth.WithOperator(r.Context(), op)
			ctx = observability.AddOrganizationID(ctx, op.OrganizationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requiresAuth(path string) bool {
	if strings.HasPrefix(path, "/api/") {
		return true
	}
	// /channels/{id}/oauth/redirect needs an operator; the provider-facing
	// /channels/oauth/{provider}/callback does not.
	if strings.HasPrefix(path, "/channels/") && strings.HasSuffix(path, "/oauth/redirect") {
		return true
	}
	return false
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
