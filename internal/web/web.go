// Package web exposes the operator HTTP API, the OAuth redirect and
// callback endpoints, and the public webhook intake.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxdesk/fluxdesk/internal/audit"
	"github.com/fluxdesk/fluxdesk/internal/auth"
	"github.com/fluxdesk/fluxdesk/internal/credentials"
	"github.com/fluxdesk/fluxdesk/internal/lifecycle"
	"github.com/fluxdesk/fluxdesk/internal/oauthflow"
	"github.com/fluxdesk/fluxdesk/internal/observability"
	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/storage"
	"github.com/fluxdesk/fluxdesk/internal/syncengine"
	"github.com/fluxdesk/fluxdesk/internal/webhooks"
)

// Config wires the handler's collaborators.
type Config struct {
	Lifecycle   *lifecycle.Manager
	OAuth       *oauthflow.Coordinator
	Engine      *syncengine.Engine
	Scheduler   *syncengine.Scheduler
	Dispatcher  *webhooks.Dispatcher
	Channels    storage.ChannelStore
	Credentials *credentials.Manager
	Registry    *providers.Registry
	AuditLog    *audit.Log
	JWT         *auth.JWTService
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// Handler is the HTTP surface of the connection layer.
type Handler struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler creates the handler and registers all routes.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Lifecycle == nil || cfg.Channels == nil {
		return nil, errors.New("web: lifecycle manager and channel store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	h.routes()
	return h, nil
}

func (h *Handler) routes() {
	h.mux.HandleFunc("/api/channels", h.apiChannels)
	h.mux.HandleFunc("/api/channels/", h.apiChannel)

	// Browser-facing OAuth endpoints. The redirect accepts the bearer
	// token as a query parameter because browsers cannot attach headers
	// to a plain link; the callback is reached by the provider and is
	// authenticated by the state token instead.
	h.mux.HandleFunc("/channels/", h.oauthRedirect)
	h.mux.HandleFunc("/channels/oauth/", h.oauthCallback)

	h.mux.HandleFunc("/webhooks/", h.webhook)

	h.mux.HandleFunc("/healthz", h.healthz)
	h.mux.Handle("/metrics", promhttp.Handler())
}

// Router returns the full middleware-wrapped handler.
func (h *Handler) Router() http.Handler {
	var handler http.Handler = h.mux
	handler = AuthMiddleware(h.cfg.JWT, h.logger)(handler)
	if h.cfg.Metrics != nil {
		handler = MetricsMiddleware(h.cfg.Metrics)(handler)
	}
	handler = LoggingMiddleware(h.logger)(handler)
	handler = RequestIDMiddleware()(handler)
	return handler
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			h.logger.Error("encode response", "error", err)
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// writeError maps provider error codes onto HTTP statuses. The structured
// message is safe to surface; underlying causes stay in the logs.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
		return
	}
	var pErr *providers.Error
	if !errors.As(err, &pErr) {
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	h.writeJSON(w, statusFor(pErr.Code), errorResponse{Error: pErr.Message, Code: string(pErr.Code)})
}

func statusFor(code providers.ErrorCode) int {
	switch code {
	case providers.ErrCodeNotFound:
		return http.StatusNotFound
	case providers.ErrCodeInvalidInput, providers.ErrCodeStateToken, providers.ErrCodeUnsupported:
		return http.StatusBadRequest
	case providers.ErrCodeWebhookSignature:
		return http.StatusUnauthorized
	case providers.ErrCodePrecondition:
		return http.StatusConflict
	case providers.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case providers.ErrCodeConnection, providers.ErrCodeSync, providers.ErrCodeTimeout,
		providers.ErrCodeAuthorization, providers.ErrCodeExchange:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// operator returns the authenticated caller or writes a 401.
func (h *Handler) operator(w http.ResponseWriter, r *http.Request) (*auth.Operator, bool) {
	op, ok := auth.OperatorFrom(r.Context())
	if !ok {
		h.jsonError(w, "authentication required", http.StatusUnauthorized)
		return nil, false
	}
	return op, true
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
