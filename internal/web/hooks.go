package web

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fluxdesk/fluxdesk/internal/oauthflow"
	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/webhooks"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// oauthRedirect handles GET /channels/{id}/oauth/redirect: it mints the
// state token and bounces the operator's browser to the provider.
func (h *Handler) oauthRedirect(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/channels/")
	channelID, found := strings.CutSuffix(rest, "/oauth/redirect")
	if !found || channelID == "" || strings.Contains(channelID, "/") {
		h.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	op, ok := h.operator(w, r)
	if !ok {
		return
	}

	authURL, err := h.cfg.OAuth.Initiate(r.Context(), op.OrganizationID, channelID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// oauthCallback handles GET /channels/oauth/{provider}/callback. The
// provider's browser redirect lands here; the state token authenticates
// the flow. Outcomes are reported back to the operator UI as redirects
// with query flags rather than raw API errors.
func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/channels/oauth/")
	provider, found := strings.CutSuffix(rest, "/callback")
	if !found || provider == "" || strings.Contains(provider, "/") {
		h.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	ch, err := h.cfg.OAuth.HandleCallback(r.Context(), oauthflow.CallbackParams{
		Provider: provider,
		Code:     query.Get("code"),
		State:    query.Get("state"),
		Error:    query.Get("error"),
	})
	if err != nil {
		h.logger.Warn("oauth callback rejected", "provider", provider, "error", err)
		http.Redirect(w, r, "/channels?error="+url.QueryEscape(safeMessage(err)), http.StatusFound)
		return
	}
	http.Redirect(w, r, "/channels/"+ch.ID+"/configure?connected=1", http.StatusFound)
}

// safeMessage extracts the user-safe message from a structured error.
func safeMessage(err error) string {
	var pErr *providers.Error
	if errors.As(err, &pErr) {
		return pErr.Message
	}
	return "authorization failed"
}

// webhook handles GET and POST /webhooks/{provider}. GET answers the
// Meta-style verification handshake; POST is a delivery.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	if provider == "" || strings.Contains(provider, "/") {
		h.jsonError(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		challenge, err := h.cfg.Dispatcher.Verify(
			query.Get("hub.mode"),
			query.Get("hub.verify_token"),
			query.Get("hub.challenge"),
		)
		if err != nil {
			h.jsonError(w, "verification failed", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := io.WriteString(w, challenge); err != nil {
			h.logger.Error("write challenge", "error", err)
		}

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			h.jsonError(w, "unreadable body", http.StatusBadRequest)
			return
		}
		delivery := webhooks.Delivery{
			Provider:   provider,
			Signature:  r.Header.Get("X-Hub-Signature-256"),
			DeliveryID: deliveryID(r),
			Body:       body,
		}
		if err := h.cfg.Dispatcher.Handle(r.Context(), delivery); err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func deliveryID(r *http.Request) string {
	for _, header := range []string{"X-Delivery-Id", "X-Hub-Delivery", "X-Request-Id"} {
		if id := r.Header.Get(header); id != "" {
			return id
		}
	}
	return ""
}
