package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fluxdesk/fluxdesk/internal/auth"
	"github.com/fluxdesk/fluxdesk/internal/lifecycle"
	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/storage"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

type createChannelRequest struct {
	Provider     string             `json:"provider"`
	Name         string             `json:"name"`
	DepartmentID string             `json:"department_id,omitempty"`
	Credential   *models.Credential `json:"credential,omitempty"`
}

type configureChannelRequest struct {
	// Poll transport.
	Folder       string `json:"folder,omitempty"`
	SyncedSince  string `json:"synced_since,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	PostProcess  string `json:"post_process,omitempty"`
	MoveTarget   string `json:"move_target,omitempty"`

	// Push transport.
	ExternalID   string   `json:"external_id,omitempty"`
	ExternalName string   `json:"external_name,omitempty"`
	Topics       []string `json:"topics,omitempty"`
}

type channelListResponse struct {
	Channels []*models.Channel `json:"channels"`
	Total    int               `json:"total"`
}

// apiChannels handles GET and POST /api/channels.
func (h *Handler) apiChannels(w http.ResponseWriter, r *http.Request) {
	op, ok := h.operator(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		filter := storage.ChannelFilter{
			OrganizationID: op.OrganizationID,
			Provider:       r.URL.Query().Get("provider"),
			State:          models.ChannelState(r.URL.Query().Get("state")),
			Kind:           models.ChannelKind(r.URL.Query().Get("kind")),
		}
		channels, err := h.cfg.Channels.List(r.Context(), filter)
		if err != nil {
			h.jsonError(w, "failed to list channels", http.StatusInternalServerError)
			return
		}
		h.writeJSON(w, http.StatusOK, channelListResponse{Channels: channels, Total: len(channels)})

	case http.MethodPost:
		var req createChannelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		ch, err := h.cfg.Lifecycle.Create(r.Context(), lifecycle.CreateParams{
			OrganizationID: op.OrganizationID,
			Provider:       req.Provider,
			Name:           req.Name,
			DepartmentID:   req.DepartmentID,
			OwnerID:        op.ID,
			Credential:     req.Credential,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, ch)

	default:
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// apiChannel routes /api/channels/{id} and its sub-resources.
func (h *Handler) apiChannel(w http.ResponseWriter, r *http.Request) {
	op, ok := h.operator(w, r)
	if !ok {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	parts := strings.SplitN(rest, "/", 2)
	channelID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	if channelID == "" {
		h.jsonError(w, "channel id required", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.getChannel(w, r, op, channelID)
		case http.MethodDelete:
			h.deleteChannel(w, r, op, channelID)
		default:
			h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case "targets":
		h.listTargets(w, r, op, channelID)
	case "config":
		h.configureChannel(w, r, op, channelID)
	case "sync":
		h.syncChannel(w, r, op, channelID)
	case "default":
		h.setDefault(w, r, op, channelID)
	case "suspend":
		h.suspendChannel(w, r, op, channelID)
	case "reactivate":
		h.reactivateChannel(w, r, op, channelID)
	case "test":
		h.testChannel(w, r, op, channelID)
	case "audit":
		h.channelAudit(w, r, op, channelID)
	default:
		h.jsonError(w, "not found", http.StatusNotFound)
	}
}

// orgChannel loads a channel and hides other tenants' channels behind 404.
func (h *Handler) orgChannel(ctx context.Context, op *auth.Operator, channelID string) (*models.Channel, error) {
	ch, err := h.cfg.Channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.OrganizationID != op.OrganizationID {
		return nil, storage.ErrNotFound
	}
	return ch, nil
}

func (h *Handler) getChannel(w http.ResponseWriter, r *http.Request, op *auth.Operator, channelID string) {
	ch, err := h.orgChannel(r.Context(), op, channelID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ch)
}

func (h *Handler) deleteChannel(w http.ResponseWriter, r *http.Request, op *auth.Operator, channelID string) {
	if err := h.cfg.Lifecycle.Delete(r.Context(), op.OrganizationID, channelID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTargets(w http.ResponseWriter, r *http.Request, op *auth.Operator, channelID string) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ch, err := h.orgChannel(r.Context(), op, channelID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	discoverer, err := h.cfg.Registry.DiscovererFor(ch.Provider)
	if err != nil {
		h.writeError(w, err)
		return
	}
	cred, err := h.cfg.Credentials.Get(r.Context(), ch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	targets, err := discoverer.ListTargets(r.Context(), cred)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (h *Handler) configureChannel(w http.ResponseWriter, r *http.Request, op *auth.Operator, channelID string) {
	if r.Method != http.MethodPut {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req configureChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	params := lifecycle.ConfigureParams{
		Folder:       req.Folder,
		PostProcess:  models.PostProcessAction(req.PostProcess),
		MoveTarget:   req.MoveTarget,
		ExternalID:   req.ExternalID,
		ExternalName: req.ExternalName,
		Topics:       req.Topics,
	}
	if req.SyncedSince != "" {
		since, err := time.Parse(time.RFC3339, req.SyncedSince)
		if err != nil {
			h.jsonError(w, "synced_since must be RFC 3339", http.StatusBadRequest)
			return
		}
		params.SyncedSince = since
	}
	if req.PollInterval != "" {
		interval, err := time.ParseDuration(req.PollInterval)
		if err != nil {
			h.jsonError(w, "poll_interval must be a duration like 5m", http.StatusBadRequest)
			return
		}
		params.PollInterval = interval
	}

	ch, err := h.cfg.Lifecycle.Configure(r.Context(), op.OrganizationID, channelID, params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.scheduleIfPolling(ch)
	h.writeJSON(w, http.StatusOK, ch)
}

func (h *Handler) syncChannel(w http.ResponseWriter, r *http.Request, op *auth.Operator, channelID string) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := h.cfg.Engine.SyncNow(r.Context(), op.OrganizationID, channelID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if result == nil {
		// A run is already in flight for this channel.
		h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "busy"})
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) setDefault(w http.ResponseWriter, r *http.Request, op *auth.Operator, channelID string) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.cfg.Lifecycle.SetDefault(r.Context(), op.OrganizationID, channelID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) suspendChannel(w http.ResponseWriter, r *http.Request, op *auth.Operator, channelID string) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ch, err := h.cfg.Lifecycle.Suspend(r.Context(), op.OrganizationID, channelID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ch)
}

func (h *Handler) reactivateChannel(w http.ResponseWriter, r *http.Request, op *auth.Operator, channelID string) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ch, err := h.cfg.Lifecycle.Reactivate(r.Context(), op.OrganizationID, channelID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.scheduleIfPolling(ch)
	h.writeJSON(w, http.StatusOK, ch)
}

func (h *Handler) testChannel(w http.ResponseWriter, r *http.Request, op *auth.Operator, channelID string) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.cfg.Lifecycle.TestConnection(r.Context(), op.OrganizationID, channelID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) channelAudit(w http.ResponseWriter, r *http.Request, op *auth.Operator, channelID string) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.orgChannel(r.Context(), op, channelID); err != nil {
		h.writeError(w, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}
	entries, err := h.cfg.AuditLog.Recent(r.Context(), channelID, limit)
	if err != nil {
		h.jsonError(w, "failed to read audit log", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) scheduleIfPolling(ch *models.Channel) {
	if h.cfg.Scheduler == nil || h.cfg.Registry == nil {
		return
	}
	p, err := h.cfg.Registry.Resolve(ch.Provider)
	if err != nil || p.Capabilities().Transport != providers.TransportPoll {
		return
	}
	if err := h.cfg.Scheduler.Add(ch); err != nil {
		h.logger.Warn("failed to schedule channel", "channel_id", ch.ID, "error", err)
	}
}
