// Package oauthflow runs the OAuth authorization-code dance for channel
// providers: it mints the single-use state token binding the browser
// redirect to its callback, and turns the callback into stored credentials
// and an authenticated channel.
package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxdesk/fluxdesk/internal/audit"
	"github.com/fluxdesk/fluxdesk/internal/lifecycle"
	"github.com/fluxdesk/fluxdesk/internal/observability"
	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/storage"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// StateTokenTTL bounds how long an authorization redirect may sit
// unfinished before its callback is rejected.
const StateTokenTTL = 10 * time.Minute

// Coordinator drives the authorization-code flow.
type Coordinator struct {
	lifecycle   *lifecycle.Manager
	registry    *providers.Registry
	states      storage.StateTokenStore
	credentials storage.CredentialStore
	auditLog    *audit.Log
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

// Config wires a Coordinator.
type Config struct {
	Lifecycle   *lifecycle.Manager
	Registry    *providers.Registry
	States      storage.StateTokenStore
	Credentials storage.CredentialStore
	Audit       *audit.Log
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
	Logger      *slog.Logger
}

// NewCoordinator creates an OAuth flow coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		lifecycle:   cfg.Lifecycle,
		registry:    cfg.Registry,
		states:      cfg.States,
		credentials: cfg.Credentials,
		auditLog:    cfg.Audit,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      logger,
		now:         time.Now,
	}
}

// Initiate validates the channel's preconditions, mints a single-use state
// token, and returns the provider authorization URL for the browser
// redirect.
func (c *Coordinator) Initiate(ctx context.Context, organizationID, channelID string) (string, error) {
	ch, err := c.lifecycle.BeginAuthorization(ctx, organizationID, channelID)
	if err != nil {
		return "", err
	}
	authorizer, err := c.registry.AuthorizerFor(ch.Provider)
	if err != nil {
		return "", err
	}

	nonce, err := newNonce()
	if err != nil {
		return "", providers.ErrInternal("generate state token", err)
	}
	now := c.now().UTC()
	token := &storage.StateToken{
		Nonce:          nonce,
		ChannelID:      ch.ID,
		OrganizationID: ch.OrganizationID,
		Provider:       ch.Provider,
		IssuedAt:       now,
		ExpiresAt:      now.Add(StateTokenTTL),
	}
	if err := c.states.Put(ctx, token); err != nil {
		return "", fmt.Errorf("store state token: %w", err)
	}

	c.logger.Info("authorization initiated",
		"channel_id", ch.ID,
		"provider", ch.Provider,
	)
	return authorizer.AuthCodeURL(nonce), nil
}

// CallbackParams are the query parameters the provider appends to the
// callback redirect.
type CallbackParams struct {
	// Provider is the provider segment of the callback route.
	Provider string

	Code  string
	State string

	// Error is the provider's error query parameter, set when the operator
	// denied consent or the provider rejected the request.
	Error string
}

// HandleCallback completes the flow: it consumes the state token exactly
// once, exchanges the code, persists the credentials, and moves the channel
// to configuration_pending. Every rejection path leaves the channel
// untouched.
func (c *Coordinator) HandleCallback(ctx context.Context, params CallbackParams) (ch *models.Channel, err error) {
	start := c.now()
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.TraceOAuthCallback(ctx, params.Provider)
		defer func() {
			c.tracer.RecordError(span, err)
			span.End()
		}()
	}
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordOAuthFlow(params.Provider, flowOutcome(err))
		}
	}()

	if params.Error != "" {
		return nil, c.reject(ctx, "", params.Provider, start,
			providers.ErrAuthorization(fmt.Sprintf("provider returned %q; the operator may have denied consent", params.Error), nil))
	}
	if params.State == "" {
		return nil, c.reject(ctx, "", params.Provider, start,
			providers.ErrStateToken("callback missing state parameter", nil))
	}
	if params.Code == "" {
		return nil, c.reject(ctx, "", params.Provider, start,
			providers.ErrStateToken("callback missing authorization code", nil))
	}

	token, err := c.states.Consume(ctx, params.State)
	if err != nil {
		if err == storage.ErrNotFound {
			// Unknown or replayed: either way the bearer proved nothing.
			return nil, c.reject(ctx, "", params.Provider, start,
				providers.ErrStateToken("state token unknown or already used", nil))
		}
		return nil, fmt.Errorf("consume state token: %w", err)
	}
	if token.Expired(c.now()) {
		return nil, c.reject(ctx, token.ChannelID, params.Provider, start,
			providers.ErrStateToken("authorization expired; start over", nil))
	}
	if token.Provider != params.Provider {
		// The token was minted for a different callback route.
		return nil, c.reject(ctx, token.ChannelID, params.Provider, start,
			providers.ErrStateToken("state token does not match callback provider", nil))
	}

	authorizer, err := c.registry.AuthorizerFor(token.Provider)
	if err != nil {
		return nil, err
	}
	cred, err := authorizer.Exchange(ctx, params.Code)
	if err != nil {
		return nil, c.reject(ctx, token.ChannelID, token.Provider, start,
			providers.ErrExchange("code exchange failed", err))
	}

	ref := uuid.NewString()
	if err := c.credentials.Put(ctx, ref, cred); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}
	ch, err = c.lifecycle.MarkAuthenticated(ctx, token.ChannelID, ref)
	if err != nil {
		// Channel moved underneath the flow; drop the orphaned secret.
		if derr := c.credentials.Delete(ctx, ref); derr != nil {
			c.logger.Warn("orphaned credential cleanup failed", "ref", ref, "error", derr)
		}
		return nil, err
	}

	if c.auditLog != nil {
		c.auditLog.Record(ctx, audit.Entry{
			ChannelID:      ch.ID,
			OrganizationID: ch.OrganizationID,
			Type:           audit.EventAuth,
			Outcome:        audit.OutcomeOK,
			Latency:        c.now().Sub(start),
			Detail:         map[string]any{"provider": ch.Provider},
		})
	}
	c.logger.Info("authorization completed", "channel_id", ch.ID, "provider", ch.Provider)
	return ch, nil
}

// PruneStates removes expired state tokens. Run on a schedule.
func (c *Coordinator) PruneStates(ctx context.Context) (int, error) {
	return c.states.Prune(ctx, c.now())
}

func (c *Coordinator) reject(ctx context.Context, channelID, provider string, start time.Time, cause *providers.Error) error {
	c.logger.Warn("authorization callback rejected",
		"provider", provider,
		"channel_id", channelID,
		"error", cause.Error(),
	)
	if c.auditLog != nil {
		c.auditLog.Record(ctx, audit.Entry{
			ChannelID: channelID,
			Type:      audit.EventAuth,
			Outcome:   audit.OutcomeRejected,
			Latency:   c.now().Sub(start),
			Error:     cause.Error(),
		})
	}
	return cause
}

// flowOutcome maps a callback result to its metric label: completed,
// denied (operator refused consent), rejected (state token or code
// exchange refused), or error.
func flowOutcome(err error) string {
	if err == nil {
		return "completed"
	}
	switch providers.GetErrorCode(err) {
	case providers.ErrCodeAuthorization:
		return "denied"
	case providers.ErrCodeStateToken, providers.ErrCodeExchange:
		return "rejected"
	default:
		return "error"
	}
}

func newNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
