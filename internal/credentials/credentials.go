// Package credentials mediates access to stored channel secrets, applying
// the token refresh policy: OAuth access tokens are refreshed
// opportunistically before provider calls when they are within the refresh
// window of expiry, and rotated refresh tokens are persisted.
package credentials

import (
	"context"
	"log/slog"
	"time"

	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/storage"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// DefaultRefreshWindow is how close to expiry a token may get before a
// provider call forces a refresh.
const DefaultRefreshWindow = 5 * time.Minute

// Manager resolves a channel's credential, refreshing when needed. It and
// the OAuth coordinator are the only writers of the credential store.
type Manager struct {
	store         storage.CredentialStore
	registry      *providers.Registry
	refreshWindow time.Duration
	logger        *slog.Logger
}

// NewManager creates a credential manager.
func NewManager(store storage.CredentialStore, registry *providers.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:         store,
		registry:      registry,
		refreshWindow: DefaultRefreshWindow,
		logger:        logger,
	}
}

// Get returns the channel's credential, refreshed if it was about to
// expire. The refreshed credential is persisted before being returned so a
// crash cannot strand a rotated refresh token.
func (m *Manager) Get(ctx context.Context, ch *models.Channel) (*models.Credential, error) {
	if ch.CredentialRef == "" {
		return nil, providers.ErrAuthorization("channel has no stored credentials", nil)
	}
	cred, err := m.store.Get(ctx, ch.CredentialRef)
	if err != nil {
		return nil, providers.ErrAuthorization("credentials missing from store", err)
	}
	if !cred.HasOAuth() || cred.RefreshToken == "" || !cred.ExpiresWithin(m.refreshWindow) {
		return cred, nil
	}

	authorizer, err := m.registry.AuthorizerFor(ch.Provider)
	if err != nil {
		// Non-OAuth provider holding an expiring token is a wiring bug;
		// hand back the stored credential and let the call fail loudly.
		m.logger.Warn("token near expiry but provider has no authorizer",
			"channel_id", ch.ID, "provider", ch.Provider)
		return cred, nil
	}

	refreshed, err := authorizer.Refresh(ctx, cred)
	if err != nil {
		return nil, err
	}
	if refreshed.RefreshToken == "" {
		// Providers that do not rotate refresh tokens return only the new
		// access token; keep the old refresh token.
		refreshed.RefreshToken = cred.RefreshToken
	}
	if err := m.store.Put(ctx, ch.CredentialRef, refreshed); err != nil {
		return nil, providers.ErrAuthorization("persist refreshed credentials", err)
	}
	m.logger.Debug("refreshed channel credentials", "channel_id", ch.ID, "provider", ch.Provider)
	return refreshed, nil
}

// Put stores a credential under the channel's reference.
func (m *Manager) Put(ctx context.Context, ref string, cred *models.Credential) error {
	return m.store.Put(ctx, ref, cred)
}

// Delete removes a channel's credential.
func (m *Manager) Delete(ctx context.Context, ref string) error {
	return m.store.Delete(ctx, ref)
}
