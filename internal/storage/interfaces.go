// Package storage defines the persistence contracts for the channel
// connection layer and provides in-memory and Postgres implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fluxdesk/fluxdesk/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// ChannelFilter narrows channel listings.
type ChannelFilter struct {
	OrganizationID string
	Kind           models.ChannelKind
	State          models.ChannelState
	Provider       string
}

// ChannelStore persists channel records. The lifecycle manager is the sole
// writer of State, IsDefault, and FailureCount.
type ChannelStore interface {
	Create(ctx context.Context, ch *models.Channel) error
	Get(ctx context.Context, id string) (*models.Channel, error)
	Update(ctx context.Context, ch *models.Channel) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ChannelFilter) ([]*models.Channel, error)

	// FindByExternalID resolves the channel bound to a provider-side
	// account id. Used to route inbound webhook payloads.
	FindByExternalID(ctx context.Context, provider, externalID string) (*models.Channel, error)

	// SetDefault marks the channel as the organization default for its
	// kind and clears the flag on all sibling channels in the same unit of
	// work. At most one default may exist per (organization, kind).
	SetDefault(ctx context.Context, organizationID string, kind models.ChannelKind, channelID string) error

	// AdvanceWatermark persists a new watermark for the channel. The store
	// rejects regressions: a watermark earlier than the stored one is a
	// no-op returning the stored value.
	AdvanceWatermark(ctx context.Context, channelID string, watermark time.Time) (time.Time, error)
}

// CredentialStore persists secret material keyed by an opaque reference.
// Only the OAuth coordinator and the token-refresh path write to it.
type CredentialStore interface {
	Put(ctx context.Context, ref string, cred *models.Credential) error
	Get(ctx context.Context, ref string) (*models.Credential, error)
	Delete(ctx context.Context, ref string) error
}

// IntegrationStore persists org-level provider integrations.
type IntegrationStore interface {
	Upsert(ctx context.Context, integration *models.OrgIntegration) error
	Get(ctx context.Context, organizationID, family string) (*models.OrgIntegration, error)
}

// StateToken is an ephemeral, single-use value correlating an OAuth
// authorization redirect with its callback. It carries identifiers only,
// never credentials.
type StateToken struct {
	Nonce          string    `json:"nonce"`
	ChannelID      string    `json:"channel_id"`
	OrganizationID string    `json:"organization_id"`
	Provider       string    `json:"provider"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the token's TTL has elapsed at now.
func (t *StateToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// StateTokenStore holds in-flight OAuth state tokens. Consume is atomic:
// exactly one caller can ever consume a given nonce.
type StateTokenStore interface {
	Put(ctx context.Context, token *StateToken) error

	// Consume removes and returns the token for nonce. A second call with
	// the same nonce returns ErrNotFound. The token is returned even when
	// expired; expiry is the caller's check so that expired and unknown
	// tokens can be reported distinctly.
	Consume(ctx context.Context, nonce string) (*StateToken, error)

	// Prune removes expired tokens and returns the count removed.
	Prune(ctx context.Context, now time.Time) (int, error)
}

// StoreSet groups the storage dependencies handed to the engines.
type StoreSet struct {
	Channels     ChannelStore
	Credentials  CredentialStore
	Integrations IntegrationStore
	StateTokens  StateTokenStore

	closer func() error
}

// Close releases any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
