// Package providers defines the contracts between FluxDesk's channel
// connection layer and the external services it binds to.
//
// A Provider implements one external service's authorization, discovery,
// fetch/send, and (if applicable) webhook contract. Capabilities are
// expressed as narrow interfaces a provider either implements or not; the
// registry's capability lookups fail closed with a typed
// UNSUPPORTED_OPERATION error instead of silently no-opping.
package providers

import (
	"context"
	"time"

	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// Transport describes how inbound items reach FluxDesk.
type Transport string

const (
	// TransportPoll means the sync engine fetches items on a schedule.
	TransportPoll Transport = "poll"

	// TransportPush means the provider delivers items via webhook.
	TransportPush Transport = "push"
)

// Capabilities is the static capability descriptor for a provider. It is
// compiled into the binary, not persisted.
type Capabilities struct {
	// RequiresOAuth reports whether channel setup runs the OAuth
	// authorization-code flow. Non-OAuth providers authenticate with
	// operator-supplied credentials at channel creation.
	RequiresOAuth bool

	// Transport is poll or push.
	Transport Transport

	// RequiresPriorIntegration requires a verified and active org-level
	// integration of IntegrationFamily before a channel may authorize.
	RequiresPriorIntegration bool

	// IntegrationFamily names the org integration family (for example
	// "meta") when RequiresPriorIntegration is set.
	IntegrationFamily string

	// Kind is the channel kind this provider produces.
	Kind models.ChannelKind
}

// Provider is the minimal contract every provider satisfies. Everything
// else is a capability interface.
type Provider interface {
	// Name returns the stable provider identifier used in channel records
	// and callback routes (for example "microsoft365").
	Name() string

	// Capabilities returns the static capability descriptor.
	Capabilities() Capabilities
}

// Target is a selectable destination discovered on the provider side: a
// mail folder for poll providers, an account/page for push providers.
type Target struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Authorizer is implemented by OAuth providers.
type Authorizer interface {
	// AuthCodeURL builds the provider authorization URL carrying state as
	// the CSRF-binding state parameter.
	AuthCodeURL(state string) string

	// Exchange swaps an authorization code for channel credentials.
	Exchange(ctx context.Context, code string) (*models.Credential, error)

	// Refresh obtains fresh token material using the stored refresh token.
	// It returns the rotated credential; the caller persists it.
	Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error)
}

// ConnectionTester verifies stored credentials still work. It must be
// callable at any lifecycle state past authenticated and must not mutate
// provider-side state.
type ConnectionTester interface {
	TestConnection(ctx context.Context, cred *models.Credential) error
}

// TargetDiscoverer lists folders (poll) or accounts (push) the operator can
// bind the channel to.
type TargetDiscoverer interface {
	ListTargets(ctx context.Context, cred *models.Credential) ([]Target, error)
}

// Fetcher retrieves inbound items for poll providers. Results are ordered
// ascending by provider timestamp and bounded by limit. The sequence is not
// assumed de-duplicated; the sync engine de-duplicates by ExternalID.
type Fetcher interface {
	FetchSince(ctx context.Context, cred *models.Credential, folder string, since time.Time, limit int) ([]*models.InboundMessage, error)
}

// Sender delivers an outbound reply through the provider transport.
type Sender interface {
	Send(ctx context.Context, cred *models.Credential, msg *models.OutboundMessage) error
}

// PostProcessor applies the channel's post-processing action to a source
// item after its ticket message has committed.
type PostProcessor interface {
	Dispose(ctx context.Context, cred *models.Credential, msg *models.InboundMessage, action models.PostProcessAction, target string) error
}

// Subscription describes a registered webhook subscription.
type Subscription struct {
	ExternalID  string    `json:"external_id"`
	Topics      []string  `json:"topics"`
	CallbackURL string    `json:"callback_url"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Event is one inbound item decoded from a webhook delivery, tagged with
// the provider-side account the delivery targets.
type Event struct {
	// ExternalID routes the event to the channel bound to that account.
	ExternalID string

	Message *models.InboundMessage
}

// EventParser decodes a verified webhook payload into events. It is only
// ever called after VerifySignature accepted the payload.
type EventParser interface {
	ParseEvents(body []byte) ([]Event, error)
}

// WebhookSubscriber is implemented by push providers.
type WebhookSubscriber interface {
	// Subscribe registers the application's inbound endpoint for the given
	// external account and topic set.
	Subscribe(ctx context.Context, cred *models.Credential, externalID, callbackURL string, topics []string) (*Subscription, error)

	// VerifySignature checks the provider signature header against the raw
	// payload. It is called before any parsing; a non-nil return means the
	// payload must be rejected without further processing.
	VerifySignature(signature string, body []byte) error
}
