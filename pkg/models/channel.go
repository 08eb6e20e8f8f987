package models

import "time"

// ChannelKind distinguishes the two families of channels FluxDesk supports.
type ChannelKind string

const (
	// ChannelKindEmail is a mailbox-backed channel (Microsoft 365, Google
	// Workspace, generic IMAP). Email channels are polled.
	ChannelKindEmail ChannelKind = "email"

	// ChannelKindMessaging is a social/messaging channel (Messenger,
	// Instagram, WhatsApp). Messaging channels receive pushes via webhook.
	ChannelKindMessaging ChannelKind = "messaging"
)

// ChannelState is the lifecycle state of a channel.
//
// Valid transitions:
//
//	unconnected -> authorization_pending          (OAuth providers only)
//	authorization_pending -> configuration_pending (verified OAuth callback)
//	configuration_pending -> active               (operator selects folder/account)
//	active -> suspended                           (auto-disable or operator toggle)
//	suspended -> active                           (manual reactivation)
type ChannelState string

const (
	ChannelStateUnconnected          ChannelState = "unconnected"
	ChannelStateAuthorizationPending ChannelState = "authorization_pending"
	ChannelStateConfigurationPending ChannelState = "configuration_pending"
	ChannelStateActive               ChannelState = "active"
	ChannelStateSuspended            ChannelState = "suspended"
)

// PostProcessAction is what happens to a source mailbox item after its
// ticket message has been durably created.
type PostProcessAction string

const (
	PostProcessLeave  PostProcessAction = "leave"
	PostProcessMove   PostProcessAction = "move"
	PostProcessDelete PostProcessAction = "delete"
)

// SyncConfig holds the polling configuration for email channels.
type SyncConfig struct {
	// Folder is the provider-native identifier of the source mailbox folder.
	Folder string `json:"folder,omitempty"`

	// SyncedSince is the operator-chosen lower bound; mail older than this
	// is never ingested regardless of the watermark.
	SyncedSince time.Time `json:"synced_since,omitempty"`

	// Watermark is the timestamp of the last fully processed item. It is
	// monotonically non-decreasing and only advances past items whose
	// downstream side effects have committed.
	Watermark time.Time `json:"watermark,omitempty"`

	// PollInterval is the scheduling interval for this channel.
	PollInterval time.Duration `json:"poll_interval,omitempty"`

	// PostProcess is applied to each source item after successful ingestion.
	PostProcess PostProcessAction `json:"post_process,omitempty"`

	// MoveTarget is the destination folder when PostProcess is "move".
	MoveTarget string `json:"move_target,omitempty"`
}

// PushConfig holds the webhook configuration for messaging channels.
type PushConfig struct {
	// ExternalID is the provider-side account/page identifier this channel
	// is bound to. Inbound webhook payloads are routed by this value.
	ExternalID string `json:"external_id,omitempty"`

	// ExternalName is the provider-side display name of the account.
	ExternalName string `json:"external_name,omitempty"`

	// Topics is the set of webhook topics the subscription covers.
	Topics []string `json:"topics,omitempty"`

	// SubscriptionExpiresAt is when the provider-side webhook subscription
	// lapses. Zero means the subscription does not expire. The renewal
	// sweep re-subscribes channels approaching this instant.
	SubscriptionExpiresAt time.Time `json:"subscription_expires_at,omitempty"`
}

// Channel binds an organization to one external email or messaging account.
//
// Credential material is never stored on the channel; CredentialRef is an
// opaque key into the credential store.
type Channel struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	Provider       string       `json:"provider"`
	Kind           ChannelKind  `json:"kind"`
	Name           string       `json:"name"`
	DepartmentID   string       `json:"department_id,omitempty"`
	OwnerID        string       `json:"owner_id,omitempty"`
	IsDefault      bool         `json:"is_default"`
	CredentialRef  string       `json:"-"`
	State          ChannelState `json:"state"`
	FailureCount   int          `json:"failure_count"`

	Sync SyncConfig `json:"sync,omitempty"`
	Push PushConfig `json:"push,omitempty"`

	CreatedAt       time.Time `json:"created_at"`
	LastSyncedAt    time.Time `json:"last_synced_at,omitempty"`
	LastTriggeredAt time.Time `json:"last_triggered_at,omitempty"`
	DeactivatedAt   time.Time `json:"deactivated_at,omitempty"`
}

// Deletable reports whether the channel's state permits deletion: anything
// short of active, plus suspended. A channel mid-authorization or awaiting
// configuration never delivered mail, so nothing depends on it yet. Default
// and ticket-owning checks are enforced separately by the lifecycle manager.
func (c *Channel) Deletable() bool {
	switch c.State {
	case ChannelStateUnconnected, ChannelStateConfigurationPending, ChannelStateSuspended:
		return true
	default:
		return false
	}
}
