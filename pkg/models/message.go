package models

import "time"

// Sender identifies the external author of an inbound message.
type Sender struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
}

// Attachment is a file attached to an inbound or outbound message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
	Data        []byte `json:"-"`
}

// InboundMessage is one item fetched from a provider or delivered via
// webhook, normalized across providers.
type InboundMessage struct {
	// ExternalID is the provider-native message identifier. Ingestion is
	// idempotent keyed by (channel, ExternalID).
	ExternalID string `json:"external_id"`

	// ProviderRef is the provider-internal handle needed for post-processing
	// (for example a Graph message id or an IMAP UID). It may equal
	// ExternalID for providers without a separate handle.
	ProviderRef string `json:"provider_ref,omitempty"`

	Folder      string       `json:"folder,omitempty"`
	Sender      Sender       `json:"sender"`
	Subject     string       `json:"subject,omitempty"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReceivedAt  time.Time    `json:"received_at"`
}

// OutboundMessage is a reply delivered through a channel's transport.
type OutboundMessage struct {
	// To is the recipient address or external user id.
	To string `json:"to"`

	// InReplyTo is the external id of the message being replied to, when
	// the provider threads replies.
	InReplyTo string `json:"in_reply_to,omitempty"`

	Subject     string       `json:"subject,omitempty"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
