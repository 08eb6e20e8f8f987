// Package audit provides the append-only connection audit log: one entry
// per sync run, send, webhook delivery, or auth event, with latency and
// outcome, read by operators for diagnostics.
package audit

import (
	"time"
)

// EventType categorizes audit entries.
type EventType string

const (
	EventSync    EventType = "sync"
	EventSend    EventType = "send"
	EventWebhook EventType = "webhook"
	EventAuth    EventType = "auth"
)

// Outcome is the result of the audited operation.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeError    Outcome = "error"
	OutcomeRejected Outcome = "rejected"
)

// Entry is a single immutable audit record. Entries are never mutated
// after write.
type Entry struct {
	ID             string         `json:"id"`
	ChannelID      string         `json:"channel_id"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Type           EventType      `json:"type"`
	Outcome        Outcome        `json:"outcome"`
	Latency        time.Duration  `json:"latency"`
	Detail         map[string]any `json:"detail,omitempty"`

	// Error retains the full provider error text for operator diagnosis.
	// User-facing surfaces never render this field directly.
	Error string `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
