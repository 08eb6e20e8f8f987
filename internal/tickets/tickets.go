// Package tickets declares the contract with the ticketing subsystem. The
// connection layer only creates ticket messages and asks about open
// tickets; everything else about tickets lives elsewhere.
package tickets

import (
	"context"
	"strconv"
	"sync"

	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// TicketRef identifies the ticket a message landed on.
type TicketRef struct {
	TicketID  string `json:"ticket_id"`
	MessageID string `json:"message_id"`
}

// Creator turns inbound items into ticket messages. Implementations must
// be idempotent keyed by (channelID, externalMessageID): replaying the same
// item yields the original TicketRef, not a second message.
type Creator interface {
	CreateOrAppendMessage(ctx context.Context, channelID, externalMessageID string, sender models.Sender, body string, attachments []models.Attachment) (TicketRef, error)

	// HasOpenTickets reports whether the channel still owns unresolved
	// tickets. Channel deletion is refused while it does.
	HasOpenTickets(ctx context.Context, channelID string) (bool, error)
}

// MemoryCreator is an in-memory Creator used in tests and development. It
// honors the idempotency contract.
type MemoryCreator struct {
	mu       sync.Mutex
	byKey    map[string]TicketRef
	open     map[string]int
	sequence int
}

// NewMemoryCreator creates an empty in-memory ticket sink.
func NewMemoryCreator() *MemoryCreator {
	return &MemoryCreator{
		byKey: make(map[string]TicketRef),
		open:  make(map[string]int),
	}
}

func (c *MemoryCreator) CreateOrAppendMessage(ctx context.Context, channelID, externalMessageID string, sender models.Sender, body string, attachments []models.Attachment) (TicketRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := channelID + "\x00" + externalMessageID
	if ref, ok := c.byKey[key]; ok {
		return ref, nil
	}
	c.sequence++
	ref := TicketRef{
		TicketID:  "ticket-" + strconv.Itoa(c.sequence),
		MessageID: "msg-" + strconv.Itoa(c.sequence),
	}
	c.byKey[key] = ref
	c.open[channelID]++
	return ref, nil
}

func (c *MemoryCreator) HasOpenTickets(ctx context.Context, channelID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[channelID] > 0, nil
}

// MessageCount returns the number of distinct messages created for a
// channel. Test helper.
func (c *MemoryCreator) MessageCount(channelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for key := range c.byKey {
		if len(key) > len(channelID) && key[:len(channelID)] == channelID && key[len(channelID)] == '\x00' {
			count++
		}
	}
	return count
}

// Resolve marks all of a channel's tickets resolved. Test helper.
func (c *MemoryCreator) Resolve(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open[channelID] = 0
}
