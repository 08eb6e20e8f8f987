package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists audit entries. Implementations must treat entries as
// append-only.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Recent(ctx context.Context, channelID string, limit int) ([]*Entry, error)
}

// Config configures the audit log.
type Config struct {
	// BufferSize bounds the async write queue. Writes beyond a full
	// buffer fall back to synchronous persistence rather than dropping.
	BufferSize int

	// Logger receives a structured line per entry alongside persistence.
	Logger *slog.Logger

	// Store is the backing store; defaults to an in-memory ring.
	Store Store
}

// Log is the connection audit log. Record is cheap and non-blocking in the
// common case: entries are queued and persisted by a background writer.
type Log struct {
	store  Store
	logger *slog.Logger
	buffer chan *Entry
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

// NewLog creates an audit log and starts its background writer.
func NewLog(cfg Config) *Log {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(1024)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Log{
		store:  cfg.Store,
		logger: cfg.Logger,
		buffer: make(chan *Entry, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l
}

// Record appends an entry. Missing ID and Timestamp are filled in.
func (l *Log) Record(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	select {
	case l.buffer <- &entry:
	default:
		// Queue full; persist inline so the entry is not lost.
		l.persist(&entry)
	}
}

// Recent returns up to limit entries for the channel, newest first.
func (l *Log) Recent(ctx context.Context, channelID string, limit int) ([]*Entry, error) {
	return l.store.Recent(ctx, channelID, limit)
}

// Close drains the queue and stops the writer.
func (l *Log) Close() {
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
}

func (l *Log) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.buffer:
			l.persist(entry)
		case <-l.done:
			for {
				select {
				case entry := <-l.buffer:
					l.persist(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) persist(entry *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.Append(ctx, entry); err != nil {
		l.logger.Error("audit append failed", "error", err, "channel_id", entry.ChannelID)
	}
	l.logger.Info("audit",
		"type", string(entry.Type),
		"outcome", string(entry.Outcome),
		"channel_id", entry.ChannelID,
		"latency_ms", entry.Latency.Milliseconds(),
		"error", entry.Error,
	)
}

// MemoryStore keeps the most recent entries in a bounded ring.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	max     int
}

// NewMemoryStore creates a ring store holding at most max entries.
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1024
	}
	return &MemoryStore{max: max}
}

func (s *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, channelID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]*Entry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if channelID != "" && e.ChannelID != channelID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
