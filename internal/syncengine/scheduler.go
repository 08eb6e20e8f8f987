package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/storage"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// Scheduler keeps a cron entry per active poll channel at the channel's
// poll interval. The lifecycle layer calls Add/Remove as channels activate
// and suspend.
type Scheduler struct {
	engine   *Engine
	channels storage.ChannelStore
	registry *providers.Registry
	logger   *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler. Call Reload then Start.
func NewScheduler(engine *Engine, channels storage.ChannelStore, registry *providers.Registry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   engine,
		channels: channels,
		registry: registry,
		logger:   logger,
		cron:     cron.New(),
		entries:  make(map[string]cron.EntryID),
	}
}

// Reload rebuilds the schedule from the store: every active poll channel
// gets an entry, everything else is dropped. Run at startup.
func (s *Scheduler) Reload(ctx context.Context) error {
	chs, err := s.channels.List(ctx, storage.ChannelFilter{State: models.ChannelStateActive})
	if err != nil {
		return fmt.Errorf("list active channels: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	for _, ch := range chs {
		p, err := s.registry.Resolve(ch.Provider)
		if err != nil || p.Capabilities().Transport != providers.TransportPoll {
			continue
		}
		if err := s.add(ch); err != nil {
			return err
		}
	}
	s.logger.Info("sync schedule rebuilt", "channels", len(s.entries))
	return nil
}

// Add schedules the channel at its poll interval, replacing any existing
// entry. Called when a poll channel goes active.
func (s *Scheduler) Add(ch *models.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[ch.ID]; ok {
		s.cron.Remove(entry)
		delete(s.entries, ch.ID)
	}
	return s.add(ch)
}

func (s *Scheduler) add(ch *models.Channel) error {
	interval := ch.Sync.PollInterval
	if interval <= 0 {
		return providers.ErrInvalidInput(
			fmt.Sprintf("channel %s has no poll interval", ch.ID), nil)
	}
	channelID := ch.ID
	entry, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if _, err := s.engine.Run(context.Background(), channelID); err != nil {
			s.logger.Warn("scheduled sync failed", "channel_id", channelID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule channel %s: %w", ch.ID, err)
	}
	s.entries[ch.ID] = entry
	return nil
}

// Remove drops the channel's entry. Called on suspend and delete; removing
// an unscheduled channel is a no-op.
func (s *Scheduler) Remove(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[channelID]; ok {
		s.cron.Remove(entry)
		delete(s.entries, channelID)
	}
}

// Scheduled reports whether the channel currently has a cron entry.
func (s *Scheduler) Scheduled(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[channelID]
	return ok
}

// Start begins firing entries on their schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight runs started by the cron
// to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
