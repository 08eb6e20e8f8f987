// Package webhooks owns the push side of channel synchronization: it
// registers and renews provider webhook subscriptions and turns verified
// inbound deliveries into queued ingest jobs.
package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fluxdesk/fluxdesk/internal/credentials"
	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/storage"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// RenewalWindow is how far ahead of subscription expiry the sweep
// re-subscribes a channel.
const RenewalWindow = 48 * time.Hour

// SubscriptionManager registers webhook subscriptions when push channels
// activate and renews them before they lapse. It implements the lifecycle
// layer's PushActivator.
type SubscriptionManager struct {
	channels     storage.ChannelStore
	credentials  *credentials.Manager
	registry     *providers.Registry
	logger       *slog.Logger
	callbackBase string

	cron *cron.Cron
	now  func() time.Time
}

// ManagerConfig wires a SubscriptionManager.
type ManagerConfig struct {
	Channels    storage.ChannelStore
	Credentials *credentials.Manager
	Registry    *providers.Registry
	Logger      *slog.Logger

	// CallbackBase is the externally reachable URL prefix for webhook
	// callbacks, for example "https://desk.example.com/webhooks".
	CallbackBase string
}

// NewSubscriptionManager creates a subscription manager.
func NewSubscriptionManager(cfg ManagerConfig) *SubscriptionManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		channels:     cfg.Channels,
		credentials:  cfg.Credentials,
		registry:     cfg.Registry,
		logger:       logger,
		callbackBase: strings.TrimRight(cfg.CallbackBase, "/"),
		cron:         cron.New(),
		now:          time.Now,
	}
}

// Activate registers the webhook subscription for a push channel going
// active. The channel record is mutated in place; the lifecycle manager
// persists it.
func (m *SubscriptionManager) Activate(ctx context.Context, ch *models.Channel) error {
	subscriber, err := m.registry.SubscriberFor(ch.Provider)
	if err != nil {
		return err
	}
	cred, err := m.credentials.Get(ctx, ch)
	if err != nil {
		return err
	}
	sub, err := subscriber.Subscribe(ctx, cred, ch.Push.ExternalID, m.CallbackURL(ch.Provider), ch.Push.Topics)
	if err != nil {
		return providers.ErrConnection("register webhook subscription", err)
	}
	if len(sub.Topics) > 0 {
		ch.Push.Topics = sub.Topics
	}
	ch.Push.SubscriptionExpiresAt = sub.ExpiresAt
	ch.LastTriggeredAt = time.Time{}
	m.logger.Info("webhook subscription registered",
		"channel_id", ch.ID,
		"provider", ch.Provider,
		"external_id", ch.Push.ExternalID,
		"expires_at", sub.ExpiresAt,
	)
	return nil
}

// CallbackURL is the inbound endpoint for a provider.
func (m *SubscriptionManager) CallbackURL(provider string) string {
	return fmt.Sprintf("%s/%s", m.callbackBase, provider)
}

// RenewExpiring re-subscribes every active push channel whose subscription
// lapses within RenewalWindow. Failures are logged and skipped; the next
// sweep retries them.
func (m *SubscriptionManager) RenewExpiring(ctx context.Context) (int, error) {
	chs, err := m.channels.List(ctx, storage.ChannelFilter{State: models.ChannelStateActive})
	if err != nil {
		return 0, fmt.Errorf("list active channels: %w", err)
	}
	cutoff := m.now().Add(RenewalWindow)
	renewed := 0
	for _, ch := range chs {
		if ch.Push.SubscriptionExpiresAt.IsZero() || ch.Push.SubscriptionExpiresAt.After(cutoff) {
			continue
		}
		if err := m.Activate(ctx, ch); err != nil {
			m.logger.Warn("webhook subscription renewal failed",
				"channel_id", ch.ID,
				"provider", ch.Provider,
				"error", err,
			)
			continue
		}
		if err := m.channels.Update(ctx, ch); err != nil {
			m.logger.Error("persist renewed subscription", "channel_id", ch.ID, "error", err)
			continue
		}
		renewed++
	}
	return renewed, nil
}

// StartRenewalSweep schedules RenewExpiring once a day.
func (m *SubscriptionManager) StartRenewalSweep() error {
	_, err := m.cron.AddFunc("@daily", func() {
		if n, err := m.RenewExpiring(context.Background()); err != nil {
			m.logger.Error("renewal sweep failed", "error", err)
		} else if n > 0 {
			m.logger.Info("renewal sweep finished", "renewed", n)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule renewal sweep: %w", err)
	}
	m.cron.Start()
	return nil
}

// StopRenewalSweep halts the sweep and waits for an in-flight run.
func (m *SubscriptionManager) StopRenewalSweep() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}
