// Package lifecycle owns the channel state machine: creation, the
// transition rules between lifecycle states, the default-channel
// invariant, the auto-suspend policy, and deletion guards. It is the sole
// writer of channel state, the default flag, and the failure counter.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fluxdesk/fluxdesk/internal/audit"
	"github.com/fluxdesk/fluxdesk/internal/observability"
	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/storage"
	"github.com/fluxdesk/fluxdesk/internal/tickets"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// FailureThreshold is the number of consecutive failures after which an
// active channel is automatically suspended.
const FailureThreshold = 10

// PushActivator registers a webhook subscription when a push channel goes
// active. Implemented by the webhook subscription manager; declared here to
// keep the dependency pointing inward.
type PushActivator interface {
	Activate(ctx context.Context, ch *models.Channel) error
}

// Descheduler drops a channel's recurring sync entry. Implemented by the
// sync scheduler; called whenever a channel leaves the active state so a
// suspended or deleted channel stops being scheduled.
type Descheduler interface {
	Remove(channelID string)
}

// Manager drives channel lifecycle transitions.
type Manager struct {
	channels     storage.ChannelStore
	credentials  storage.CredentialStore
	integrations storage.IntegrationStore
	registry     *providers.Registry
	tickets      tickets.Creator
	auditLog     *audit.Log
	pushActivate PushActivator
	descheduler  Descheduler
	metrics      *observability.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// Config wires a Manager.
type Config struct {
	Channels     storage.ChannelStore
	Credentials  storage.CredentialStore
	Integrations storage.IntegrationStore
	Registry     *providers.Registry
	Tickets      tickets.Creator
	Audit        *audit.Log
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels:     cfg.Channels,
		credentials:  cfg.Credentials,
		integrations: cfg.Integrations,
		registry:     cfg.Registry,
		tickets:      cfg.Tickets,
		auditLog:     cfg.Audit,
		metrics:      cfg.Metrics,
		logger:       logger,
		now:          time.Now,
	}
}

// SetPushActivator injects the webhook subscription manager. Wired after
// construction because the subscription manager needs the registry too.
func (m *Manager) SetPushActivator(a PushActivator) {
	m.pushActivate = a
}

// SetDescheduler injects the sync scheduler. Wired after construction
// because the scheduler needs the sync engine, which needs this manager.
func (m *Manager) SetDescheduler(d Descheduler) {
	m.descheduler = d
}

// deschedule drops the channel's recurring sync entry, if a scheduler is
// wired.
func (m *Manager) deschedule(channelID string) {
	if m.descheduler != nil {
		m.descheduler.Remove(channelID)
	}
}

// CreateParams describes a new channel.
type CreateParams struct {
	OrganizationID string
	Provider       string
	Name           string
	DepartmentID   string
	OwnerID        string

	// Credential is required for non-OAuth providers and forbidden for
	// OAuth providers (their credentials arrive via the callback).
	Credential *models.Credential
}

// Create inserts a new channel. OAuth providers start unconnected;
// non-OAuth providers are validated against the live service and start in
// configuration_pending.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*models.Channel, error) {
	p, err := m.registry.Resolve(params.Provider)
	if err != nil {
		return nil, err
	}
	caps := p.Capabilities()

	ch := &models.Channel{
		ID:             uuid.NewString(),
		OrganizationID: params.OrganizationID,
		Provider:       p.Name(),
		Kind:           caps.Kind,
		Name:           params.Name,
		DepartmentID:   params.DepartmentID,
		OwnerID:        params.OwnerID,
		State:          models.ChannelStateUnconnected,
		CreatedAt:      m.now().UTC(),
	}

	if caps.RequiresOAuth {
		if params.Credential != nil {
			return nil, providers.ErrInvalidInput("OAuth providers receive credentials through authorization, not channel creation", nil)
		}
	} else {
		if params.Credential == nil {
			return nil, providers.ErrInvalidInput(fmt.Sprintf("provider %s requires credentials at creation", p.Name()), nil)
		}
		tester, err := m.registry.TesterFor(p.Name())
		if err != nil {
			return nil, err
		}
		if err := tester.TestConnection(ctx, params.Credential); err != nil {
			return nil, err
		}
		ref := uuid.NewString()
		if err := m.credentials.Put(ctx, ref, params.Credential); err != nil {
			return nil, fmt.Errorf("store credentials: %w", err)
		}
		ch.CredentialRef = ref
		// Valid credentials at creation skip authorization entirely.
		ch.State = models.ChannelStateConfigurationPending
	}

	if err := m.channels.Create(ctx, ch); err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	m.logger.Info("channel created", "channel_id", ch.ID, "provider", ch.Provider, "state", string(ch.State))
	return ch, nil
}

// BeginAuthorization checks the preconditions for starting the OAuth flow
// and moves the channel to authorization_pending. The coordinator calls
// this before minting a state token.
func (m *Manager) BeginAuthorization(ctx context.Context, organizationID, channelID string) (*models.Channel, error) {
	ch, err := m.ownedChannel(ctx, organizationID, channelID)
	if err != nil {
		return nil, err
	}
	p, err := m.registry.Resolve(ch.Provider)
	if err != nil {
		return nil, err
	}
	caps := p.Capabilities()
	if !caps.RequiresOAuth {
		return nil, providers.ErrUnsupported(ch.Provider, "authorize")
	}
	switch ch.State {
	case models.ChannelStateUnconnected, models.ChannelStateAuthorizationPending:
	default:
		return nil, providers.ErrPrecondition(
			fmt.Sprintf("channel in state %s cannot start authorization", ch.State), nil)
	}
	if caps.RequiresPriorIntegration {
		integration, err := m.integrations.Get(ctx, organizationID, caps.IntegrationFamily)
		if err != nil && err != storage.ErrNotFound {
			return nil, fmt.Errorf("check integration: %w", err)
		}
		if !integration.Usable() {
			return nil, providers.ErrPrecondition(
				fmt.Sprintf("connect and verify the %s integration for your organization before adding this channel", caps.IntegrationFamily), nil).
				WithContext("integration_family", caps.IntegrationFamily)
		}
	}

	ch.State = models.ChannelStateAuthorizationPending
	if err := m.channels.Update(ctx, ch); err != nil {
		return nil, fmt.Errorf("update channel: %w", err)
	}
	return ch, nil
}

// MarkAuthenticated records a successful token exchange: stores the
// credential reference and moves the channel straight to
// configuration_pending (the channel does not accept or deliver mail yet).
func (m *Manager) MarkAuthenticated(ctx context.Context, channelID, credentialRef string) (*models.Channel, error) {
	ch, err := m.channels.Get(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	if ch.State != models.ChannelStateAuthorizationPending {
		return nil, providers.ErrPrecondition(
			fmt.Sprintf("channel in state %s cannot complete authorization", ch.State), nil)
	}
	ch.CredentialRef = credentialRef
	ch.State = models.ChannelStateConfigurationPending
	if err := m.channels.Update(ctx, ch); err != nil {
		return nil, fmt.Errorf("update channel: %w", err)
	}
	m.logger.Info("channel authenticated", "channel_id", ch.ID, "provider", ch.Provider)
	return ch, nil
}

// ConfigureParams carries the operator's folder/account selection.
type ConfigureParams struct {
	// Poll providers: source folder and post-processing policy.
	Folder       string
	SyncedSince  time.Time
	PollInterval time.Duration
	PostProcess  models.PostProcessAction
	MoveTarget   string

	// Push providers: external account/page binding.
	ExternalID   string
	ExternalName string
	Topics       []string
}

// Configure persists the operator's selection and activates the channel.
// For push providers the webhook subscription is registered first; a
// subscription failure leaves the channel in configuration_pending.
func (m *Manager) Configure(ctx context.Context, organizationID, channelID string, params ConfigureParams) (*models.Channel, error) {
	ch, err := m.ownedChannel(ctx, organizationID, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State != models.ChannelStateConfigurationPending {
		return nil, providers.ErrPrecondition(
			fmt.Sprintf("channel in state %s cannot be configured", ch.State), nil)
	}
	p, err := m.registry.Resolve(ch.Provider)
	if err != nil {
		return nil, err
	}

	switch p.Capabilities().Transport {
	case providers.TransportPoll:
		if params.Folder == "" {
			return nil, providers.ErrInvalidInput("source folder is required", nil)
		}
		if params.PostProcess == models.PostProcessMove && params.MoveTarget == "" {
			return nil, providers.ErrInvalidInput("move target folder is required for the move action", nil)
		}
		ch.Sync.Folder = params.Folder
		ch.Sync.SyncedSince = params.SyncedSince
		ch.Sync.PollInterval = params.PollInterval
		if ch.Sync.PollInterval <= 0 {
			ch.Sync.PollInterval = 5 * time.Minute
		}
		ch.Sync.PostProcess = params.PostProcess
		if ch.Sync.PostProcess == "" {
			ch.Sync.PostProcess = models.PostProcessLeave
		}
		ch.Sync.MoveTarget = params.MoveTarget
	case providers.TransportPush:
		if params.ExternalID == "" {
			return nil, providers.ErrInvalidInput("external account selection is required", nil)
		}
		ch.Push.ExternalID = params.ExternalID
		ch.Push.ExternalName = params.ExternalName
		ch.Push.Topics = params.Topics
		if m.pushActivate != nil {
			if err := m.pushActivate.Activate(ctx, ch); err != nil {
				return nil, err
			}
		}
	}

	ch.State = models.ChannelStateActive
	ch.FailureCount = 0
	ch.DeactivatedAt = time.Time{}
	if err := m.channels.Update(ctx, ch); err != nil {
		return nil, fmt.Errorf("update channel: %w", err)
	}
	m.logger.Info("channel activated", "channel_id", ch.ID, "provider", ch.Provider)
	return ch, nil
}

// SetDefault makes the channel the organization default for its kind,
// clearing the flag on all siblings in one transaction.
func (m *Manager) SetDefault(ctx context.Context, organizationID, channelID string) error {
	ch, err := m.ownedChannel(ctx, organizationID, channelID)
	if err != nil {
		return err
	}
	if err := m.channels.SetDefault(ctx, organizationID, ch.Kind, channelID); err != nil {
		return fmt.Errorf("set default channel: %w", err)
	}
	return nil
}

// RecordFailure increments the consecutive-failure counter and suspends
// the channel when it crosses the threshold. Returns the updated channel.
func (m *Manager) RecordFailure(ctx context.Context, channelID string, cause error) (*models.Channel, error) {
	ch, err := m.channels.Get(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	ch.FailureCount++
	if ch.State == models.ChannelStateActive && ch.FailureCount >= FailureThreshold {
		ch.State = models.ChannelStateSuspended
		ch.DeactivatedAt = m.now().UTC()
		m.deschedule(ch.ID)
		if m.metrics != nil {
			m.metrics.RecordSuspension(ch.Provider)
		}
		m.logger.Warn("channel auto-suspended",
			"channel_id", ch.ID,
			"provider", ch.Provider,
			"failure_count", ch.FailureCount,
			"error", errString(cause),
		)
		if m.auditLog != nil {
			m.auditLog.Record(ctx, audit.Entry{
				ChannelID:      ch.ID,
				OrganizationID: ch.OrganizationID,
				Type:           audit.EventAuth,
				Outcome:        audit.OutcomeError,
				Detail:         map[string]any{"auto_suspended": true, "failure_count": ch.FailureCount},
				Error:          errString(cause),
			})
		}
	}
	if err := m.channels.Update(ctx, ch); err != nil {
		return nil, fmt.Errorf("update channel: %w", err)
	}
	return ch, nil
}

// RecordSuccess resets the consecutive-failure counter and stamps the last
// sync time.
func (m *Manager) RecordSuccess(ctx context.Context, channelID string) error {
	ch, err := m.channels.Get(ctx, channelID)
	if err != nil {
		return fmt.Errorf("get channel: %w", err)
	}
	ch.FailureCount = 0
	ch.LastSyncedAt = m.now().UTC()
	if err := m.channels.Update(ctx, ch); err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	return nil
}

// Suspend manually deactivates an active channel.
func (m *Manager) Suspend(ctx context.Context, organizationID, channelID string) (*models.Channel, error) {
	ch, err := m.ownedChannel(ctx, organizationID, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State != models.ChannelStateActive {
		return nil, providers.ErrPrecondition(
			fmt.Sprintf("channel in state %s cannot be suspended", ch.State), nil)
	}
	ch.State = models.ChannelStateSuspended
	ch.DeactivatedAt = m.now().UTC()
	m.deschedule(ch.ID)
	if m.metrics != nil {
		m.metrics.RecordSuspension(ch.Provider)
	}
	if err := m.channels.Update(ctx, ch); err != nil {
		return nil, fmt.Errorf("update channel: %w", err)
	}
	return ch, nil
}

// Reactivate returns a suspended channel to active and resets the failure
// counter.
func (m *Manager) Reactivate(ctx context.Context, organizationID, channelID string) (*models.Channel, error) {
	ch, err := m.ownedChannel(ctx, organizationID, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State != models.ChannelStateSuspended {
		return nil, providers.ErrPrecondition(
			fmt.Sprintf("channel in state %s cannot be reactivated", ch.State), nil)
	}
	ch.State = models.ChannelStateActive
	ch.FailureCount = 0
	ch.DeactivatedAt = time.Time{}
	if err := m.channels.Update(ctx, ch); err != nil {
		return nil, fmt.Errorf("update channel: %w", err)
	}
	m.logger.Info("channel reactivated", "channel_id", ch.ID)
	return ch, nil
}

// Delete removes a channel. Deletion is refused for active or in-flight
// channels, for the organization default, and while the channel owns
// unresolved tickets.
func (m *Manager) Delete(ctx context.Context, organizationID, channelID string) error {
	ch, err := m.ownedChannel(ctx, organizationID, channelID)
	if err != nil {
		return err
	}
	if !ch.Deletable() {
		return providers.ErrPrecondition(
			fmt.Sprintf("channel in state %s cannot be deleted; suspend it first", ch.State), nil)
	}
	if ch.IsDefault {
		return providers.ErrPrecondition("the default channel cannot be deleted; choose another default first", nil)
	}
	open, err := m.tickets.HasOpenTickets(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("check tickets: %w", err)
	}
	if open {
		return providers.ErrPrecondition("channel still owns unresolved tickets and cannot be deleted", nil)
	}
	if ch.CredentialRef != "" {
		if err := m.credentials.Delete(ctx, ch.CredentialRef); err != nil && err != storage.ErrNotFound {
			return fmt.Errorf("delete credentials: %w", err)
		}
	}
	if err := m.channels.Delete(ctx, channelID); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	m.deschedule(channelID)
	m.logger.Info("channel deleted", "channel_id", channelID)
	return nil
}

// TestConnection verifies the channel's stored credentials. Callable at
// any state past authentication; never mutates channel state.
func (m *Manager) TestConnection(ctx context.Context, organizationID, channelID string) error {
	ch, err := m.ownedChannel(ctx, organizationID, channelID)
	if err != nil {
		return err
	}
	if ch.CredentialRef == "" {
		return providers.ErrPrecondition("channel is not authenticated yet", nil)
	}
	tester, err := m.registry.TesterFor(ch.Provider)
	if err != nil {
		return err
	}
	cred, err := m.credentials.Get(ctx, ch.CredentialRef)
	if err != nil {
		return providers.ErrAuthorization("credentials missing from store", err)
	}
	return tester.TestConnection(ctx, cred)
}

func (m *Manager) ownedChannel(ctx context.Context, organizationID, channelID string) (*models.Channel, error) {
	ch, err := m.channels.Get(ctx, channelID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, providers.ErrNotFound("channel not found", nil)
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	if ch.OrganizationID != organizationID {
		// Cross-organization access reads as absent, not forbidden.
		return nil, providers.ErrNotFound("channel not found", nil)
	}
	return ch, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
