package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fluxdesk/fluxdesk/internal/observability"
	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/storage"
	"github.com/fluxdesk/fluxdesk/internal/tickets"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

type oauthMail struct{}

func (oauthMail) Name() string { return "mailcloud" }
func (oauthMail) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		RequiresOAuth: true,
		Transport:     providers.TransportPoll,
		Kind:          models.ChannelKindEmail,
	}
}
func (oauthMail) AuthCodeURL(state string) string { return "https://auth.example/?state=" + state }
func (oauthMail) Exchange(ctx context.Context, code string) (*models.Credential, error) {
	return &models.Credential{AccessToken: "at"}, nil
}
func (oauthMail) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	return cred, nil
}
func (oauthMail) TestConnection(ctx context.Context, cred *models.Credential) error { return nil }

type basicMail struct {
	testErr error
}

func (basicMail) Name() string { return "plainmail" }
func (basicMail) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		Transport: providers.TransportPoll,
		Kind:      models.ChannelKindEmail,
	}
}
func (p basicMail) TestConnection(ctx context.Context, cred *models.Credential) error {
	return p.testErr
}

type socialPush struct{}

func (socialPush) Name() string { return "socialgram" }
func (socialPush) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		RequiresOAuth:            true,
		Transport:                providers.TransportPush,
		RequiresPriorIntegration: true,
		IntegrationFamily:        "social",
		Kind:                     models.ChannelKindMessaging,
	}
}
func (socialPush) AuthCodeURL(state string) string { return "https://social.example/?state=" + state }
func (socialPush) Exchange(ctx context.Context, code string) (*models.Credential, error) {
	return &models.Credential{AccessToken: "at"}, nil
}
func (socialPush) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	return cred, nil
}

type fakeActivator struct {
	calls int
	err   error
}

func (f *fakeActivator) Activate(ctx context.Context, ch *models.Channel) error {
	f.calls++
	return f.err
}

type fakeDescheduler struct {
	removed []string
}

func (f *fakeDescheduler) Remove(channelID string) {
	f.removed = append(f.removed, channelID)
}

type fixture struct {
	mgr     *Manager
	stores  storage.StoreSet
	tickets *tickets.MemoryCreator
}

func newFixture(t *testing.T, register ...providers.Provider) *fixture {
	t.Helper()
	reg := providers.NewRegistry()
	if len(register) == 0 {
		register = []providers.Provider{oauthMail{}, basicMail{}, socialPush{}}
	}
	for _, p := range register {
		reg.Register(p)
	}
	stores := storage.NewMemoryStores()
	tk := tickets.NewMemoryCreator()
	mgr := NewManager(Config{
		Channels:     stores.Channels,
		Credentials:  stores.Credentials,
		Integrations: stores.Integrations,
		Registry:     reg,
		Tickets:      tk,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &fixture{mgr: mgr, stores: stores, tickets: tk}
}

func TestCreateOAuthChannelStartsUnconnected(t *testing.T) {
	f := newFixture(t)
	ch, err := f.mgr.Create(context.Background(), CreateParams{
		OrganizationID: "org-1",
		Provider:       "mailcloud",
		Name:           "Support Inbox",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ch.State != models.ChannelStateUnconnected {
		t.Errorf("state = %s, want %s", ch.State, models.ChannelStateUnconnected)
	}
	if ch.Kind != models.ChannelKindEmail {
		t.Errorf("kind = %s, want email", ch.Kind)
	}
}

func TestCreateOAuthChannelRejectsInlineCredentials(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Create(context.Background(), CreateParams{
		OrganizationID: "org-1",
		Provider:       "mailcloud",
		Name:           "Support Inbox",
		Credential:     &models.Credential{AccessToken: "sneak"},
	})
	if providers.GetErrorCode(err) != providers.ErrCodeInvalidInput {
		t.Fatalf("error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodeInvalidInput)
	}
}

func TestCreateBasicChannelValidatesAndSkipsAuthorization(t *testing.T) {
	f := newFixture(t)
	ch, err := f.mgr.Create(context.Background(), CreateParams{
		OrganizationID: "org-1",
		Provider:       "plainmail",
		Name:           "Legacy Inbox",
		Credential:     &models.Credential{Host: "imap.example.com", Port: 993, Username: "support", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ch.State != models.ChannelStateConfigurationPending {
		t.Errorf("state = %s, want %s", ch.State, models.ChannelStateConfigurationPending)
	}
	if ch.CredentialRef == "" {
		t.Error("credential ref not stored")
	}
	if _, err := f.stores.Credentials.Get(context.Background(), ch.CredentialRef); err != nil {
		t.Errorf("stored credential missing: %v", err)
	}
}

func TestCreateBasicChannelRejectsBadCredentials(t *testing.T) {
	f := newFixture(t, basicMail{testErr: providers.ErrAuthorization("login failed", nil)})
	_, err := f.mgr.Create(context.Background(), CreateParams{
		OrganizationID: "org-1",
		Provider:       "plainmail",
		Name:           "Legacy Inbox",
		Credential:     &models.Credential{Host: "imap.example.com"},
	})
	if providers.GetErrorCode(err) != providers.ErrCodeAuthorization {
		t.Fatalf("error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodeAuthorization)
	}
	chs, _ := f.stores.Channels.List(context.Background(), storage.ChannelFilter{OrganizationID: "org-1"})
	if len(chs) != 0 {
		t.Errorf("channel persisted despite failed validation")
	}
}

func TestBeginAuthorizationRequiresUsableIntegration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, err := f.mgr.Create(ctx, CreateParams{OrganizationID: "org-1", Provider: "socialgram", Name: "Page"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = f.mgr.BeginAuthorization(ctx, "org-1", ch.ID)
	if providers.GetErrorCode(err) != providers.ErrCodePrecondition {
		t.Fatalf("without integration: error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodePrecondition)
	}

	// Present but unverified is still blocked.
	if err := f.stores.Integrations.Upsert(ctx, &models.OrgIntegration{
		OrganizationID: "org-1", Family: "social", Verified: false, Active: true,
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := f.mgr.BeginAuthorization(ctx, "org-1", ch.ID); providers.GetErrorCode(err) != providers.ErrCodePrecondition {
		t.Fatalf("unverified integration: error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodePrecondition)
	}

	if err := f.stores.Integrations.Upsert(ctx, &models.OrgIntegration{
		OrganizationID: "org-1", Family: "social", Verified: true, Active: true,
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, err := f.mgr.BeginAuthorization(ctx, "org-1", ch.ID)
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}
	if got.State != models.ChannelStateAuthorizationPending {
		t.Errorf("state = %s, want %s", got.State, models.ChannelStateAuthorizationPending)
	}
}

func TestBeginAuthorizationIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, _ := f.mgr.Create(ctx, CreateParams{OrganizationID: "org-1", Provider: "mailcloud", Name: "Inbox"})
	if _, err := f.mgr.BeginAuthorization(ctx, "org-1", ch.ID); err != nil {
		t.Fatalf("first BeginAuthorization() error = %v", err)
	}
	// Abandoned flows restart without operator intervention.
	if _, err := f.mgr.BeginAuthorization(ctx, "org-1", ch.ID); err != nil {
		t.Fatalf("repeat BeginAuthorization() error = %v", err)
	}
}

func TestMarkAuthenticatedAdvancesToConfigurationPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, _ := f.mgr.Create(ctx, CreateParams{OrganizationID: "org-1", Provider: "mailcloud", Name: "Inbox"})

	if _, err := f.mgr.MarkAuthenticated(ctx, ch.ID, "ref-1"); providers.GetErrorCode(err) != providers.ErrCodePrecondition {
		t.Fatalf("from unconnected: error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodePrecondition)
	}

	if _, err := f.mgr.BeginAuthorization(ctx, "org-1", ch.ID); err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}
	got, err := f.mgr.MarkAuthenticated(ctx, ch.ID, "ref-1")
	if err != nil {
		t.Fatalf("MarkAuthenticated() error = %v", err)
	}
	if got.State != models.ChannelStateConfigurationPending {
		t.Errorf("state = %s, want %s", got.State, models.ChannelStateConfigurationPending)
	}
	if got.CredentialRef != "ref-1" {
		t.Errorf("credential ref = %q, want ref-1", got.CredentialRef)
	}
}

func TestConfigurePollChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, _ := f.mgr.Create(ctx, CreateParams{
		OrganizationID: "org-1", Provider: "plainmail", Name: "Inbox",
		Credential: &models.Credential{Host: "imap.example.com"},
	})

	if _, err := f.mgr.Configure(ctx, "org-1", ch.ID, ConfigureParams{}); providers.GetErrorCode(err) != providers.ErrCodeInvalidInput {
		t.Fatalf("missing folder: error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodeInvalidInput)
	}
	if _, err := f.mgr.Configure(ctx, "org-1", ch.ID, ConfigureParams{
		Folder: "INBOX", PostProcess: models.PostProcessMove,
	}); providers.GetErrorCode(err) != providers.ErrCodeInvalidInput {
		t.Fatalf("move without target: error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodeInvalidInput)
	}

	got, err := f.mgr.Configure(ctx, "org-1", ch.ID, ConfigureParams{Folder: "INBOX"})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if got.State != models.ChannelStateActive {
		t.Errorf("state = %s, want %s", got.State, models.ChannelStateActive)
	}
	if got.Sync.PollInterval != 5*time.Minute {
		t.Errorf("poll interval = %v, want default 5m", got.Sync.PollInterval)
	}
	if got.Sync.PostProcess != models.PostProcessLeave {
		t.Errorf("post-process = %s, want default leave", got.Sync.PostProcess)
	}
}

func TestConfigurePushChannelActivatesSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stores.Integrations.Upsert(ctx, &models.OrgIntegration{
		OrganizationID: "org-1", Family: "social", Verified: true, Active: true,
	})
	ch, _ := f.mgr.Create(ctx, CreateParams{OrganizationID: "org-1", Provider: "socialgram", Name: "Page"})
	f.mgr.BeginAuthorization(ctx, "org-1", ch.ID)
	f.mgr.MarkAuthenticated(ctx, ch.ID, "ref-1")

	act := &fakeActivator{err: providers.ErrConnection("subscribe failed", nil)}
	f.mgr.SetPushActivator(act)

	_, err := f.mgr.Configure(ctx, "org-1", ch.ID, ConfigureParams{ExternalID: "page-9", ExternalName: "Main Page"})
	if err == nil {
		t.Fatal("Configure() succeeded despite subscription failure")
	}
	got, _ := f.stores.Channels.Get(ctx, ch.ID)
	if got.State != models.ChannelStateConfigurationPending {
		t.Errorf("state after failed subscribe = %s, want %s", got.State, models.ChannelStateConfigurationPending)
	}

	act.err = nil
	res, err := f.mgr.Configure(ctx, "org-1", ch.ID, ConfigureParams{ExternalID: "page-9", ExternalName: "Main Page"})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if res.State != models.ChannelStateActive {
		t.Errorf("state = %s, want active", res.State)
	}
	if act.calls != 2 {
		t.Errorf("activator calls = %d, want 2", act.calls)
	}
	if res.Push.ExternalID != "page-9" {
		t.Errorf("external id = %q, want page-9", res.Push.ExternalID)
	}
}

func TestRecordFailureAutoSuspendsAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := activePollChannel(t, f)

	cause := errors.New("fetch timed out")
	for i := 0; i < FailureThreshold-1; i++ {
		got, err := f.mgr.RecordFailure(ctx, ch.ID, cause)
		if err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
		if got.State != models.ChannelStateActive {
			t.Fatalf("suspended after %d failures, want threshold %d", i+1, FailureThreshold)
		}
	}
	got, err := f.mgr.RecordFailure(ctx, ch.ID, cause)
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if got.State != models.ChannelStateSuspended {
		t.Errorf("state = %s, want suspended after %d failures", got.State, FailureThreshold)
	}
	if got.DeactivatedAt.IsZero() {
		t.Error("deactivated_at not stamped")
	}
}

func TestRecordSuccessResetsFailureCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := activePollChannel(t, f)

	f.mgr.RecordFailure(ctx, ch.ID, errors.New("transient"))
	f.mgr.RecordFailure(ctx, ch.ID, errors.New("transient"))
	if err := f.mgr.RecordSuccess(ctx, ch.ID); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	got, _ := f.stores.Channels.Get(ctx, ch.ID)
	if got.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0", got.FailureCount)
	}
	if got.LastSyncedAt.IsZero() {
		t.Error("last_synced_at not stamped")
	}
}

func TestReactivateResetsCounterAndState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := activePollChannel(t, f)
	for i := 0; i < FailureThreshold; i++ {
		f.mgr.RecordFailure(ctx, ch.ID, errors.New("down"))
	}

	got, err := f.mgr.Reactivate(ctx, "org-1", ch.ID)
	if err != nil {
		t.Fatalf("Reactivate() error = %v", err)
	}
	if got.State != models.ChannelStateActive || got.FailureCount != 0 {
		t.Errorf("state = %s count = %d, want active/0", got.State, got.FailureCount)
	}

	if _, err := f.mgr.Reactivate(ctx, "org-1", ch.ID); providers.GetErrorCode(err) != providers.ErrCodePrecondition {
		t.Errorf("reactivating active channel: error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodePrecondition)
	}
}

func TestDeleteGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := activePollChannel(t, f)

	if err := f.mgr.Delete(ctx, "org-1", ch.ID); providers.GetErrorCode(err) != providers.ErrCodePrecondition {
		t.Fatalf("deleting active channel: error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodePrecondition)
	}

	if _, err := f.mgr.Suspend(ctx, "org-1", ch.ID); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}

	if err := f.mgr.SetDefault(ctx, "org-1", ch.ID); err != nil {
		t.Fatalf("SetDefault() error = %v", err)
	}
	if err := f.mgr.Delete(ctx, "org-1", ch.ID); providers.GetErrorCode(err) != providers.ErrCodePrecondition {
		t.Fatalf("deleting default channel: error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodePrecondition)
	}

	// A second channel takes over the default.
	other, _ := f.mgr.Create(ctx, CreateParams{
		OrganizationID: "org-1", Provider: "plainmail", Name: "Other",
		Credential: &models.Credential{Host: "imap.example.com"},
	})
	if err := f.mgr.SetDefault(ctx, "org-1", other.ID); err != nil {
		t.Fatalf("SetDefault(other) error = %v", err)
	}

	if _, err := f.tickets.CreateOrAppendMessage(ctx, ch.ID, "m-1", models.Sender{Address: "a@example.com"}, "hello", nil); err != nil {
		t.Fatalf("seed ticket: %v", err)
	}
	if err := f.mgr.Delete(ctx, "org-1", ch.ID); providers.GetErrorCode(err) != providers.ErrCodePrecondition {
		t.Fatalf("deleting channel with open tickets: error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodePrecondition)
	}

	f.tickets.Resolve(ch.ID)
	ref := ch.CredentialRef
	if err := f.mgr.Delete(ctx, "org-1", ch.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := f.stores.Channels.Get(ctx, ch.ID); err != storage.ErrNotFound {
		t.Errorf("channel still present after delete: %v", err)
	}
	if _, err := f.stores.Credentials.Get(ctx, ref); err != storage.ErrNotFound {
		t.Errorf("credentials still present after delete: %v", err)
	}
}

func TestDeleteAllowedBeforeActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A channel that authenticated but was never configured carries no
	// traffic; it must be deletable without a suspend detour.
	ch, err := f.mgr.Create(ctx, CreateParams{
		OrganizationID: "org-1", Provider: "plainmail", Name: "Half Done",
		Credential: &models.Credential{Host: "imap.example.com", Username: "support"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ch.State != models.ChannelStateConfigurationPending {
		t.Fatalf("state = %s, want %s", ch.State, models.ChannelStateConfigurationPending)
	}
	if err := f.mgr.Delete(ctx, "org-1", ch.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := f.stores.Channels.Get(ctx, ch.ID); err != storage.ErrNotFound {
		t.Errorf("channel still present after delete: %v", err)
	}

	// A flow still in the browser redirect is in limbo; deletion waits.
	pending, _ := f.mgr.Create(ctx, CreateParams{
		OrganizationID: "org-1", Provider: "mailcloud", Name: "Mid Flow",
	})
	if _, err := f.mgr.BeginAuthorization(ctx, "org-1", pending.ID); err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}
	if err := f.mgr.Delete(ctx, "org-1", pending.ID); providers.GetErrorCode(err) != providers.ErrCodePrecondition {
		t.Errorf("deleting mid-authorization channel: error code = %s, want %s",
			providers.GetErrorCode(err), providers.ErrCodePrecondition)
	}
}

func TestSuspendAndDeleteDropSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sched := &fakeDescheduler{}
	f.mgr.SetDescheduler(sched)

	// Auto-suspend after repeated failures must stop the schedule too,
	// not only the manual suspend path.
	ch := activePollChannel(t, f)
	for i := 0; i < FailureThreshold; i++ {
		if _, err := f.mgr.RecordFailure(ctx, ch.ID, errors.New("down")); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}
	if len(sched.removed) != 1 || sched.removed[0] != ch.ID {
		t.Fatalf("removed = %v, want [%s] after auto-suspend", sched.removed, ch.ID)
	}

	other := activePollChannel(t, f)
	if _, err := f.mgr.Suspend(ctx, "org-1", other.ID); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if len(sched.removed) != 2 || sched.removed[1] != other.ID {
		t.Fatalf("removed = %v, want %s appended after manual suspend", sched.removed, other.ID)
	}

	if err := f.mgr.Delete(ctx, "org-1", other.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(sched.removed) != 3 || sched.removed[2] != other.ID {
		t.Fatalf("removed = %v, want %s appended after delete", sched.removed, other.ID)
	}
}

func TestAutoSuspendCountsSuspension(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	f.mgr.metrics = metrics

	ch := activePollChannel(t, f)
	for i := 0; i < FailureThreshold; i++ {
		f.mgr.RecordFailure(ctx, ch.ID, errors.New("down"))
	}
	if got := testutil.ToFloat64(metrics.ChannelsSuspended.WithLabelValues(ch.Provider)); got != 1 {
		t.Errorf("suspensions = %v, want 1", got)
	}
}

func TestCrossOrganizationAccessReadsAsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := activePollChannel(t, f)

	if _, err := f.mgr.Suspend(ctx, "org-2", ch.ID); providers.GetErrorCode(err) != providers.ErrCodeNotFound {
		t.Errorf("error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodeNotFound)
	}
	if err := f.mgr.Delete(ctx, "org-2", ch.ID); providers.GetErrorCode(err) != providers.ErrCodeNotFound {
		t.Errorf("error code = %s, want %s", providers.GetErrorCode(err), providers.ErrCodeNotFound)
	}
}

func activePollChannel(t *testing.T, f *fixture) *models.Channel {
	t.Helper()
	ctx := context.Background()
	ch, err := f.mgr.Create(ctx, CreateParams{
		OrganizationID: "org-1", Provider: "plainmail", Name: "Inbox",
		Credential: &models.Credential{Host: "imap.example.com"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ch, err = f.mgr.Configure(ctx, "org-1", ch.ID, ConfigureParams{Folder: "INBOX"})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	return ch
}
