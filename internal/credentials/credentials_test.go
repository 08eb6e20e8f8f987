package credentials

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/storage"
	"github.com/fluxdesk/fluxdesk/pkg/models"
)

type refreshingProvider struct {
	refreshed int
	rotate    bool
}

func (p *refreshingProvider) Name() string { return "oauthprov" }
func (p *refreshingProvider) Capabilities() providers.Capabilities {
	return providers.Capabilities{RequiresOAuth: true, Transport: providers.TransportPoll, Kind: models.ChannelKindEmail}
}
func (p *refreshingProvider) AuthCodeURL(state string) string { return "https://auth?state=" + state }
func (p *refreshingProvider) Exchange(ctx context.Context, code string) (*models.Credential, error) {
	return &models.Credential{AccessToken: "initial"}, nil
}
func (p *refreshingProvider) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	p.refreshed++
	out := &models.Credential{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}
	if p.rotate {
		out.RefreshToken = "rotated"
	}
	return out, nil
}

func testManager(t *testing.T, prov providers.Provider) (*Manager, storage.CredentialStore) {
	t.Helper()
	registry := providers.NewRegistry()
	registry.Register(prov)
	store := storage.NewMemoryCredentialStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(store, registry, logger), store
}

func TestGetRefreshesExpiringToken(t *testing.T) {
	ctx := context.Background()
	prov := &refreshingProvider{}
	m, store := testManager(t, prov)

	_ = store.Put(ctx, "ref-1", &models.Credential{
		AccessToken:  "stale",
		RefreshToken: "keep-me",
		Expiry:       time.Now().Add(time.Minute),
	})
	ch := &models.Channel{ID: "ch-1", Provider: "oauthprov", CredentialRef: "ref-1"}

	cred, err := m.Get(ctx, ch)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cred.AccessToken != "fresh" {
		t.Fatalf("access token = %q, want fresh", cred.AccessToken)
	}
	if cred.RefreshToken != "keep-me" {
		t.Fatalf("non-rotating provider must keep old refresh token, got %q", cred.RefreshToken)
	}
	if prov.refreshed != 1 {
		t.Fatalf("refresh count = %d, want 1", prov.refreshed)
	}

	// The rotation is persisted.
	stored, _ := store.Get(ctx, "ref-1")
	if stored.AccessToken != "fresh" {
		t.Fatalf("refreshed token not persisted")
	}
}

func TestGetSkipsRefreshWhenTokenFresh(t *testing.T) {
	ctx := context.Background()
	prov := &refreshingProvider{}
	m, store := testManager(t, prov)

	_ = store.Put(ctx, "ref-1", &models.Credential{
		AccessToken:  "good",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(2 * time.Hour),
	})
	ch := &models.Channel{ID: "ch-1", Provider: "oauthprov", CredentialRef: "ref-1"}

	cred, err := m.Get(ctx, ch)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cred.AccessToken != "good" || prov.refreshed != 0 {
		t.Fatalf("fresh token must not be refreshed (token=%q, refreshes=%d)", cred.AccessToken, prov.refreshed)
	}
}

func TestGetRotatedRefreshTokenPersisted(t *testing.T) {
	ctx := context.Background()
	prov := &refreshingProvider{rotate: true}
	m, store := testManager(t, prov)

	_ = store.Put(ctx, "ref-1", &models.Credential{
		AccessToken:  "stale",
		RefreshToken: "old",
		Expiry:       time.Now().Add(time.Minute),
	})
	ch := &models.Channel{ID: "ch-1", Provider: "oauthprov", CredentialRef: "ref-1"}

	if _, err := m.Get(ctx, ch); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	stored, _ := store.Get(ctx, "ref-1")
	if stored.RefreshToken != "rotated" {
		t.Fatalf("rotated refresh token = %q, want rotated", stored.RefreshToken)
	}
}

func TestGetMissingCredential(t *testing.T) {
	ctx := context.Background()
	prov := &refreshingProvider{}
	m, _ := testManager(t, prov)

	ch := &models.Channel{ID: "ch-1", Provider: "oauthprov"}
	if _, err := m.Get(ctx, ch); providers.GetErrorCode(err) != providers.ErrCodeAuthorization {
		t.Fatalf("Get() without ref error = %v, want AUTH_ERROR", err)
	}

	ch.CredentialRef = "missing"
	if _, err := m.Get(ctx, ch); providers.GetErrorCode(err) != providers.ErrCodeAuthorization {
		t.Fatalf("Get() with dangling ref error = %v, want AUTH_ERROR", err)
	}
}
