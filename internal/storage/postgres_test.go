package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/fluxdesk/fluxdesk/pkg/models"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestPostgresChannelStoreCreate(t *testing.T) {
	db, mock := setupMockDB(t)
	store := &postgresChannelStore{db: db}

	ch := &models.Channel{
		ID:             "ch-1",
		OrganizationID: "org-1",
		Provider:       "microsoft365",
		Kind:           models.ChannelKindEmail,
		State:          models.ChannelStateUnconnected,
		CreatedAt:      time.Now(),
	}

	mock.ExpectExec("INSERT INTO channels").
		WithArgs(
			"ch-1", "org-1", "microsoft365", "email", "", "", "",
			false, "", "unconnected", 0,
			sqlmock.AnyArg(), // sync_config
			sqlmock.AnyArg(), // push_config
			sqlmock.AnyArg(), // created_at
			sqlmock.AnyArg(), // last_synced_at
			sqlmock.AnyArg(), // last_triggered_at
			sqlmock.AnyArg(), // deactivated_at
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Create(context.Background(), ch); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresChannelStoreSetDefaultTransactional(t *testing.T) {
	db, mock := setupMockDB(t)
	store := &postgresChannelStore{db: db}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE channels SET is_default = false").
		WithArgs("org-1", "email").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE channels SET is_default = true").
		WithArgs("ch-2", "org-1", "email").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.SetDefault(context.Background(), "org-1", models.ChannelKindEmail, "ch-2")
	if err != nil {
		t.Fatalf("SetDefault() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresChannelStoreSetDefaultUnknownChannelRollsBack(t *testing.T) {
	db, mock := setupMockDB(t)
	store := &postgresChannelStore{db: db}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE channels SET is_default = false").
		WithArgs("org-1", "email").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE channels SET is_default = true").
		WithArgs("missing", "org-1", "email").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.SetDefault(context.Background(), "org-1", models.ChannelKindEmail, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetDefault() error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStateTokenStoreConsume(t *testing.T) {
	db, mock := setupMockDB(t)
	store := &postgresStateTokenStore{db: db}
	now := time.Now()

	rows := sqlmock.NewRows([]string{"nonce", "channel_id", "organization_id", "provider", "issued_at", "expires_at"}).
		AddRow("nonce-1", "ch-1", "org-1", "google", now, now.Add(10*time.Minute))
	mock.ExpectQuery("DELETE FROM oauth_state_tokens").
		WithArgs("nonce-1").
		WillReturnRows(rows)

	token, err := store.Consume(context.Background(), "nonce-1")
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if token.ChannelID != "ch-1" || token.Provider != "google" {
		t.Fatalf("Consume() = %+v", token)
	}

	// Replay: the row is gone, so the store reports not found.
	mock.ExpectQuery("DELETE FROM oauth_state_tokens").
		WithArgs("nonce-1").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.Consume(context.Background(), "nonce-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("replayed Consume() error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCredentialStoreRoundTrip(t *testing.T) {
	db, mock := setupMockDB(t)
	store := &postgresCredentialStore{db: db}

	mock.ExpectExec("INSERT INTO credentials").
		WithArgs("ref-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := store.Put(context.Background(), "ref-1", &models.Credential{AccessToken: "at"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	mock.ExpectQuery("SELECT payload FROM credentials").
		WithArgs("ref-1").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{"access_token":"at"}`)))
	cred, err := store.Get(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cred.AccessToken != "at" {
		t.Fatalf("Get() access token = %q", cred.AccessToken)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
