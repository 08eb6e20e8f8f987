package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
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

func TestPostgresStoreAppend(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	now := time.Now().UTC()
	entry := &Entry{
		ID:             "e-1",
		ChannelID:      "ch-1",
		OrganizationID: "org-1",
		Type:           EventSync,
		Outcome:        OutcomeOK,
		Latency:        1500 * time.Millisecond,
		Detail:         map[string]any{"fetched": 3},
		Timestamp:      now,
	}

	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs("e-1", "ch-1", "org-1", "sync", "ok", int64(1500), []byte(`{"fetched":3}`), "", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Append(context.Background(), entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreRecentFiltersByChannel(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	at := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "channel_id", "organization_id", "event_type", "outcome",
		"latency_ms", "detail", "error", "created_at",
	}).AddRow("e-2", "ch-1", "org-1", "webhook", "rejected", int64(12), []byte(`{"provider":"socialgram"}`), "signature mismatch", at)

	mock.ExpectQuery("SELECT (.+) FROM audit_entries WHERE channel_id").
		WithArgs("ch-1", 10).
		WillReturnRows(rows)

	entries, err := store.Recent(context.Background(), "ch-1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Type != EventWebhook || e.Outcome != OutcomeRejected {
		t.Errorf("entry = %s/%s, want webhook/rejected", e.Type, e.Outcome)
	}
	if e.Latency != 12*time.Millisecond {
		t.Errorf("latency = %v, want 12ms", e.Latency)
	}
	if e.Detail["provider"] != "socialgram" {
		t.Errorf("detail = %v", e.Detail)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreRecentWithoutChannelSkipsFilter(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	rows := sqlmock.NewRows([]string{
		"id", "channel_id", "organization_id", "event_type", "outcome",
		"latency_ms", "detail", "error", "created_at",
	})
	mock.ExpectQuery("SELECT (.+) FROM audit_entries ORDER BY created_at DESC").
		WithArgs(50).
		WillReturnRows(rows)

	entries, err := store.Recent(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
