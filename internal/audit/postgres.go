package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists audit entries durably. Rows are insert-only.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, channel_id, organization_id, event_type, outcome, latency_ms, detail, error, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.ID,
		entry.ChannelID,
		entry.OrganizationID,
		string(entry.Type),
		string(entry.Outcome),
		entry.Latency.Milliseconds(),
		detail,
		entry.Error,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, channelID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, channel_id, organization_id, event_type, outcome, latency_ms, detail, error, created_at
		 FROM audit_entries`
	args := []any{}
	if channelID != "" {
		query += ` WHERE channel_id = $1`
		args = append(args, channelID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		var e Entry
		var eventType, outcome string
		var latencyMS int64
		var detail []byte
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.OrganizationID, &eventType, &outcome, &latencyMS, &detail, &e.Error, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Type = EventType(eventType)
		e.Outcome = Outcome(outcome)
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent audit entries: %w", err)
	}
	return entries, nil
}
