package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig holds connection pool settings for the job store.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStoreFromDSN opens a Postgres-backed job store.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ingest_jobs table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ingest_jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			delivery_id TEXT,
			payload JSONB,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			error_message TEXT
		)`)
	if err != nil {
		return fmt.Errorf("migrate ingest_jobs: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create stores a job.
func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_jobs (id, kind, channel_id, delivery_id, payload, status, attempts, created_at, started_at, finished_at, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		job.ID,
		string(job.Kind),
		job.ChannelID,
		nullableString(job.DeliveryID),
		nullableBytes(job.Payload),
		string(job.Status),
		job.Attempts,
		job.CreatedAt,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		nullableString(job.Error),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Update updates a job record.
func (s *PostgresStore) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_jobs
		SET status = $2,
			attempts = $3,
			started_at = $4,
			finished_at = $5,
			error_message = $6
		WHERE id = $1
	`,
		job.ID,
		string(job.Status),
		job.Attempts,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		nullableString(job.Error),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// Get returns a job by id, or nil when unknown.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, channel_id, delivery_id, payload, status, attempts, created_at, started_at, finished_at, error_message
		FROM ingest_jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs in creation order.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, channel_id, delivery_id, payload, status, attempts, created_at, started_at, finished_at, error_message
		FROM ingest_jobs ORDER BY created_at LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Prune removes finished jobs older than the given duration.
func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ingest_jobs
		WHERE status IN ('succeeded','failed') AND created_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job        Job
		kind       string
		status     string
		deliveryID sql.NullString
		payload    []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		errMsg     sql.NullString
	)
	if err := row.Scan(&job.ID, &kind, &job.ChannelID, &deliveryID, &payload, &status, &job.Attempts, &job.CreatedAt, &startedAt, &finishedAt, &errMsg); err != nil {
		return nil, err
	}
	job.Kind = Kind(kind)
	job.Status = Status(status)
	job.DeliveryID = deliveryID.String
	job.Payload = payload
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	job.Error = errMsg.String
	return &job, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
