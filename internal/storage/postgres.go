package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/fluxdesk/fluxdesk/pkg/models"
)

// PostgresConfig tunes the database connection pool.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sensible pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStoresFromDSN creates Postgres-backed stores using a DSN.
func NewPostgresStoresFromDSN(dsn string, config *PostgresConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	return NewPostgresStores(db), nil
}

// NewPostgresStores creates Postgres-backed stores on an existing handle.
func NewPostgresStores(db *sql.DB) StoreSet {
	return StoreSet{
		Channels:     &postgresChannelStore{db: db},
		Credentials:  &postgresCredentialStore{db: db},
		Integrations: &postgresIntegrationStore{db: db},
		StateTokens:  &postgresStateTokenStore{db: db},
		closer:       db.Close,
	}
}

type postgresChannelStore struct {
	db *sql.DB
}

const channelColumns = `id, organization_id, provider, kind, name, department_id, owner_id,
	is_default, credential_ref, state, failure_count, sync_config, push_config,
	created_at, last_synced_at, last_triggered_at, deactivated_at`

func (s *postgresChannelStore) Create(ctx context.Context, ch *models.Channel) error {
	if ch == nil || ch.ID == "" {
		return fmt.Errorf("channel is required")
	}
	syncCfg, pushCfg, err := marshalChannelConfigs(ch)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channels (`+channelColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		ch.ID,
		ch.OrganizationID,
		ch.Provider,
		string(ch.Kind),
		ch.Name,
		ch.DepartmentID,
		ch.OwnerID,
		ch.IsDefault,
		ch.CredentialRef,
		string(ch.State),
		ch.FailureCount,
		syncCfg,
		pushCfg,
		ch.CreatedAt,
		nullTime(ch.LastSyncedAt),
		nullTime(ch.LastTriggeredAt),
		nullTime(ch.DeactivatedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *postgresChannelStore) Get(ctx context.Context, id string) (*models.Channel, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	return scanChannel(row)
}

func (s *postgresChannelStore) Update(ctx context.Context, ch *models.Channel) error {
	if ch == nil || ch.ID == "" {
		return fmt.Errorf("channel is required")
	}
	syncCfg, pushCfg, err := marshalChannelConfigs(ch)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET name=$2, department_id=$3, owner_id=$4, is_default=$5,
		 credential_ref=$6, state=$7, failure_count=$8, sync_config=$9, push_config=$10,
		 last_synced_at=$11, last_triggered_at=$12, deactivated_at=$13
		 WHERE id=$1`,
		ch.ID,
		ch.Name,
		ch.DepartmentID,
		ch.OwnerID,
		ch.IsDefault,
		ch.CredentialRef,
		string(ch.State),
		ch.FailureCount,
		syncCfg,
		pushCfg,
		nullTime(ch.LastSyncedAt),
		nullTime(ch.LastTriggeredAt),
		nullTime(ch.DeactivatedAt),
	)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	return requireRow(res)
}

func (s *postgresChannelStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return requireRow(res)
}

func (s *postgresChannelStore) List(ctx context.Context, filter ChannelFilter) ([]*models.Channel, error) {
	var conditions []string
	var args []any
	addCondition := func(column string, value string) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.OrganizationID != "" {
		addCondition("organization_id", filter.OrganizationID)
	}
	if filter.Kind != "" {
		addCondition("kind", string(filter.Kind))
	}
	if filter.State != "" {
		addCondition("state", string(filter.State))
	}
	if filter.Provider != "" {
		addCondition("provider", filter.Provider)
	}

	query := `SELECT ` + channelColumns + ` FROM channels`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	channels := []*models.Channel{}
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return channels, nil
}

func (s *postgresChannelStore) FindByExternalID(ctx context.Context, provider, externalID string) (*models.Channel, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels
		 WHERE provider = $1 AND push_config->>'external_id' = $2`,
		provider, externalID)
	return scanChannel(row)
}

func (s *postgresChannelStore) SetDefault(ctx context.Context, organizationID string, kind models.ChannelKind, channelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set default: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE channels SET is_default = false
		 WHERE organization_id = $1 AND kind = $2 AND is_default`,
		organizationID, string(kind)); err != nil {
		return fmt.Errorf("clear default channels: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE channels SET is_default = true
		 WHERE id = $1 AND organization_id = $2 AND kind = $3`,
		channelID, organizationID, string(kind))
	if err != nil {
		return fmt.Errorf("set default channel: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *postgresChannelStore) AdvanceWatermark(ctx context.Context, channelID string, watermark time.Time) (time.Time, error) {
	// jsonb_set keeps the watermark write atomic against concurrent
	// channel updates; GREATEST-style monotonicity is enforced in SQL.
	row := s.db.QueryRowContext(ctx,
		`UPDATE channels
		 SET sync_config = jsonb_set(sync_config, '{watermark}', to_jsonb(
		     GREATEST(COALESCE((sync_config->>'watermark')::timestamptz, 'epoch'::timestamptz), $2::timestamptz)))
		 WHERE id = $1
		 RETURNING (sync_config->>'watermark')::timestamptz`,
		channelID, watermark)
	var stored time.Time
	if err := row.Scan(&stored); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("advance watermark: %w", err)
	}
	return stored, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*models.Channel, error) {
	var ch models.Channel
	var kind, state string
	var syncCfg, pushCfg []byte
	var lastSynced, lastTriggered, deactivated sql.NullTime
	if err := row.Scan(
		&ch.ID,
		&ch.OrganizationID,
		&ch.Provider,
		&kind,
		&ch.Name,
		&ch.DepartmentID,
		&ch.OwnerID,
		&ch.IsDefault,
		&ch.CredentialRef,
		&state,
		&ch.FailureCount,
		&syncCfg,
		&pushCfg,
		&ch.CreatedAt,
		&lastSynced,
		&lastTriggered,
		&deactivated,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	ch.Kind = models.ChannelKind(kind)
	ch.State = models.ChannelState(state)
	if len(syncCfg) > 0 {
		if err := json.Unmarshal(syncCfg, &ch.Sync); err != nil {
			return nil, fmt.Errorf("unmarshal sync config: %w", err)
		}
	}
	if len(pushCfg) > 0 {
		if err := json.Unmarshal(pushCfg, &ch.Push); err != nil {
			return nil, fmt.Errorf("unmarshal push config: %w", err)
		}
	}
	ch.LastSyncedAt = lastSynced.Time
	ch.LastTriggeredAt = lastTriggered.Time
	ch.DeactivatedAt = deactivated.Time
	return &ch, nil
}

func marshalChannelConfigs(ch *models.Channel) ([]byte, []byte, error) {
	syncCfg, err := json.Marshal(ch.Sync)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal sync config: %w", err)
	}
	pushCfg, err := json.Marshal(ch.Push)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal push config: %w", err)
	}
	return syncCfg, pushCfg, nil
}

type postgresCredentialStore struct {
	db *sql.DB
}

func (s *postgresCredentialStore) Put(ctx context.Context, ref string, cred *models.Credential) error {
	if ref == "" || cred == nil {
		return fmt.Errorf("ref and credential are required")
	}
	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (ref, payload, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (ref) DO UPDATE SET payload = $2, updated_at = now()`,
		ref, payload)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *postgresCredentialStore) Get(ctx context.Context, ref string) (*models.Credential, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM credentials WHERE ref = $1`, ref).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	var cred models.Credential
	if err := json.Unmarshal(payload, &cred); err != nil {
		return nil, fmt.Errorf("unmarshal credential: %w", err)
	}
	return &cred, nil
}

func (s *postgresCredentialStore) Delete(ctx context.Context, ref string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE ref = $1`, ref)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return requireRow(res)
}

type postgresIntegrationStore struct {
	db *sql.DB
}

func (s *postgresIntegrationStore) Upsert(ctx context.Context, integration *models.OrgIntegration) error {
	if integration == nil || integration.OrganizationID == "" || integration.Family == "" {
		return fmt.Errorf("integration organization and family are required")
	}
	settings, err := json.Marshal(integration.Settings)
	if err != nil {
		return fmt.Errorf("marshal integration settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO org_integrations (id, organization_id, family, verified, active, settings, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		 ON CONFLICT (organization_id, family)
		 DO UPDATE SET verified=$4, active=$5, settings=$6, updated_at=now()`,
		integration.ID,
		integration.OrganizationID,
		integration.Family,
		integration.Verified,
		integration.Active,
		settings,
		integration.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert integration: %w", err)
	}
	return nil
}

func (s *postgresIntegrationStore) Get(ctx context.Context, organizationID, family string) (*models.OrgIntegration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, family, verified, active, settings, created_at, updated_at
		 FROM org_integrations WHERE organization_id = $1 AND family = $2`,
		organizationID, family)
	var integration models.OrgIntegration
	var settings []byte
	if err := row.Scan(
		&integration.ID,
		&integration.OrganizationID,
		&integration.Family,
		&integration.Verified,
		&integration.Active,
		&settings,
		&integration.CreatedAt,
		&integration.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get integration: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &integration.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal integration settings: %w", err)
		}
	}
	return &integration, nil
}

type postgresStateTokenStore struct {
	db *sql.DB
}

func (s *postgresStateTokenStore) Put(ctx context.Context, token *StateToken) error {
	if token == nil || token.Nonce == "" {
		return fmt.Errorf("token nonce is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_state_tokens (nonce, channel_id, organization_id, provider, issued_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		token.Nonce,
		token.ChannelID,
		token.OrganizationID,
		token.Provider,
		token.IssuedAt,
		token.ExpiresAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("put state token: %w", err)
	}
	return nil
}

func (s *postgresStateTokenStore) Consume(ctx context.Context, nonce string) (*StateToken, error) {
	// DELETE ... RETURNING makes consumption atomic: concurrent callbacks
	// replaying the same nonce race on the row and only one wins.
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM oauth_state_tokens WHERE nonce = $1
		 RETURNING nonce, channel_id, organization_id, provider, issued_at, expires_at`,
		nonce)
	var token StateToken
	if err := row.Scan(
		&token.Nonce,
		&token.ChannelID,
		&token.OrganizationID,
		&token.Provider,
		&token.IssuedAt,
		&token.ExpiresAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("consume state token: %w", err)
	}
	return &token, nil
}

func (s *postgresStateTokenStore) Prune(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_state_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("prune state tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune state tokens: %w", err)
	}
	return int(n), nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isDuplicate(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate")
}
