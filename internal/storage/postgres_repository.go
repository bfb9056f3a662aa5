package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"multicam-live/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. Call
// ApplyMigrations (or Migrate on the returned value) before first use.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := collectSettings(dsn, opts).postgres
	poolCfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

// Migrate applies the embedded schema using the repository's pool.
func (r *postgresRepository) Migrate(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	return ApplyMigrations(ctx, r.pool)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

const connectionColumns = `owner_id, camera_index, stream_key, status, authorized, connected_at, last_contact`

func scanConnection(row pgx.Row) (models.CameraConnection, error) {
	var (
		conn   models.CameraConnection
		status string
	)
	if err := row.Scan(&conn.OwnerID, &conn.CameraIndex, &conn.StreamKey, &status, &conn.Authorized, &conn.ConnectedAt, &conn.LastContact); err != nil {
		return models.CameraConnection{}, err
	}
	parsed, ok := models.ParseCameraStatus(status)
	if !ok {
		return models.CameraConnection{}, fmt.Errorf("unknown camera status %q", status)
	}
	conn.Status = parsed
	conn.ConnectedAt = conn.ConnectedAt.UTC()
	conn.LastContact = conn.LastContact.UTC()
	return conn, nil
}

func collectConnections(rows pgx.Rows) ([]models.CameraConnection, error) {
	defer rows.Close()
	conns := make([]models.CameraConnection, 0)
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func (r *postgresRepository) UpsertConnection(ctx context.Context, conn models.CameraConnection) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO camera_connections (`+connectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_id, camera_index) DO UPDATE SET
			stream_key = EXCLUDED.stream_key,
			status = EXCLUDED.status,
			authorized = EXCLUDED.authorized,
			connected_at = EXCLUDED.connected_at,
			last_contact = EXCLUDED.last_contact`,
		conn.OwnerID, conn.CameraIndex, conn.StreamKey, string(conn.Status), conn.Authorized, conn.ConnectedAt, conn.LastContact)
	if err != nil {
		return fmt.Errorf("upsert camera connection: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetConnection(ctx context.Context, ownerID string, cameraIndex int) (models.CameraConnection, bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM camera_connections WHERE owner_id = $1 AND camera_index = $2`, ownerID, cameraIndex)
	conn, err := scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CameraConnection{}, false, nil
	}
	if err != nil {
		return models.CameraConnection{}, false, fmt.Errorf("get camera connection: %w", err)
	}
	return conn, true, nil
}

func (r *postgresRepository) ListConnections(ctx context.Context, ownerID string) ([]models.CameraConnection, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+connectionColumns+` FROM camera_connections WHERE owner_id = $1 ORDER BY camera_index`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list camera connections: %w", err)
	}
	conns, err := collectConnections(rows)
	if err != nil {
		return nil, fmt.Errorf("list camera connections: %w", err)
	}
	return conns, nil
}

func (r *postgresRepository) SaveConnections(ctx context.Context, conns ...models.CameraConnection) error {
	if len(conns) == 0 {
		return nil
	}
	ordered := append([]models.CameraConnection(nil), conns...)
	// Demotions must land before the promotion or the partial unique index
	// on on-air rows rejects the update.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Status != models.CameraOnAir && ordered[j].Status == models.CameraOnAir
	})

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin connection update: %w", err)
	}
	defer rollbackTx(ctx, tx)

	for _, conn := range ordered {
		if _, err := tx.Exec(ctx, `
			UPDATE camera_connections
			SET stream_key = $3, status = $4, authorized = $5, connected_at = $6, last_contact = $7
			WHERE owner_id = $1 AND camera_index = $2`,
			conn.OwnerID, conn.CameraIndex, conn.StreamKey, string(conn.Status), conn.Authorized, conn.ConnectedAt, conn.LastContact); err != nil {
			return fmt.Errorf("update camera %s/%d: %w", conn.OwnerID, conn.CameraIndex, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit connection update: %w", err)
	}
	return nil
}

func (r *postgresRepository) TouchConnection(ctx context.Context, ownerID string, cameraIndex int, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE camera_connections SET last_contact = $3 WHERE owner_id = $1 AND camera_index = $2`, ownerID, cameraIndex, at)
	if err != nil {
		return false, fmt.Errorf("touch camera connection: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *postgresRepository) DeleteConnection(ctx context.Context, ownerID string, cameraIndex int) (models.CameraConnection, bool, error) {
	row := r.pool.QueryRow(ctx, `DELETE FROM camera_connections WHERE owner_id = $1 AND camera_index = $2 RETURNING `+connectionColumns, ownerID, cameraIndex)
	conn, err := scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CameraConnection{}, false, nil
	}
	if err != nil {
		return models.CameraConnection{}, false, fmt.Errorf("delete camera connection: %w", err)
	}
	return conn, true, nil
}

func (r *postgresRepository) ListStaleConnections(ctx context.Context, ownerID string, cutoff time.Time) ([]models.CameraConnection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+connectionColumns+` FROM camera_connections
		WHERE status <> 'on_air' AND last_contact < $1 AND ($2::text = '' OR owner_id = $2)
		ORDER BY owner_id, camera_index`, cutoff, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list stale connections: %w", err)
	}
	conns, err := collectConnections(rows)
	if err != nil {
		return nil, fmt.Errorf("list stale connections: %w", err)
	}
	return conns, nil
}

func (r *postgresRepository) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT owner_id FROM camera_connections
		UNION
		SELECT owner_id FROM broadcast_channels
		ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	return owners, nil
}

func (r *postgresRepository) GetChannel(ctx context.Context, ownerID string) (models.BroadcastChannel, bool, error) {
	channel := models.BroadcastChannel{OwnerID: ownerID}
	err := r.pool.QueryRow(ctx, `SELECT live, output_url, started_at, updated_at FROM broadcast_channels WHERE owner_id = $1`, ownerID).
		Scan(&channel.Live, &channel.OutputURL, &channel.StartedAt, &channel.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BroadcastChannel{}, false, nil
	}
	if err != nil {
		return models.BroadcastChannel{}, false, fmt.Errorf("get broadcast channel: %w", err)
	}
	if channel.StartedAt != nil {
		started := channel.StartedAt.UTC()
		channel.StartedAt = &started
	}
	channel.UpdatedAt = channel.UpdatedAt.UTC()
	return channel, true, nil
}

func (r *postgresRepository) SaveChannel(ctx context.Context, channel models.BroadcastChannel) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO broadcast_channels (owner_id, live, output_url, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id) DO UPDATE SET
			live = EXCLUDED.live,
			output_url = EXCLUDED.output_url,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at`,
		channel.OwnerID, channel.Live, channel.OutputURL, channel.StartedAt, channel.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save broadcast channel: %w", err)
	}
	return nil
}

func (r *postgresRepository) CountLiveChannels(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM broadcast_channels WHERE live`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count live channels: %w", err)
	}
	return count, nil
}

func (r *postgresRepository) GetOwner(ctx context.Context, ownerID string) (models.Owner, bool, error) {
	owner := models.Owner{ID: ownerID}
	err := r.pool.QueryRow(ctx, `SELECT active, pin_hash FROM owners WHERE id = $1`, ownerID).Scan(&owner.Active, &owner.PINHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Owner{}, false, nil
	}
	if err != nil {
		return models.Owner{}, false, fmt.Errorf("get owner: %w", err)
	}
	return owner, true, nil
}

func (r *postgresRepository) SaveOwner(ctx context.Context, owner models.Owner) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO owners (id, active, pin_hash) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active, pin_hash = EXCLUDED.pin_hash`,
		owner.ID, owner.Active, owner.PINHash)
	if err != nil {
		return fmt.Errorf("save owner: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetRelayAccount(ctx context.Context, ownerID, platform string) (models.RelayAccount, bool, error) {
	account := models.RelayAccount{OwnerID: ownerID, Platform: strings.ToLower(platform)}
	err := r.pool.QueryRow(ctx, `SELECT ingest_url, stream_key, active FROM relay_accounts WHERE owner_id = $1 AND platform = $2`, ownerID, account.Platform).
		Scan(&account.IngestURL, &account.StreamKey, &account.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RelayAccount{}, false, nil
	}
	if err != nil {
		return models.RelayAccount{}, false, fmt.Errorf("get relay account: %w", err)
	}
	return account, true, nil
}

func (r *postgresRepository) SaveRelayAccount(ctx context.Context, account models.RelayAccount) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO relay_accounts (owner_id, platform, ingest_url, stream_key, active) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, platform) DO UPDATE SET
			ingest_url = EXCLUDED.ingest_url, stream_key = EXCLUDED.stream_key, active = EXCLUDED.active`,
		account.OwnerID, strings.ToLower(account.Platform), account.IngestURL, account.StreamKey, account.Active)
	if err != nil {
		return fmt.Errorf("save relay account: %w", err)
	}
	return nil
}
