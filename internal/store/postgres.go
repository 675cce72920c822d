package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seantiz/cinder/internal/model"
)

const pgUniqueViolation = "23505"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS bundles (
    seq           BIGSERIAL PRIMARY KEY,
    uuid          TEXT NOT NULL UNIQUE,
    bundle_type   TEXT NOT NULL,
    owner_id      TEXT NOT NULL DEFAULT '',
    command       TEXT NOT NULL DEFAULT '',
    state         TEXT NOT NULL,
    state_details TEXT NOT NULL DEFAULT '',
    error_msg     TEXT NOT NULL DEFAULT '',
    metadata      JSONB NOT NULL DEFAULT '{}',
    cpus          INTEGER NOT NULL DEFAULT 0,
    memory_mb     BIGINT NOT NULL DEFAULT 0,
    gpus          INTEGER NOT NULL DEFAULT 0,
    tag           TEXT NOT NULL DEFAULT '',
    is_dir        BOOLEAN NOT NULL DEFAULT FALSE,
    data_hash     TEXT NOT NULL DEFAULT '',
    worker_id     TEXT NOT NULL DEFAULT '',
    assign_token  BIGINT NOT NULL DEFAULT 0,
    frozen_at     TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    started_at    TIMESTAMPTZ,
    finished_at   TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS idx_bundles_state ON bundles (state)`,
	`CREATE TABLE IF NOT EXISTS bundle_dependencies (
    id          BIGSERIAL PRIMARY KEY,
    child_uuid  TEXT NOT NULL,
    child_path  TEXT NOT NULL,
    parent_uuid TEXT NOT NULL,
    parent_path TEXT NOT NULL DEFAULT '',
    UNIQUE (child_uuid, child_path)
)`,
	`CREATE INDEX IF NOT EXISTS idx_bundle_dependencies_parent ON bundle_dependencies (parent_uuid)`,
	`CREATE TABLE IF NOT EXISTS bundle_stores (
    uuid           TEXT PRIMARY KEY,
    name           TEXT NOT NULL UNIQUE,
    storage_type   TEXT NOT NULL,
    storage_format TEXT NOT NULL,
    url            TEXT NOT NULL DEFAULT '',
    endpoint       TEXT NOT NULL DEFAULT '',
    access_key_env TEXT NOT NULL DEFAULT '',
    secret_key_env TEXT NOT NULL DEFAULT '',
    secure         BOOLEAN NOT NULL DEFAULT FALSE,
    created_at     TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS bundle_locations (
    id             BIGSERIAL PRIMARY KEY,
    bundle_uuid    TEXT NOT NULL,
    store_uuid     TEXT NOT NULL,
    storage_type   TEXT NOT NULL,
    storage_format TEXT NOT NULL,
    address        TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_bundle_locations_bundle ON bundle_locations (bundle_uuid)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateBundle inserts a bundle and its dependencies in one transaction.
func (s *PostgresStore) CreateBundle(ctx context.Context, b *model.Bundle) error {
	metadata, err := encodeMetadata(b.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO bundles (`+bundleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		b.UUID, b.BundleType, b.OwnerID, b.Command, b.State, b.StateDetails, b.ErrorMsg,
		metadata, b.Resources.CPUs, b.Resources.MemoryMB, b.Resources.GPUs, b.Tag,
		b.IsDir, b.DataHash, b.WorkerID, b.AssignToken,
		b.FrozenAt, b.CreatedAt, b.UpdatedAt, b.StartedAt, b.FinishedAt,
	)
	if err != nil {
		if isPgUnique(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert bundle: %w", err)
	}

	for _, d := range b.Dependencies {
		_, err := tx.Exec(ctx,
			`INSERT INTO bundle_dependencies (child_uuid, child_path, parent_uuid, parent_path)
			VALUES ($1, $2, $3, $4)`,
			b.UUID, d.ChildPath, d.ParentUUID, d.ParentPath,
		)
		if err != nil {
			return fmt.Errorf("insert dependency %s: %w", d.ChildPath, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bundle: %w", err)
	}
	return nil
}

// GetBundle retrieves a bundle and its dependencies by UUID.
func (s *PostgresStore) GetBundle(ctx context.Context, uuid string) (*model.Bundle, error) {
	b, err := scanBundle(s.pool.QueryRow(ctx,
		`SELECT `+bundleColumns+` FROM bundles WHERE uuid = $1`, uuid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle: %w", err)
	}

	deps, err := s.dependencies(ctx, []string{uuid})
	if err != nil {
		return nil, err
	}
	attachDependencies([]*model.Bundle{b}, deps)
	return b, nil
}

// UpdateBundle overwrites the mutable fields of a bundle.
func (s *PostgresStore) UpdateBundle(ctx context.Context, b *model.Bundle) error {
	metadata, err := encodeMetadata(b.Metadata)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE bundles SET
			owner_id = $1, state = $2, state_details = $3, error_msg = $4, metadata = $5,
			is_dir = $6, data_hash = $7, worker_id = $8, assign_token = $9,
			frozen_at = $10, updated_at = $11, started_at = $12, finished_at = $13
		WHERE uuid = $14`,
		b.OwnerID, b.State, b.StateDetails, b.ErrorMsg, metadata,
		b.IsDir, b.DataHash, b.WorkerID, b.AssignToken,
		b.FrozenAt, b.UpdatedAt, b.StartedAt, b.FinishedAt,
		b.UUID,
	)
	if err != nil {
		return fmt.Errorf("update bundle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBundles returns bundles matching f in creation order.
func (s *PostgresStore) ListBundles(ctx context.Context, f BundleFilter) ([]*model.Bundle, error) {
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		args = append(args, f.States)
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if f.BundleType != "" {
		args = append(args, f.BundleType)
		where = append(where, fmt.Sprintf("bundle_type = $%d", len(args)))
	}
	if f.Command != nil {
		args = append(args, *f.Command)
		where = append(where, fmt.Sprintf("command = $%d", len(args)))
	}

	query := `SELECT ` + bundleColumns + ` FROM bundles`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	defer rows.Close()

	var bundles []*model.Bundle
	var uuids []string
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bundle: %w", err)
		}
		bundles = append(bundles, b)
		uuids = append(uuids, b.UUID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bundles: %w", err)
	}

	if len(bundles) == 0 {
		return bundles, nil
	}
	deps, err := s.dependencies(ctx, uuids)
	if err != nil {
		return nil, err
	}
	attachDependencies(bundles, deps)
	return bundles, nil
}

func (s *PostgresStore) dependencies(ctx context.Context, uuids []string) ([]model.Dependency, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT child_uuid, child_path, parent_uuid, parent_path
		FROM bundle_dependencies WHERE child_uuid = ANY($1) ORDER BY id ASC`, uuids)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []model.Dependency
	for rows.Next() {
		var d model.Dependency
		if err := rows.Scan(&d.ChildUUID, &d.ChildPath, &d.ParentUUID, &d.ParentPath); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}
	return deps, nil
}

// GetBundleStats computes aggregate bundle counts.
func (s *PostgresStore) GetBundleStats(ctx context.Context) (*BundleStats, error) {
	stats := &BundleStats{
		CountByState: make(map[string]int),
		CountByType:  make(map[string]int),
	}

	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM bundles").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count bundles: %w", err)
	}
	if err := s.countInto(ctx, "SELECT state, COUNT(*) FROM bundles GROUP BY state", stats.CountByState); err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	if err := s.countInto(ctx, "SELECT bundle_type, COUNT(*) FROM bundles GROUP BY bundle_type", stats.CountByType); err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM bundle_locations").Scan(&stats.Locations); err != nil {
		return nil, fmt.Errorf("count locations: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) countInto(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// CreateBundleStore inserts a bundle store.
func (s *PostgresStore) CreateBundleStore(ctx context.Context, bs *model.BundleStore) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bundle_stores (`+storeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		bs.UUID, bs.Name, bs.StorageType, bs.StorageFormat, bs.URL, bs.Endpoint,
		bs.AccessKeyEnv, bs.SecretKeyEnv, bs.Secure, bs.CreatedAt,
	)
	if err != nil {
		if isPgUnique(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert bundle store: %w", err)
	}
	return nil
}

// GetBundleStore retrieves a bundle store by UUID.
func (s *PostgresStore) GetBundleStore(ctx context.Context, uuid string) (*model.BundleStore, error) {
	return s.getBundleStore(ctx, "uuid", uuid)
}

// GetBundleStoreByName retrieves a bundle store by its unique name.
func (s *PostgresStore) GetBundleStoreByName(ctx context.Context, name string) (*model.BundleStore, error) {
	return s.getBundleStore(ctx, "name", name)
}

func (s *PostgresStore) getBundleStore(ctx context.Context, column, value string) (*model.BundleStore, error) {
	bs, err := scanBundleStore(s.pool.QueryRow(ctx,
		`SELECT `+storeColumns+` FROM bundle_stores WHERE `+column+` = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle store: %w", err)
	}
	return bs, nil
}

// ListBundleStores returns all bundle stores ordered by name.
func (s *PostgresStore) ListBundleStores(ctx context.Context) ([]*model.BundleStore, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+storeColumns+` FROM bundle_stores ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list bundle stores: %w", err)
	}
	defer rows.Close()

	var stores []*model.BundleStore
	for rows.Next() {
		bs, err := scanBundleStore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bundle store: %w", err)
		}
		stores = append(stores, bs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bundle stores: %w", err)
	}
	return stores, nil
}

// AddLocation appends a location record and sets loc.ID.
func (s *PostgresStore) AddLocation(ctx context.Context, loc *model.BundleLocation) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO bundle_locations (bundle_uuid, store_uuid, storage_type, storage_format, address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		loc.BundleUUID, loc.StoreUUID, loc.StorageType, loc.StorageFormat, loc.Address, loc.CreatedAt,
	).Scan(&loc.ID)
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}

// GetLocation retrieves a location by ID.
func (s *PostgresStore) GetLocation(ctx context.Context, id int64) (*model.BundleLocation, error) {
	loc, err := scanLocation(s.pool.QueryRow(ctx,
		`SELECT `+locationColumns+` FROM bundle_locations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get location: %w", err)
	}
	return loc, nil
}

// ListLocations returns a bundle's locations, oldest first.
func (s *PostgresStore) ListLocations(ctx context.Context, bundleUUID string) ([]*model.BundleLocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+locationColumns+` FROM bundle_locations WHERE bundle_uuid = $1 ORDER BY id ASC`, bundleUUID)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var locs []*model.BundleLocation
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locs = append(locs, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return locs, nil
}

// DeleteLocation removes a location record.
func (s *PostgresStore) DeleteLocation(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM bundle_locations WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
