package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/cinder/internal/model"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS bundles (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    uuid          TEXT NOT NULL UNIQUE,
    bundle_type   TEXT NOT NULL,
    owner_id      TEXT NOT NULL DEFAULT '',
    command       TEXT NOT NULL DEFAULT '',
    state         TEXT NOT NULL,
    state_details TEXT NOT NULL DEFAULT '',
    error_msg     TEXT NOT NULL DEFAULT '',
    metadata      TEXT NOT NULL DEFAULT '{}',
    cpus          INTEGER NOT NULL DEFAULT 0,
    memory_mb     INTEGER NOT NULL DEFAULT 0,
    gpus          INTEGER NOT NULL DEFAULT 0,
    tag           TEXT NOT NULL DEFAULT '',
    is_dir        INTEGER NOT NULL DEFAULT 0,
    data_hash     TEXT NOT NULL DEFAULT '',
    worker_id     TEXT NOT NULL DEFAULT '',
    assign_token  INTEGER NOT NULL DEFAULT 0,
    frozen_at     DATETIME,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL,
    started_at    DATETIME,
    finished_at   DATETIME
)`,
	`CREATE INDEX IF NOT EXISTS idx_bundles_state ON bundles (state)`,
	`CREATE TABLE IF NOT EXISTS bundle_dependencies (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
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
    secure         INTEGER NOT NULL DEFAULT 0,
    created_at     DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS bundle_locations (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    bundle_uuid    TEXT NOT NULL,
    store_uuid     TEXT NOT NULL,
    storage_type   TEXT NOT NULL,
    storage_format TEXT NOT NULL,
    address        TEXT NOT NULL,
    created_at     DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_bundle_locations_bundle ON bundle_locations (bundle_uuid)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection; pin the pool to one.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateBundle inserts a bundle and its dependencies in one transaction.
func (s *SQLiteStore) CreateBundle(ctx context.Context, b *model.Bundle) error {
	metadata, err := encodeMetadata(b.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bundles (`+bundleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.UUID, b.BundleType, b.OwnerID, b.Command, b.State, b.StateDetails, b.ErrorMsg,
		string(metadata), b.Resources.CPUs, b.Resources.MemoryMB, b.Resources.GPUs, b.Tag,
		b.IsDir, b.DataHash, b.WorkerID, b.AssignToken,
		b.FrozenAt, b.CreatedAt, b.UpdatedAt, b.StartedAt, b.FinishedAt,
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert bundle: %w", err)
	}

	for _, d := range b.Dependencies {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bundle_dependencies (child_uuid, child_path, parent_uuid, parent_path)
			VALUES (?, ?, ?, ?)`,
			b.UUID, d.ChildPath, d.ParentUUID, d.ParentPath,
		)
		if err != nil {
			return fmt.Errorf("insert dependency %s: %w", d.ChildPath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bundle: %w", err)
	}
	return nil
}

// GetBundle retrieves a bundle and its dependencies by UUID.
func (s *SQLiteStore) GetBundle(ctx context.Context, uuid string) (*model.Bundle, error) {
	b, err := scanBundle(s.db.QueryRowContext(ctx,
		`SELECT `+bundleColumns+` FROM bundles WHERE uuid = ?`, uuid))
	if errors.Is(err, sql.ErrNoRows) {
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

// UpdateBundle overwrites the mutable fields of a bundle. Dependencies are immutable.
func (s *SQLiteStore) UpdateBundle(ctx context.Context, b *model.Bundle) error {
	metadata, err := encodeMetadata(b.Metadata)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE bundles SET
			owner_id = ?, state = ?, state_details = ?, error_msg = ?, metadata = ?,
			is_dir = ?, data_hash = ?, worker_id = ?, assign_token = ?,
			frozen_at = ?, updated_at = ?, started_at = ?, finished_at = ?
		WHERE uuid = ?`,
		b.OwnerID, b.State, b.StateDetails, b.ErrorMsg, string(metadata),
		b.IsDir, b.DataHash, b.WorkerID, b.AssignToken,
		b.FrozenAt, b.UpdatedAt, b.StartedAt, b.FinishedAt,
		b.UUID,
	)
	if err != nil {
		return fmt.Errorf("update bundle: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBundles returns bundles matching f in creation order.
func (s *SQLiteStore) ListBundles(ctx context.Context, f BundleFilter) ([]*model.Bundle, error) {
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, st := range f.States {
			args = append(args, st)
		}
	}
	if f.BundleType != "" {
		where = append(where, "bundle_type = ?")
		args = append(args, f.BundleType)
	}
	if f.Command != nil {
		where = append(where, "command = ?")
		args = append(args, *f.Command)
	}

	query := `SELECT ` + bundleColumns + ` FROM bundles`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) dependencies(ctx context.Context, uuids []string) ([]model.Dependency, error) {
	args := make([]any, len(uuids))
	for i, u := range uuids {
		args[i] = u
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT child_uuid, child_path, parent_uuid, parent_path
		FROM bundle_dependencies WHERE child_uuid IN (`+placeholders(len(uuids))+`)
		ORDER BY id ASC`, args...)
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
func (s *SQLiteStore) GetBundleStats(ctx context.Context) (*BundleStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &BundleStats{
		CountByState: make(map[string]int),
		CountByType:  make(map[string]int),
	}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM bundles").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count bundles: %w", err)
	}
	if err := countInto(ctx, tx, "SELECT state, COUNT(*) FROM bundles GROUP BY state", stats.CountByState); err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	if err := countInto(ctx, tx, "SELECT bundle_type, COUNT(*) FROM bundles GROUP BY bundle_type", stats.CountByType); err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM bundle_locations").Scan(&stats.Locations); err != nil {
		return nil, fmt.Errorf("count locations: %w", err)
	}

	return stats, nil
}

func countInto(ctx context.Context, tx *sql.Tx, query string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx, query)
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
func (s *SQLiteStore) CreateBundleStore(ctx context.Context, bs *model.BundleStore) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bundle_stores (`+storeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bs.UUID, bs.Name, bs.StorageType, bs.StorageFormat, bs.URL, bs.Endpoint,
		bs.AccessKeyEnv, bs.SecretKeyEnv, bs.Secure, bs.CreatedAt,
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert bundle store: %w", err)
	}
	return nil
}

// GetBundleStore retrieves a bundle store by UUID.
func (s *SQLiteStore) GetBundleStore(ctx context.Context, uuid string) (*model.BundleStore, error) {
	return s.getBundleStore(ctx, "uuid", uuid)
}

// GetBundleStoreByName retrieves a bundle store by its unique name.
func (s *SQLiteStore) GetBundleStoreByName(ctx context.Context, name string) (*model.BundleStore, error) {
	return s.getBundleStore(ctx, "name", name)
}

func (s *SQLiteStore) getBundleStore(ctx context.Context, column, value string) (*model.BundleStore, error) {
	bs, err := scanBundleStore(s.db.QueryRowContext(ctx,
		`SELECT `+storeColumns+` FROM bundle_stores WHERE `+column+` = ?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle store: %w", err)
	}
	return bs, nil
}

// ListBundleStores returns all bundle stores ordered by name.
func (s *SQLiteStore) ListBundleStores(ctx context.Context) ([]*model.BundleStore, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+storeColumns+` FROM bundle_stores ORDER BY name ASC`)
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
func (s *SQLiteStore) AddLocation(ctx context.Context, loc *model.BundleLocation) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO bundle_locations (bundle_uuid, store_uuid, storage_type, storage_format, address, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		loc.BundleUUID, loc.StoreUUID, loc.StorageType, loc.StorageFormat, loc.Address, loc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("location id: %w", err)
	}
	loc.ID = id
	return nil
}

// GetLocation retrieves a location by ID.
func (s *SQLiteStore) GetLocation(ctx context.Context, id int64) (*model.BundleLocation, error) {
	loc, err := scanLocation(s.db.QueryRowContext(ctx,
		`SELECT `+locationColumns+` FROM bundle_locations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get location: %w", err)
	}
	return loc, nil
}

// ListLocations returns a bundle's locations, oldest first.
func (s *SQLiteStore) ListLocations(ctx context.Context, bundleUUID string) ([]*model.BundleLocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+locationColumns+` FROM bundle_locations WHERE bundle_uuid = ? ORDER BY id ASC`, bundleUUID)
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
func (s *SQLiteStore) DeleteLocation(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM bundle_locations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete location: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isSQLiteUnique(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
