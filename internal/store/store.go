package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seantiz/cinder/internal/model"
)

// ErrNotFound is returned when a bundle, bundle store or location does not exist.
var ErrNotFound = &model.Error{Kind: model.ErrNotFound, Msg: "record not found"}

// ErrAlreadyExists is returned when a unique key is already taken.
var ErrAlreadyExists = &model.Error{Kind: model.ErrConflict, Msg: "record already exists"}

// BundleStats holds aggregate bundle counts.
type BundleStats struct {
	Total        int            `json:"total"`
	CountByState map[string]int `json:"count_by_state"`
	CountByType  map[string]int `json:"count_by_type"`
	Locations    int            `json:"locations"`
}

// BundleFilter narrows ListBundles. Zero values match everything. Results are
// always returned in creation order.
type BundleFilter struct {
	States     []string
	BundleType string
	Command    *string
	Limit      int
	Offset     int
}

// Store defines the persistence operations for bundles and their storage locations.
type Store interface {
	CreateBundle(ctx context.Context, b *model.Bundle) error
	GetBundle(ctx context.Context, uuid string) (*model.Bundle, error)
	UpdateBundle(ctx context.Context, b *model.Bundle) error
	ListBundles(ctx context.Context, f BundleFilter) ([]*model.Bundle, error)
	GetBundleStats(ctx context.Context) (*BundleStats, error)

	CreateBundleStore(ctx context.Context, bs *model.BundleStore) error
	GetBundleStore(ctx context.Context, uuid string) (*model.BundleStore, error)
	GetBundleStoreByName(ctx context.Context, name string) (*model.BundleStore, error)
	ListBundleStores(ctx context.Context) ([]*model.BundleStore, error)

	AddLocation(ctx context.Context, loc *model.BundleLocation) error
	GetLocation(ctx context.Context, id int64) (*model.BundleLocation, error)
	ListLocations(ctx context.Context, bundleUUID string) ([]*model.BundleLocation, error)
	DeleteLocation(ctx context.Context, id int64) error

	Close() error
}

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const bundleColumns = `uuid, bundle_type, owner_id, command, state, state_details, error_msg,
	metadata, cpus, memory_mb, gpus, tag, is_dir, data_hash, worker_id, assign_token,
	frozen_at, created_at, updated_at, started_at, finished_at`

func scanBundle(row rowScanner) (*model.Bundle, error) {
	b := &model.Bundle{}
	var metadata []byte
	err := row.Scan(
		&b.UUID, &b.BundleType, &b.OwnerID, &b.Command, &b.State, &b.StateDetails, &b.ErrorMsg,
		&metadata, &b.Resources.CPUs, &b.Resources.MemoryMB, &b.Resources.GPUs, &b.Tag,
		&b.IsDir, &b.DataHash, &b.WorkerID, &b.AssignToken,
		&b.FrozenAt, &b.CreatedAt, &b.UpdatedAt, &b.StartedAt, &b.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &b.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", b.UUID, err)
		}
	}
	b.Dependencies = []model.Dependency{}
	return b, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

const storeColumns = `uuid, name, storage_type, storage_format, url, endpoint,
	access_key_env, secret_key_env, secure, created_at`

func scanBundleStore(row rowScanner) (*model.BundleStore, error) {
	bs := &model.BundleStore{}
	err := row.Scan(
		&bs.UUID, &bs.Name, &bs.StorageType, &bs.StorageFormat, &bs.URL, &bs.Endpoint,
		&bs.AccessKeyEnv, &bs.SecretKeyEnv, &bs.Secure, &bs.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return bs, nil
}

const locationColumns = `id, bundle_uuid, store_uuid, storage_type, storage_format, address, created_at`

func scanLocation(row rowScanner) (*model.BundleLocation, error) {
	loc := &model.BundleLocation{}
	err := row.Scan(
		&loc.ID, &loc.BundleUUID, &loc.StoreUUID, &loc.StorageType, &loc.StorageFormat,
		&loc.Address, &loc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return loc, nil
}

// attachDependencies distributes deps onto the bundles they belong to.
func attachDependencies(bundles []*model.Bundle, deps []model.Dependency) {
	byUUID := make(map[string]*model.Bundle, len(bundles))
	for _, b := range bundles {
		byUUID[b.UUID] = b
	}
	for _, d := range deps {
		if b, ok := byUUID[d.ChildUUID]; ok {
			b.Dependencies = append(b.Dependencies, d)
		}
	}
}
