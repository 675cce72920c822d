// Package storage is the backend-agnostic gateway to bundle contents. It
// allocates locations, ingests uploads, and serves reads and stats from
// whichever backend holds a bundle.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/seantiz/cinder/internal/backend"
	"github.com/seantiz/cinder/internal/lifecycle"
	"github.com/seantiz/cinder/internal/model"
	"github.com/seantiz/cinder/internal/store"
)

const defaultBypassExpiry = time.Hour

// Lifecycle is the part of the state machine the gateway drives.
type Lifecycle interface {
	Get(ctx context.Context, uuid string) (*model.Bundle, error)
	AcquireWrite(ctx context.Context, uuid string) (*model.Bundle, func(), error)
	Finalize(ctx context.Context, uuid string, out lifecycle.Outcome) (*model.Bundle, error)
}

// Config tunes a Gateway.
type Config struct {
	// StagingDir holds uploads while they are being unpacked.
	StagingDir   string
	BypassExpiry time.Duration
}

// Gateway mediates every access to bundle contents.
type Gateway struct {
	store    store.Store
	machine  Lifecycle
	backends *backend.Registry
	fetcher  *Fetcher
	logger   *slog.Logger
	cfg      Config
}

// New creates a Gateway.
func New(s store.Store, m Lifecycle, reg *backend.Registry, fetcher *Fetcher, logger *slog.Logger, cfg Config) (*Gateway, error) {
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	if cfg.BypassExpiry <= 0 {
		cfg.BypassExpiry = defaultBypassExpiry
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if fetcher == nil {
		fetcher = NewFetcher(nil, logger)
	}
	return &Gateway{
		store:    s,
		machine:  m,
		backends: reg,
		fetcher:  fetcher,
		logger:   logger,
		cfg:      cfg,
	}, nil
}

// Backends returns the backend registry.
func (g *Gateway) Backends() *backend.Registry {
	return g.backends
}

// RegisterStore validates, persists and activates a new bundle store.
func (g *Gateway) RegisterStore(ctx context.Context, bs *model.BundleStore) (*model.BundleStore, error) {
	if bs.Name == "" {
		return nil, model.Validationf("bundle store name is required")
	}
	cp := *bs
	bs = &cp
	if bs.StorageFormat == "" {
		bs.StorageFormat = defaultFormat(bs.StorageType)
	}
	if bs.StorageFormat != defaultFormat(bs.StorageType) {
		return nil, model.Validationf("storage type %q does not support format %q", bs.StorageType, bs.StorageFormat)
	}
	if bs.UUID == "" {
		bs.UUID = model.NewStoreUUID()
	}
	b, err := backend.New(bs)
	if err != nil {
		return nil, err
	}
	if err := g.store.CreateBundleStore(ctx, bs); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, model.Conflictf("bundle store %q already exists", bs.Name)
		}
		return nil, fmt.Errorf("create bundle store: %w", err)
	}
	g.backends.Register(bs, b)
	g.logger.Info("bundle store registered", "store", bs.Name, "storage_type", bs.StorageType)
	return bs, nil
}

// EnsureStore registers bs unless a store with the same name already exists,
// in which case the persisted store is activated.
func (g *Gateway) EnsureStore(ctx context.Context, bs *model.BundleStore) (*model.BundleStore, error) {
	existing, err := g.store.GetBundleStoreByName(ctx, bs.Name)
	if errors.Is(err, store.ErrNotFound) {
		return g.RegisterStore(ctx, bs)
	}
	if err != nil {
		return nil, err
	}
	// Credentials are never persisted; take them from the caller.
	existing.AccessKeyEnv = bs.AccessKeyEnv
	existing.SecretKeyEnv = bs.SecretKeyEnv
	b, err := backend.New(existing)
	if err != nil {
		return nil, err
	}
	g.backends.Register(existing, b)
	return existing, nil
}

// LoadStores activates every persisted store that is not yet registered.
// Stores whose backend cannot be built are logged and skipped.
func (g *Gateway) LoadStores(ctx context.Context) error {
	stores, err := g.store.ListBundleStores(ctx)
	if err != nil {
		return fmt.Errorf("list bundle stores: %w", err)
	}
	for _, bs := range stores {
		if _, _, err := g.backends.Resolve(bs.UUID); err == nil {
			continue
		}
		b, err := backend.New(bs)
		if err != nil {
			g.logger.Warn("skip bundle store", "store", bs.Name, "error", err)
			continue
		}
		g.backends.Register(bs, b)
	}
	return nil
}

func defaultFormat(storageType string) string {
	if storageType == model.StorageTypeBlob {
		return model.StorageFormatCompressedV1
	}
	return model.StorageFormatUncompressed
}

// CreateLocation allocates a new location for bundleUUID on the selected
// store. When needsBypass is set and the backend can sign direct uploads, a
// credential is returned with it; otherwise the credential is nil and the
// caller must write through the gateway.
func (g *Gateway) CreateLocation(ctx context.Context, bundleUUID, storeSelector string, needsBypass, isDir bool) (*model.BundleLocation, *model.BypassCredential, error) {
	if _, err := g.machine.Get(ctx, bundleUUID); err != nil {
		return nil, nil, err
	}
	bs, b, err := g.backends.Resolve(storeSelector)
	if err != nil {
		return nil, nil, err
	}
	loc, err := g.addLocation(ctx, bundleUUID, bs, b, isDir)
	if err != nil {
		return nil, nil, err
	}
	if !needsBypass || !b.Capabilities().Bypass {
		return loc, nil, nil
	}
	cred, err := b.BypassURL(ctx, loc.Address, backend.MethodUpload, g.cfg.BypassExpiry)
	if err != nil {
		g.logger.Warn("bypass credential unavailable", "bundle_uuid", bundleUUID, "store", bs.Name, "error", err)
		return loc, nil, nil
	}
	return loc, cred, nil
}

func (g *Gateway) addLocation(ctx context.Context, bundleUUID string, bs *model.BundleStore, b backend.Backend, isDir bool) (*model.BundleLocation, error) {
	addr, err := b.Allocate(ctx, bundleUUID, isDir)
	if err != nil {
		return nil, err
	}
	caps := b.Capabilities()
	loc := &model.BundleLocation{
		BundleUUID:    bundleUUID,
		StoreUUID:     bs.UUID,
		StorageType:   caps.StorageType,
		StorageFormat: caps.StorageFormat,
		Address:       addr,
	}
	if err := g.store.AddLocation(ctx, loc); err != nil {
		return nil, fmt.Errorf("add location: %w", err)
	}
	return loc, nil
}

// DownloadURL signs a direct download of a location, if its backend can.
func (g *Gateway) DownloadURL(ctx context.Context, bundleUUID string, locationID int64) (*model.BypassCredential, error) {
	loc, err := g.GetLocation(ctx, bundleUUID, locationID)
	if err != nil {
		return nil, err
	}
	_, b, err := g.backends.Resolve(loc.StoreUUID)
	if err != nil {
		return nil, err
	}
	return b.BypassURL(ctx, loc.Address, backend.MethodDownload, g.cfg.BypassExpiry)
}

// ListLocations returns the locations of a bundle, oldest first.
func (g *Gateway) ListLocations(ctx context.Context, bundleUUID string) ([]*model.BundleLocation, error) {
	if _, err := g.machine.Get(ctx, bundleUUID); err != nil {
		return nil, err
	}
	return g.store.ListLocations(ctx, bundleUUID)
}

// GetLocation returns one location of a bundle.
func (g *Gateway) GetLocation(ctx context.Context, bundleUUID string, id int64) (*model.BundleLocation, error) {
	loc, err := g.store.GetLocation(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && loc.BundleUUID != bundleUUID) {
		return nil, model.NotFoundf("location %d of bundle %s not found", id, bundleUUID)
	}
	return loc, err
}

// DeleteLocation removes a location record and the contents it points to.
func (g *Gateway) DeleteLocation(ctx context.Context, bundleUUID string, id int64) error {
	loc, err := g.GetLocation(ctx, bundleUUID, id)
	if err != nil {
		return err
	}
	if _, b, err := g.backends.Resolve(loc.StoreUUID); err == nil {
		if err := b.Delete(ctx, loc.Address); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	} else {
		g.logger.Warn("deleting location of unregistered store", "location_id", id, "store_uuid", loc.StoreUUID)
	}
	return g.store.DeleteLocation(ctx, id)
}

// pickLocation chooses the authoritative location for a read: the given
// ID, else the most recent location on the given store, else the most
// recent location overall.
func (g *Gateway) pickLocation(ctx context.Context, bundleUUID string, sel Selector) (*model.BundleLocation, backend.Backend, error) {
	var loc *model.BundleLocation
	if sel.LocationID != 0 {
		l, err := g.GetLocation(ctx, bundleUUID, sel.LocationID)
		if err != nil {
			return nil, nil, err
		}
		loc = l
	} else {
		locs, err := g.store.ListLocations(ctx, bundleUUID)
		if err != nil {
			return nil, nil, err
		}
		var storeUUID string
		if sel.Store != "" {
			bs, _, err := g.backends.Resolve(sel.Store)
			if err != nil {
				return nil, nil, err
			}
			storeUUID = bs.UUID
		}
		for _, l := range slices.Backward(locs) {
			if storeUUID == "" || l.StoreUUID == storeUUID {
				loc = l
				break
			}
		}
		if loc == nil {
			return nil, nil, ErrNoLocation
		}
	}
	_, b, err := g.backends.Resolve(loc.StoreUUID)
	if err != nil {
		return nil, nil, err
	}
	return loc, b, nil
}

// ErrNoLocation is returned when a bundle has no stored contents yet.
var ErrNoLocation = &model.Error{Kind: model.ErrNotFound, Msg: "bundle has no contents location"}

// Selector picks a location. Zero values select the most recent location.
type Selector struct {
	LocationID int64
	Store      string
}
