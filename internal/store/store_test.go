package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/seantiz/cinder/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestBundle(deps ...model.Dependency) *model.Bundle {
	now := time.Now().UTC().Truncate(time.Second)
	b := &model.Bundle{
		UUID:       model.NewID(),
		BundleType: model.BundleTypeRun,
		OwnerID:    "alice",
		Command:    "echo hello",
		State:      model.StateCreated,
		Metadata:   map[string]any{"name": "hello"},
		Resources:  model.Resources{CPUs: 2, MemoryMB: 1024},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, d := range deps {
		d.ChildUUID = b.UUID
		b.Dependencies = append(b.Dependencies, d)
	}
	return b
}

// storeSuite runs the behavioural tests every Store implementation must pass.
func storeSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetBundle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		parent := makeTestBundle()
		if err := s.CreateBundle(ctx, parent); err != nil {
			t.Fatalf("CreateBundle parent: %v", err)
		}
		child := makeTestBundle(
			model.Dependency{ChildPath: "in", ParentUUID: parent.UUID},
			model.Dependency{ChildPath: "cfg", ParentUUID: parent.UUID, ParentPath: "config.json"},
		)
		if err := s.CreateBundle(ctx, child); err != nil {
			t.Fatalf("CreateBundle child: %v", err)
		}

		got, err := s.GetBundle(ctx, child.UUID)
		if err != nil {
			t.Fatalf("GetBundle: %v", err)
		}
		if got.Command != child.Command {
			t.Errorf("Command = %q, want %q", got.Command, child.Command)
		}
		if got.State != model.StateCreated {
			t.Errorf("State = %q, want created", got.State)
		}
		if got.Resources != child.Resources {
			t.Errorf("Resources = %+v, want %+v", got.Resources, child.Resources)
		}
		if got.Metadata["name"] != "hello" {
			t.Errorf("Metadata[name] = %v, want hello", got.Metadata["name"])
		}
		if len(got.Dependencies) != 2 {
			t.Fatalf("len(Dependencies) = %d, want 2", len(got.Dependencies))
		}
		if got.Dependencies[1].ParentPath != "config.json" {
			t.Errorf("Dependencies[1].ParentPath = %q", got.Dependencies[1].ParentPath)
		}
		if got.Dependencies[0].ChildUUID != child.UUID {
			t.Errorf("Dependencies[0].ChildUUID = %q, want %q", got.Dependencies[0].ChildUUID, child.UUID)
		}
	})

	t.Run("DuplicateBundle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := makeTestBundle()
		if err := s.CreateBundle(ctx, b); err != nil {
			t.Fatalf("CreateBundle: %v", err)
		}
		if err := s.CreateBundle(ctx, b); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("second CreateBundle error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("GetBundleNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetBundle(context.Background(), "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
		if !errors.Is(err, model.ErrNotFound) {
			t.Errorf("error = %v, want kind model.ErrNotFound", err)
		}
	})

	t.Run("UpdateBundle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b := makeTestBundle()
		if err := s.CreateBundle(ctx, b); err != nil {
			t.Fatalf("CreateBundle: %v", err)
		}

		now := time.Now().UTC().Truncate(time.Second)
		b.State = model.StateRunning
		b.WorkerID = "w1"
		b.AssignToken = 3
		b.StartedAt = &now
		b.IsDir = true
		b.DataHash = "0xabc"
		b.Metadata["run_status"] = "Running"
		if err := s.UpdateBundle(ctx, b); err != nil {
			t.Fatalf("UpdateBundle: %v", err)
		}

		got, err := s.GetBundle(ctx, b.UUID)
		if err != nil {
			t.Fatalf("GetBundle: %v", err)
		}
		if got.State != model.StateRunning || got.WorkerID != "w1" || got.AssignToken != 3 {
			t.Errorf("got state=%q worker=%q token=%d", got.State, got.WorkerID, got.AssignToken)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(now) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, now)
		}
		if !got.IsDir || got.DataHash != "0xabc" {
			t.Errorf("IsDir=%v DataHash=%q", got.IsDir, got.DataHash)
		}
		if got.Metadata["run_status"] != "Running" {
			t.Errorf("Metadata[run_status] = %v", got.Metadata["run_status"])
		}

		missing := makeTestBundle()
		if err := s.UpdateBundle(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateBundle missing error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListBundlesFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var created []*model.Bundle
		for i, state := range []string{model.StateStaged, model.StateCreated, model.StateStaged, model.StateReady} {
			b := makeTestBundle()
			b.State = state
			if i == 3 {
				b.BundleType = model.BundleTypeDataset
				b.Command = ""
			}
			if err := s.CreateBundle(ctx, b); err != nil {
				t.Fatalf("CreateBundle: %v", err)
			}
			created = append(created, b)
		}

		staged, err := s.ListBundles(ctx, BundleFilter{States: []string{model.StateStaged}})
		if err != nil {
			t.Fatalf("ListBundles: %v", err)
		}
		if len(staged) != 2 {
			t.Fatalf("len(staged) = %d, want 2", len(staged))
		}
		if staged[0].UUID != created[0].UUID || staged[1].UUID != created[2].UUID {
			t.Error("staged bundles not returned in creation order")
		}

		datasets, err := s.ListBundles(ctx, BundleFilter{BundleType: model.BundleTypeDataset})
		if err != nil {
			t.Fatalf("ListBundles: %v", err)
		}
		if len(datasets) != 1 || datasets[0].UUID != created[3].UUID {
			t.Errorf("dataset filter returned %d bundles", len(datasets))
		}

		cmd := "echo hello"
		byCommand, err := s.ListBundles(ctx, BundleFilter{Command: &cmd})
		if err != nil {
			t.Fatalf("ListBundles: %v", err)
		}
		if len(byCommand) != 3 {
			t.Errorf("command filter returned %d bundles, want 3", len(byCommand))
		}

		page, err := s.ListBundles(ctx, BundleFilter{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("ListBundles: %v", err)
		}
		if len(page) != 2 || page[0].UUID != created[1].UUID {
			t.Errorf("pagination returned unexpected page")
		}
	})

	t.Run("BundleStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, state := range []string{model.StateReady, model.StateReady, model.StateFailed} {
			b := makeTestBundle()
			b.State = state
			if err := s.CreateBundle(ctx, b); err != nil {
				t.Fatalf("CreateBundle: %v", err)
			}
		}

		stats, err := s.GetBundleStats(ctx)
		if err != nil {
			t.Fatalf("GetBundleStats: %v", err)
		}
		if stats.Total != 3 {
			t.Errorf("Total = %d, want 3", stats.Total)
		}
		if stats.CountByState[model.StateReady] != 2 || stats.CountByState[model.StateFailed] != 1 {
			t.Errorf("CountByState = %v", stats.CountByState)
		}
		if stats.CountByType[model.BundleTypeRun] != 3 {
			t.Errorf("CountByType = %v", stats.CountByType)
		}
	})

	t.Run("BundleStores", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bs := &model.BundleStore{
			UUID:          model.NewStoreUUID(),
			Name:          "store-" + model.NewID(),
			StorageType:   model.StorageTypeDisk,
			StorageFormat: model.StorageFormatUncompressed,
			URL:           "/var/lib/bundles",
			CreatedAt:     time.Now().UTC().Truncate(time.Second),
		}
		if err := s.CreateBundleStore(ctx, bs); err != nil {
			t.Fatalf("CreateBundleStore: %v", err)
		}
		if err := s.CreateBundleStore(ctx, bs); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate CreateBundleStore error = %v, want ErrAlreadyExists", err)
		}

		byUUID, err := s.GetBundleStore(ctx, bs.UUID)
		if err != nil {
			t.Fatalf("GetBundleStore: %v", err)
		}
		if byUUID.Name != bs.Name || byUUID.URL != bs.URL {
			t.Errorf("GetBundleStore = %+v", byUUID)
		}

		byName, err := s.GetBundleStoreByName(ctx, bs.Name)
		if err != nil {
			t.Fatalf("GetBundleStoreByName: %v", err)
		}
		if byName.UUID != bs.UUID {
			t.Errorf("GetBundleStoreByName UUID = %q, want %q", byName.UUID, bs.UUID)
		}

		if _, err := s.GetBundleStoreByName(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing store error = %v, want ErrNotFound", err)
		}

		all, err := s.ListBundleStores(ctx)
		if err != nil {
			t.Fatalf("ListBundleStores: %v", err)
		}
		if len(all) < 1 {
			t.Errorf("ListBundleStores returned %d stores", len(all))
		}
	})

	t.Run("Locations", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		bundleUUID := model.NewID()

		var ids []int64
		for _, addr := range []string{"/a", "/b"} {
			loc := &model.BundleLocation{
				BundleUUID:    bundleUUID,
				StoreUUID:     "store",
				StorageType:   model.StorageTypeDisk,
				StorageFormat: model.StorageFormatUncompressed,
				Address:       addr,
				CreatedAt:     time.Now().UTC(),
			}
			if err := s.AddLocation(ctx, loc); err != nil {
				t.Fatalf("AddLocation: %v", err)
			}
			if loc.ID == 0 {
				t.Fatal("AddLocation did not assign an ID")
			}
			ids = append(ids, loc.ID)
		}
		if ids[1] <= ids[0] {
			t.Errorf("location ids not increasing: %v", ids)
		}

		locs, err := s.ListLocations(ctx, bundleUUID)
		if err != nil {
			t.Fatalf("ListLocations: %v", err)
		}
		if len(locs) != 2 || locs[1].Address != "/b" {
			t.Fatalf("ListLocations = %+v", locs)
		}

		got, err := s.GetLocation(ctx, ids[0])
		if err != nil {
			t.Fatalf("GetLocation: %v", err)
		}
		if got.Address != "/a" {
			t.Errorf("Address = %q, want /a", got.Address)
		}

		if err := s.DeleteLocation(ctx, ids[0]); err != nil {
			t.Fatalf("DeleteLocation: %v", err)
		}
		if err := s.DeleteLocation(ctx, ids[0]); !errors.Is(err, ErrNotFound) {
			t.Errorf("second DeleteLocation error = %v, want ErrNotFound", err)
		}
		if _, err := s.GetLocation(ctx, ids[0]); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetLocation after delete error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store { return newTestStore(t) })
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CINDER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CINDER_TEST_POSTGRES_DSN not set")
	}
	storeSuite(t, func(t *testing.T) Store {
		t.Helper()
		s, err := NewPostgresStore(context.Background(), dsn)
		if err != nil {
			t.Fatalf("NewPostgresStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		_, err = s.pool.Exec(context.Background(),
			`TRUNCATE bundles, bundle_dependencies, bundle_stores, bundle_locations RESTART IDENTITY`)
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("Open(:memory:) = %T, want *SQLiteStore", s)
	}
}
