package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/cinder/internal/model"
)

// StoreInfo pairs a bundle store with its backend's capabilities.
type StoreInfo struct {
	Store        *model.BundleStore `json:"store"`
	Capabilities Capabilities       `json:"capabilities"`
}

type entry struct {
	store   *model.BundleStore
	backend Backend
}

// Registry maps bundle stores to backend instances.
type Registry struct {
	mu           sync.RWMutex
	stores       map[string]entry
	byName       map[string]string
	defaultStore string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stores: make(map[string]entry),
		byName: make(map[string]string),
	}
}

// New builds the backend for bs, chosen by its storage type.
func New(bs *model.BundleStore) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch bs.StorageType {
	case model.StorageTypeDisk:
		b, err = NewDisk(bs.Name, bs.URL)
	case model.StorageTypeBlob:
		b, err = NewBlob(bs)
	default:
		return nil, model.Validationf("unknown storage type %q", bs.StorageType)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Register adds a backend for bs. The first store registered becomes the
// default unless SetDefault says otherwise.
func (r *Registry) Register(bs *model.BundleStore, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[bs.UUID] = entry{store: bs, backend: b}
	r.byName[bs.Name] = bs.UUID
	if r.defaultStore == "" {
		r.defaultStore = bs.UUID
	}
}

// SetDefault selects the store used when a caller names none.
func (r *Registry) SetDefault(storeUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[storeUUID]; !ok {
		return model.NotFoundf("bundle store %s is not registered", storeUUID)
	}
	r.defaultStore = storeUUID
	return nil
}

// Resolve returns the store and backend for a store UUID or name. An empty
// selector resolves the default store.
func (r *Registry) Resolve(selector string) (*model.BundleStore, Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if selector == "" {
		selector = r.defaultStore
		if selector == "" {
			return nil, nil, fmt.Errorf("no bundle store is registered")
		}
	}
	e, ok := r.stores[selector]
	if !ok {
		uuid, named := r.byName[selector]
		if !named {
			return nil, nil, model.NotFoundf("bundle store %q is not registered", selector)
		}
		e = r.stores[uuid]
	}
	return e.store, e.backend, nil
}

// List returns all registered stores sorted by name for a stable API response.
func (r *Registry) List() []StoreInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]StoreInfo, 0, len(r.stores))
	for _, e := range r.stores {
		infos = append(infos, StoreInfo{Store: e.store, Capabilities: e.backend.Capabilities()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Store.Name < infos[j].Store.Name
	})
	return infos
}
