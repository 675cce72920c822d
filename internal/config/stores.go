package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/cinder/internal/model"
)

// StoreEntry declares one bundle store inside the stores file.
type StoreEntry struct {
	Name          string `yaml:"name"`
	StorageType   string `yaml:"storage_type"`
	StorageFormat string `yaml:"storage_format,omitempty"`
	URL           string `yaml:"url"`
	Endpoint      string `yaml:"endpoint,omitempty"`
	AccessKeyEnv  string `yaml:"access_key_env,omitempty"`
	SecretKeyEnv  string `yaml:"secret_key_env,omitempty"`
	Secure        bool   `yaml:"secure,omitempty"`
	// Default makes this store the one used when a request names none.
	Default bool `yaml:"default,omitempty"`
}

// StoresFile models the YAML file named by CINDER_STORES_FILE.
type StoresFile struct {
	Stores []StoreEntry `yaml:"stores"`
}

// LoadStores parses the stores file at path.
func LoadStores(path string) (*StoresFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stores file: %w", err)
	}
	var f StoresFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse stores file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Stores))
	defaults := 0
	for i, s := range f.Stores {
		if s.Name == "" {
			return nil, fmt.Errorf("stores file %s: entry %d has no name", path, i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("stores file %s: duplicate store %q", path, s.Name)
		}
		seen[s.Name] = true
		switch s.StorageType {
		case model.StorageTypeDisk, model.StorageTypeBlob:
		default:
			return nil, fmt.Errorf("stores file %s: store %q has unknown storage_type %q", path, s.Name, s.StorageType)
		}
		if s.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return nil, fmt.Errorf("stores file %s: more than one default store", path)
	}
	return &f, nil
}

// BundleStore converts the entry to the model type.
func (e StoreEntry) BundleStore() *model.BundleStore {
	return &model.BundleStore{
		Name:          e.Name,
		StorageType:   e.StorageType,
		StorageFormat: e.StorageFormat,
		URL:           e.URL,
		Endpoint:      e.Endpoint,
		AccessKeyEnv:  e.AccessKeyEnv,
		SecretKeyEnv:  e.SecretKeyEnv,
		Secure:        e.Secure,
	}
}
