package model

import "time"

// Storage type constants. A storage type selects the backend that owns a location.
const (
	StorageTypeDisk = "disk"
	StorageTypeBlob = "blob"
)

// Storage format constants.
const (
	// StorageFormatUncompressed stores files and directories as-is.
	StorageFormatUncompressed = "uncompressed"
	// StorageFormatCompressedV1 stores files as contents.gz and directories as contents.tar.gz.
	StorageFormatCompressedV1 = "compressed_v1"
)

// BundleStore is a named place bundle contents can be written to.
type BundleStore struct {
	UUID          string    `json:"uuid"`
	Name          string    `json:"name"`
	StorageType   string    `json:"storage_type"`
	StorageFormat string    `json:"storage_format"`
	URL           string    `json:"url"`
	Endpoint      string    `json:"endpoint,omitempty"`
	AccessKeyEnv  string    `json:"-"`
	SecretKeyEnv  string    `json:"-"`
	Secure        bool      `json:"secure"`
	CreatedAt     time.Time `json:"created_at"`
}

// BundleLocation records one physical copy of a bundle's contents.
// Locations are append-only; the highest ID is the most recently added.
type BundleLocation struct {
	ID            int64     `json:"id"`
	BundleUUID    string    `json:"bundle_uuid"`
	StoreUUID     string    `json:"store_uuid"`
	StorageType   string    `json:"storage_type"`
	StorageFormat string    `json:"storage_format"`
	Address       string    `json:"address"`
	CreatedAt     time.Time `json:"created_at"`
}

// File type constants reported by stat.
const (
	FileTypeFile      = "file"
	FileTypeDirectory = "directory"
	FileTypeLink      = "link"
)

// FileInfo describes one node of a bundle's contents tree.
type FileInfo struct {
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	Size       int64       `json:"size"`
	Perm       uint32      `json:"perm"`
	LinkTarget string      `json:"link,omitempty"`
	Contents   []*FileInfo `json:"contents,omitempty"`
}

// BypassCredential is a signed, time-limited URL a client can use to move
// bytes directly to or from a backend without going through the server.
type BypassCredential struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}
