package backend

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/seantiz/cinder/internal/model"
)

// ErrBypassUnsupported is returned by backends that cannot issue signed
// direct-transfer URLs.
var ErrBypassUnsupported = &model.Error{Kind: model.ErrValidation, Msg: "backend does not support bypass transfers"}

// Backend is the interface every storage backend implements. Addresses are
// opaque to callers; a backend only interprets addresses it allocated.
type Backend interface {
	// Capabilities reports the storage type, format and bypass support.
	Capabilities() Capabilities

	// Allocate returns the address new contents of bundleUUID will be stored at.
	Allocate(ctx context.Context, bundleUUID string, isDir bool) (string, error)

	// Put stores the staged file or directory at src under address,
	// replacing anything already there. src may be consumed.
	Put(ctx context.Context, address, src string) error

	// Stat describes subpath of the contents at address to depth levels.
	Stat(ctx context.Context, address, subpath string, depth int) (*model.FileInfo, error)

	// Open returns the regular file at subpath.
	Open(ctx context.Context, address, subpath string) (io.ReadCloser, *model.FileInfo, error)

	// Archive writes the directory at subpath to w as a gzipped tar.
	Archive(ctx context.Context, address, subpath string, w io.Writer) error

	// Delete removes the contents at address.
	Delete(ctx context.Context, address string) error

	// BypassURL signs a direct transfer of the contents at address.
	BypassURL(ctx context.Context, address, method string, expiry time.Duration) (*model.BypassCredential, error)
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name          string `json:"name"`
	StorageType   string `json:"storage_type"`
	StorageFormat string `json:"storage_format"`
	Bypass        bool   `json:"bypass"`
}

// Bypass methods.
const (
	MethodUpload   = http.MethodPut
	MethodDownload = http.MethodGet
)
