package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/seantiz/cinder/internal/archive"
	"github.com/seantiz/cinder/internal/model"
)

// Disk stores bundle contents uncompressed under a root directory on the
// local filesystem, one entry per bundle.
type Disk struct {
	name string
	root string
}

var _ Backend = (*Disk)(nil)

// NewDisk creates a disk backend rooted at root, creating it if needed.
func NewDisk(name, root string) (*Disk, error) {
	if root == "" {
		return nil, model.Validationf("disk store %q needs a root directory", name)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve disk root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create disk root: %w", err)
	}
	return &Disk{name: name, root: abs}, nil
}

// Root returns the absolute root directory.
func (d *Disk) Root() string {
	return d.root
}

func (d *Disk) Capabilities() Capabilities {
	return Capabilities{
		Name:          d.name,
		StorageType:   model.StorageTypeDisk,
		StorageFormat: model.StorageFormatUncompressed,
	}
}

func (d *Disk) Allocate(_ context.Context, bundleUUID string, _ bool) (string, error) {
	if bundleUUID == "" || strings.ContainsAny(bundleUUID, `/\`) || bundleUUID == "." || bundleUUID == ".." {
		return "", model.Validationf("invalid bundle uuid %q", bundleUUID)
	}
	return filepath.Join(d.root, bundleUUID), nil
}

// checkAddress rejects addresses outside the root.
func (d *Disk) checkAddress(address string) error {
	rel, err := filepath.Rel(d.root, address)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.Contains(rel, string(filepath.Separator)) {
		return model.Validationf("address %q does not belong to disk store %s", address, d.name)
	}
	return nil
}

// resolve joins subpath under address without letting it escape.
func (d *Disk) resolve(address, subpath string) (string, error) {
	if err := d.checkAddress(address); err != nil {
		return "", err
	}
	clean := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(subpath)), "/")
	if clean == "" {
		return address, nil
	}
	return filepath.Join(address, filepath.FromSlash(clean)), nil
}

func (d *Disk) Put(_ context.Context, address, src string) error {
	if err := d.checkAddress(address); err != nil {
		return err
	}
	if err := os.RemoveAll(address); err != nil {
		return fmt.Errorf("clear %s: %w", address, err)
	}
	if err := os.Rename(src, address); err == nil {
		return nil
	}
	// Staging may live on another filesystem.
	if err := copyTree(src, address); err != nil {
		os.RemoveAll(address)
		return model.Transport("copy into disk store", err)
	}
	return os.RemoveAll(src)
}

func (d *Disk) Stat(_ context.Context, address, subpath string, depth int) (*model.FileInfo, error) {
	p, err := d.resolve(address, subpath)
	if err != nil {
		return nil, err
	}
	info, err := archive.StatPath(p, depth)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, model.NotFoundf("path %q not found", subpath)
	}
	return info, err
}

func (d *Disk) Open(_ context.Context, address, subpath string) (io.ReadCloser, *model.FileInfo, error) {
	p, err := d.resolve(address, subpath)
	if err != nil {
		return nil, nil, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, model.NotFoundf("path %q not found", subpath)
	}
	if err != nil {
		return nil, nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, nil, model.Validationf("%q is not a regular file", subpath)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	info := &model.FileInfo{
		Name: fi.Name(),
		Type: model.FileTypeFile,
		Size: fi.Size(),
		Perm: uint32(fi.Mode().Perm()),
	}
	return f, info, nil
}

func (d *Disk) Archive(_ context.Context, address, subpath string, w io.Writer) error {
	p, err := d.resolve(address, subpath)
	if err != nil {
		return err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return model.NotFoundf("path %q not found", subpath)
	}
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return model.Validationf("%q is not a directory", subpath)
	}
	return archive.PackDir(w, p)
}

func (d *Disk) Delete(_ context.Context, address string) error {
	if err := d.checkAddress(address); err != nil {
		return err
	}
	return os.RemoveAll(address)
}

func (d *Disk) BypassURL(context.Context, string, string, time.Duration) (*model.BypassCredential, error) {
	return nil, ErrBypassUnsupported
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case e.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		default:
			return copyFile(p, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}
