package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/seantiz/cinder/internal/model"
)

// StatPath describes the file, directory or symlink at p, descending at most
// depth levels. Directory sizes are the total size of the files below them.
func StatPath(p string, depth int) (*model.FileInfo, error) {
	fi, err := os.Lstat(p)
	if err != nil {
		return nil, err
	}
	info := &model.FileInfo{
		Name: filepath.Base(p),
		Perm: uint32(fi.Mode().Perm()),
	}
	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		info.Type = model.FileTypeLink
		if info.LinkTarget, err = os.Readlink(p); err != nil {
			return nil, err
		}
	case fi.IsDir():
		info.Type = model.FileTypeDirectory
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if depth > 0 {
				child, err := StatPath(filepath.Join(p, e.Name()), depth-1)
				if err != nil {
					return nil, err
				}
				info.Contents = append(info.Contents, child)
				info.Size += child.Size
				continue
			}
			size, err := TreeSize(filepath.Join(p, e.Name()))
			if err != nil {
				return nil, err
			}
			info.Size += size
		}
		slices.SortFunc(info.Contents, func(a, b *model.FileInfo) int { return strings.Compare(a.Name, b.Name) })
	default:
		info.Type = model.FileTypeFile
		info.Size = fi.Size()
	}
	return info, nil
}

// TreeSize returns the total size of regular files at or below p.
func TreeSize(p string) (int64, error) {
	var total int64
	err := filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

// Digest returns a content hash of the tree at p, formatted as 0x-prefixed
// hex, and its total size. Files hash their bytes; directories hash their
// sorted entries' names, modes and digests.
func Digest(p string) (string, int64, error) {
	sum, size, err := digest(p)
	if err != nil {
		return "", 0, err
	}
	return "0x" + hex.EncodeToString(sum), size, nil
}

func digest(p string) ([]byte, int64, error) {
	fi, err := os.Lstat(p)
	if err != nil {
		return nil, 0, err
	}
	h := sha256.New()
	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return nil, 0, err
		}
		fmt.Fprintf(h, "link\x00%s", target)
		return h.Sum(nil), 0, nil
	case fi.IsDir():
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, 0, err
		}
		slices.SortFunc(entries, func(a, b os.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })
		var total int64
		for _, e := range entries {
			sub, size, err := digest(filepath.Join(p, e.Name()))
			if err != nil {
				return nil, 0, err
			}
			info, err := e.Info()
			if err != nil {
				return nil, 0, err
			}
			fmt.Fprintf(h, "%s\x00%o\x00%x\n", e.Name(), info.Mode().Perm(), sub)
			total += size
		}
		return h.Sum(nil), total, nil
	default:
		f, err := os.Open(p)
		if err != nil {
			return nil, 0, err
		}
		defer f.Close()
		n, err := io.Copy(h, f)
		if err != nil {
			return nil, 0, err
		}
		return h.Sum(nil), n, nil
	}
}
