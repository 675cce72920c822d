package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/seantiz/cinder/internal/model"
)

// ErrNotInArchive is returned when a requested path has no entry.
var ErrNotInArchive = &model.Error{Kind: model.ErrNotFound, Msg: "path not found in archive"}

// cleanSubpath normalizes a path inside a bundle. The root is "".
func cleanSubpath(p string) string {
	c := path.Clean("/" + p)
	return strings.TrimPrefix(c, "/")
}

func entryName(hdr *tar.Header) string {
	return cleanSubpath(strings.TrimSuffix(hdr.Name, "/"))
}

// within reports whether name is sub or below it, returning the remainder.
func within(name, sub string) (string, bool) {
	if sub == "" {
		return name, true
	}
	if name == sub {
		return "", true
	}
	if strings.HasPrefix(name, sub+"/") {
		return name[len(sub)+1:], true
	}
	return "", false
}

// TreeFromTarGz builds the stat tree of sub from a gzipped tar stream,
// descending at most depth levels below it. Directory sizes are the total
// size of the files they contain.
func TreeFromTarGz(r io.Reader, rootName, sub string, depth int) (*model.FileInfo, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()

	sub = cleanSubpath(sub)
	name := rootName
	if sub != "" {
		name = path.Base(sub)
	}
	root := &model.FileInfo{Name: name, Type: model.FileTypeDirectory, Perm: 0o755}
	found := sub == ""
	nodes := map[string]*model.FileInfo{"": root}

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		rel, ok := within(entryName(hdr), sub)
		if !ok {
			continue
		}
		found = true
		info := headerInfo(hdr)
		if rel == "" {
			info.Name = root.Name
			if info.Type == model.FileTypeDirectory {
				root.Perm = info.Perm
				continue
			}
			return info, nil
		}

		levels := strings.Count(rel, "/") + 1
		parentPath := path.Dir(rel)
		if parentPath == "." {
			parentPath = ""
		}
		if levels > depth {
			addSize(nodes, parentPath, info.Size)
			continue
		}
		parent := ensureDir(nodes, parentPath)
		addSize(nodes, parentPath, info.Size)
		if info.Type == model.FileTypeDirectory {
			if existing, ok := nodes[rel]; ok {
				existing.Perm = info.Perm
				continue
			}
			nodes[rel] = info
		}
		parent.Contents = append(parent.Contents, info)
	}
	if !found {
		return nil, ErrNotInArchive
	}
	return root, nil
}

func ensureDir(nodes map[string]*model.FileInfo, p string) *model.FileInfo {
	if n, ok := nodes[p]; ok {
		return n
	}
	parentPath := path.Dir(p)
	if parentPath == "." {
		parentPath = ""
	}
	parent := ensureDir(nodes, parentPath)
	n := &model.FileInfo{Name: path.Base(p), Type: model.FileTypeDirectory, Perm: 0o755}
	nodes[p] = n
	parent.Contents = append(parent.Contents, n)
	return n
}

// addSize adds size to p and every ancestor that is already known, plus the root.
func addSize(nodes map[string]*model.FileInfo, p string, size int64) {
	if size == 0 {
		return
	}
	for {
		if n, ok := nodes[p]; ok {
			n.Size += size
		}
		if p == "" {
			return
		}
		p = path.Dir(p)
		if p == "." {
			p = ""
		}
	}
}

func headerInfo(hdr *tar.Header) *model.FileInfo {
	info := &model.FileInfo{
		Name: path.Base(entryName(hdr)),
		Perm: uint32(fs.FileMode(hdr.Mode).Perm()),
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		info.Type = model.FileTypeDirectory
	case tar.TypeSymlink:
		info.Type = model.FileTypeLink
		info.LinkTarget = hdr.Linkname
	default:
		info.Type = model.FileTypeFile
		info.Size = hdr.Size
	}
	return info
}

// OpenInTarGz positions a reader on the regular file sub inside a gzipped
// tar stream. Closing the returned reader closes r.
func OpenInTarGz(r io.ReadCloser, sub string) (io.ReadCloser, *model.FileInfo, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		r.Close()
		return nil, nil, fmt.Errorf("open gzip: %w", err)
	}
	sub = cleanSubpath(sub)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			r.Close()
			return nil, nil, ErrNotInArchive
		}
		if err != nil {
			r.Close()
			return nil, nil, fmt.Errorf("read tar: %w", err)
		}
		if entryName(hdr) != sub {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			r.Close()
			return nil, nil, model.Validationf("%s is not a regular file", sub)
		}
		return &entryReader{Reader: tr, closer: r}, headerInfo(hdr), nil
	}
}

type entryReader struct {
	io.Reader
	closer io.Closer
}

func (e *entryReader) Close() error { return e.closer.Close() }

// RepackTarGz copies the entries at or below sub from a gzipped tar stream
// into a new gzipped tar written to w, with names relative to sub.
func RepackTarGz(r io.Reader, sub string, w io.Writer) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()
	sub = cleanSubpath(sub)

	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)
	tr := tar.NewReader(zr)
	found := sub == ""
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		rel, ok := within(entryName(hdr), sub)
		if !ok {
			continue
		}
		found = true
		if rel == "" {
			continue
		}
		out := &tar.Header{
			Name:     rel,
			Typeflag: hdr.Typeflag,
			Mode:     hdr.Mode,
			Size:     hdr.Size,
			Linkname: hdr.Linkname,
			Format:   tar.FormatPAX,
		}
		if hdr.Typeflag == tar.TypeDir {
			out.Name += "/"
		}
		if err := tw.WriteHeader(out); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return err
			}
		}
	}
	if !found {
		return ErrNotInArchive
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}
