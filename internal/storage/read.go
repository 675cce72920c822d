package storage

import (
	"context"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/seantiz/cinder/internal/model"
)

// ByteRange is a half-open range [Start, End). An End of -1 reads to the
// end of the file.
type ByteRange struct {
	Start int64
	End   int64
}

// ReadOptions controls a read of bundle contents.
type ReadOptions struct {
	Selector
	Path string

	Range *ByteRange
	Gzip  bool

	// Head and Tail select a line preview. MaxLineLength truncates each
	// previewed line.
	Head          int
	Tail          int
	MaxLineLength int
}

func (o ReadOptions) preview() bool {
	return o.Head > 0 || o.Tail > 0
}

// Content is an open read. The caller must close Body.
type Content struct {
	Body        io.ReadCloser
	Info        *model.FileInfo
	Filename    string
	ContentType string
	// Encoding is "gzip" when Body is gzip-encoded.
	Encoding string
	// Size is the logical, uncompressed size of what Body yields, or -1.
	Size int64
	// Range is the resolved byte range and Total the file size, set for
	// ranged reads.
	Range *ByteRange
	Total int64
}

// Stat describes the path inside the bundle's authoritative location.
func (g *Gateway) Stat(ctx context.Context, bundleUUID string, sel Selector, p string, depth int) (*model.FileInfo, error) {
	loc, be, err := g.pickLocation(ctx, bundleUUID, sel)
	if err != nil {
		return nil, err
	}
	return be.Stat(ctx, loc.Address, p, depth)
}

// Read opens the file or directory at opts.Path. Directories are streamed
// as a deterministic tar.gz; files honour ranges, previews and gzip
// encoding, in that order of precedence.
func (g *Gateway) Read(ctx context.Context, bundleUUID string, opts ReadOptions) (*Content, error) {
	if opts.Range != nil && opts.preview() {
		return nil, model.Validationf("range and head/tail are mutually exclusive")
	}
	loc, be, err := g.pickLocation(ctx, bundleUUID, opts.Selector)
	if err != nil {
		return nil, err
	}
	info, err := be.Stat(ctx, loc.Address, opts.Path, 0)
	if err != nil {
		return nil, err
	}

	if info.Type == model.FileTypeDirectory {
		if opts.Range != nil || opts.preview() {
			return nil, model.Validationf("%q is a directory", opts.Path)
		}
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(be.Archive(ctx, loc.Address, opts.Path, pw))
		}()
		return &Content{
			Body:        &countingBody{ReadCloser: pr, storageType: loc.StorageType},
			Info:        info,
			Filename:    info.Name + ".tar.gz",
			ContentType: "application/gzip",
			Size:        -1,
		}, nil
	}

	rc, finfo, err := be.Open(ctx, loc.Address, opts.Path)
	if err != nil {
		return nil, err
	}
	c := &Content{
		Info:        finfo,
		Filename:    finfo.Name,
		ContentType: contentType(finfo.Name),
		Size:        finfo.Size,
	}

	switch {
	case opts.Range != nil:
		r, err := resolveRange(*opts.Range, finfo.Size)
		if err != nil {
			rc.Close()
			return nil, err
		}
		if err := skip(rc, r.Start); err != nil {
			rc.Close()
			return nil, model.Transport("seek", err)
		}
		c.Body = readCloser{Reader: io.LimitReader(rc, r.End-r.Start), Closer: rc}
		c.Range = &r
		c.Total = finfo.Size
		c.Size = r.End - r.Start
	case opts.preview():
		data, err := Preview(rc, opts.Head, opts.Tail, opts.MaxLineLength)
		rc.Close()
		if err != nil {
			return nil, model.Transport("read preview", err)
		}
		c.Body = io.NopCloser(strings.NewReader(string(data)))
		c.Size = int64(len(data))
		c.ContentType = "text/plain; charset=utf-8"
	default:
		c.Body = rc
	}
	c.Body = &countingBody{ReadCloser: c.Body, storageType: loc.StorageType}

	if opts.Gzip {
		c.Body = gzipBody(c.Body)
		c.Encoding = "gzip"
	}
	return c, nil
}

// resolveRange clamps r to a file of the given size.
func resolveRange(r ByteRange, size int64) (ByteRange, error) {
	if r.End < 0 || (size >= 0 && r.End > size) {
		r.End = size
	}
	if r.Start < 0 || r.End < r.Start {
		return r, model.Validationf("invalid byte range %d-%d", r.Start, r.End)
	}
	if size >= 0 && r.Start > size {
		return r, model.Validationf("range start %d beyond end of file (%d bytes)", r.Start, size)
	}
	return r, nil
}

func skip(r io.Reader, n int64) error {
	if n == 0 {
		return nil
	}
	if s, ok := r.(io.Seeker); ok {
		_, err := s.Seek(n, io.SeekStart)
		return err
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

func contentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

type readCloser struct {
	io.Reader
	io.Closer
}

// gzipBody compresses rc on the fly.
func gzipBody(rc io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		zw := gzip.NewWriter(pw)
		_, err := io.Copy(zw, rc)
		rc.Close()
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr
}

// countingBody records bytes served per storage type.
type countingBody struct {
	io.ReadCloser
	storageType string
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 {
		bytesRead.WithLabelValues(c.storageType).Add(float64(n))
	}
	return n, err
}
