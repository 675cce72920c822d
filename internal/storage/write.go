package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/seantiz/cinder/internal/archive"
	"github.com/seantiz/cinder/internal/lifecycle"
	"github.com/seantiz/cinder/internal/model"
)

// WriteOptions controls an upload.
type WriteOptions struct {
	// Store selects the bundle store by UUID or name. Ignored when
	// LocationID names an existing location.
	Store      string
	LocationID int64

	// URLs, when set, are fetched instead of reading the request body.
	// Several URLs produce a directory with one entry per URL.
	URLs []string
	// Git clones the URLs as repositories.
	Git bool

	// Filename names the body; its extension drives Unpack.
	Filename string
	Unpack   bool

	FinalizeOnSuccess bool
	FinalizeOnFailure bool
	// StateOnSuccess is the state reached on success, ready or failed.
	StateOnSuccess string
}

// WriteResult describes a completed upload.
type WriteResult struct {
	Bundle   *model.Bundle         `json:"bundle"`
	Location *model.BundleLocation `json:"location"`
	DataHash string                `json:"data_hash"`
	Size     int64                 `json:"size"`
}

// Write ingests new contents for bundleUUID. Only one write per bundle may be
// in progress; a second concurrent write fails with a conflict.
func (g *Gateway) Write(ctx context.Context, bundleUUID string, body io.Reader, opts WriteOptions) (*WriteResult, error) {
	if opts.StateOnSuccess == "" {
		opts.StateOnSuccess = model.StateReady
	}
	if opts.StateOnSuccess != model.StateReady && opts.StateOnSuccess != model.StateFailed {
		return nil, model.Validationf("state_on_success must be %s or %s", model.StateReady, model.StateFailed)
	}
	if opts.Git && len(opts.URLs) == 0 {
		return nil, model.Validationf("git uploads need at least one url")
	}

	b, release, err := g.machine.AcquireWrite(ctx, bundleUUID)
	if err != nil {
		return nil, err
	}
	defer release()
	if opts.FinalizeOnSuccess && !lifecycle.Finalizable(b) {
		return nil, model.Conflictf("bundle %s cannot be finalized from state %s", bundleUUID, b.State)
	}

	res, err := g.write(ctx, b, body, opts)
	if err != nil {
		writeFailures.Inc()
		g.logger.Warn("bundle upload failed", "bundle_uuid", bundleUUID, "error", err)
		if opts.FinalizeOnFailure {
			if _, ferr := g.machine.Finalize(ctx, bundleUUID, lifecycle.Outcome{ErrorMsg: err.Error()}); ferr != nil {
				g.logger.Error("finalize failed upload", "bundle_uuid", bundleUUID, "error", ferr)
			}
		}
		return nil, err
	}

	res.Bundle = b
	if opts.FinalizeOnSuccess {
		isDir := b.IsDir
		final, err := g.machine.Finalize(ctx, bundleUUID, lifecycle.Outcome{
			Success:  opts.StateOnSuccess == model.StateReady,
			ErrorMsg: "marked failed by uploader",
			DataHash: res.DataHash,
			IsDir:    &isDir,
			DataSize: &res.Size,
		})
		if err != nil {
			if opts.LocationID == 0 {
				if derr := g.DeleteLocation(ctx, bundleUUID, res.Location.ID); derr != nil {
					g.logger.Warn("remove location of unfinalized upload", "location_id", res.Location.ID, "error", derr)
				}
			}
			return nil, err
		}
		res.Bundle = final
	}
	g.logger.Info("bundle contents written",
		"bundle_uuid", bundleUUID,
		"location_id", res.Location.ID,
		"size", res.Size,
	)
	return res, nil
}

func (g *Gateway) write(ctx context.Context, b *model.Bundle, body io.Reader, opts WriteOptions) (*WriteResult, error) {
	work, err := os.MkdirTemp(g.cfg.StagingDir, "upload-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(work)

	staged, err := g.stage(ctx, work, body, opts)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(staged)
	if err != nil {
		return nil, fmt.Errorf("stat staged contents: %w", err)
	}
	hash, size, err := archive.Digest(staged)
	if err != nil {
		return nil, fmt.Errorf("digest staged contents: %w", err)
	}

	loc, err := g.writeTarget(ctx, b, opts, fi.IsDir())
	if err != nil {
		return nil, err
	}
	_, be, err := g.backends.Resolve(loc.StoreUUID)
	if err != nil {
		return nil, err
	}
	if err := be.Put(ctx, loc.Address, staged); err != nil {
		if opts.LocationID == 0 {
			if derr := g.store.DeleteLocation(ctx, loc.ID); derr != nil {
				g.logger.Warn("remove location of failed upload", "location_id", loc.ID, "error", derr)
			}
		}
		return nil, err
	}
	bytesWritten.WithLabelValues(loc.StorageType).Add(float64(size))

	b.IsDir = fi.IsDir()
	return &WriteResult{Location: loc, DataHash: hash, Size: size}, nil
}

// writeTarget returns the location an upload lands in, allocating one on
// the selected store unless an existing location was named.
func (g *Gateway) writeTarget(ctx context.Context, b *model.Bundle, opts WriteOptions, isDir bool) (*model.BundleLocation, error) {
	if opts.LocationID != 0 {
		return g.GetLocation(ctx, b.UUID, opts.LocationID)
	}
	bs, be, err := g.backends.Resolve(opts.Store)
	if err != nil {
		return nil, err
	}
	return g.addLocation(ctx, b.UUID, bs, be, isDir)
}

// stage materializes the upload under work and returns the path of the
// resulting file or directory.
func (g *Gateway) stage(ctx context.Context, work string, body io.Reader, opts WriteOptions) (string, error) {
	if len(opts.URLs) == 0 {
		if body == nil {
			return "", model.Validationf("upload has no body and no urls")
		}
		name := opts.Filename
		if name == "" {
			name = "contents"
		}
		dest := filepath.Join(work, "contents")
		if err := ingest(body, name, dest, opts.Unpack); err != nil {
			return "", err
		}
		return dest, nil
	}

	sources := make([]string, 0, len(opts.URLs))
	seen := make(map[string]bool, len(opts.URLs))
	for _, u := range opts.URLs {
		name := sourceName(u, opts.Git, opts.Unpack)
		if seen[name] {
			return "", model.Validationf("urls produce duplicate entry %q", name)
		}
		seen[name] = true
		dest := filepath.Join(work, "sources", name)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", err
		}
		if opts.Git {
			if err := g.fetcher.Clone(ctx, u, dest); err != nil {
				return "", err
			}
		} else {
			rc, err := g.fetcher.Download(ctx, u)
			if err != nil {
				return "", err
			}
			err = ingest(rc, path.Base(urlPath(u)), dest, opts.Unpack)
			rc.Close()
			if err != nil {
				return "", err
			}
		}
		sources = append(sources, dest)
	}
	if len(sources) == 1 {
		return sources[0], nil
	}
	return filepath.Join(work, "sources"), nil
}

// sourceName is the entry name a URL contributes to a multi-source upload.
func sourceName(u string, git, unpack bool) string {
	name := path.Base(urlPath(u))
	if git {
		name = strings.TrimSuffix(name, ".git")
	} else if unpack {
		name = archive.StripExt(name)
	}
	if name == "" || name == "." || name == "/" {
		name = "contents"
	}
	return name
}

func urlPath(u string) string {
	u, _, _ = strings.Cut(u, "?")
	u, _, _ = strings.Cut(u, "#")
	if _, rest, ok := strings.Cut(u, "://"); ok {
		if i := strings.Index(rest, "/"); i >= 0 {
			return rest[i:]
		}
		return "/"
	}
	return u
}

// ingest writes r to dest, unpacking it when asked and name has a known
// archive extension. A failing reader is reported as a transport error and
// a malformed archive as a validation error.
func ingest(r io.Reader, name, dest string, unpack bool) error {
	src := &errReader{r: r}
	format := archive.Detect(name)
	if unpack && format != archive.FormatNone {
		if err := archive.Unpack(src, format, dest); err != nil {
			if src.err != nil {
				return model.Transport("read upload", src.err)
			}
			return model.Validationf("unpack %s: %v", name, err)
		}
		return nil
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		if src.err != nil {
			return model.Transport("read upload", src.err)
		}
		return err
	}
	return f.Close()
}

// errReader records the first non-EOF error of the wrapped reader.
type errReader struct {
	r   io.Reader
	err error
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && e.err == nil {
		e.err = err
	}
	return n, err
}
