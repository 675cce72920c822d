package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/seantiz/cinder/internal/archive"
	"github.com/seantiz/cinder/internal/backend"
	"github.com/seantiz/cinder/internal/depgraph"
	"github.com/seantiz/cinder/internal/lifecycle"
	"github.com/seantiz/cinder/internal/model"
	"github.com/seantiz/cinder/internal/store"
)

type harness struct {
	store   *store.SQLiteStore
	machine *lifecycle.Machine
	gw      *Gateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := lifecycle.New(s, depgraph.New(), nil, logger)
	fetcher := NewFetcher(nil, logger).WithRetry(3, 0)
	gw, err := New(s, m, backend.NewRegistry(), fetcher, logger, Config{StagingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = gw.RegisterStore(context.Background(), &model.BundleStore{
		Name:        "local",
		StorageType: model.StorageTypeDisk,
		URL:         filepath.Join(t.TempDir(), "bundles"),
	})
	if err != nil {
		t.Fatalf("RegisterStore: %v", err)
	}
	return &harness{store: s, machine: m, gw: gw}
}

func (h *harness) dataset(t *testing.T) *model.Bundle {
	t.Helper()
	b, err := h.machine.Create(context.Background(), &model.Bundle{BundleType: model.BundleTypeDataset})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return b
}

func readAll(t *testing.T, c *Content) string {
	t.Helper()
	defer c.Body.Close()
	data, err := io.ReadAll(c.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func TestWriteFileThenRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.dataset(t)

	res, err := h.gw.Write(ctx, b.UUID, strings.NewReader("hello\nworld\n"), WriteOptions{
		Filename:          "greeting.txt",
		FinalizeOnSuccess: true,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Bundle.State != model.StateReady || res.Bundle.IsDir {
		t.Errorf("bundle = %s dir=%v", res.Bundle.State, res.Bundle.IsDir)
	}
	if !strings.HasPrefix(res.DataHash, "0x") || res.Bundle.DataHash != res.DataHash {
		t.Errorf("data hash = %q / %q", res.DataHash, res.Bundle.DataHash)
	}
	if res.Size != 12 {
		t.Errorf("size = %d", res.Size)
	}

	c, err := h.gw.Read(ctx, b.UUID, ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := readAll(t, c); got != "hello\nworld\n" {
		t.Errorf("contents = %q", got)
	}

	c, err = h.gw.Read(ctx, b.UUID, ReadOptions{Range: &ByteRange{Start: 1, End: 4}})
	if err != nil {
		t.Fatalf("ranged Read: %v", err)
	}
	if got := readAll(t, c); got != "ell" {
		t.Errorf("range = %q", got)
	}
	if c.Total != 12 || c.Size != 3 || c.Range.End != 4 {
		t.Errorf("range meta = %+v total %d size %d", c.Range, c.Total, c.Size)
	}

	c, err = h.gw.Read(ctx, b.UUID, ReadOptions{Range: &ByteRange{Start: 6, End: -1}})
	if err != nil {
		t.Fatalf("open-ended Read: %v", err)
	}
	if got := readAll(t, c); got != "world\n" {
		t.Errorf("tail range = %q", got)
	}

	if _, err := h.gw.Read(ctx, b.UUID, ReadOptions{Range: &ByteRange{Start: 20, End: 30}}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("out of range err = %v", err)
	}
}

func TestWriteUnpacksArchive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.dataset(t)

	src := t.TempDir()
	os.MkdirAll(filepath.Join(src, "sub"), 0o755)
	os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644)
	os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("bravo"), 0o644)
	var packed bytes.Buffer
	if err := archive.PackDir(&packed, src); err != nil {
		t.Fatal(err)
	}
	srcHash, _, _ := archive.Digest(src)

	res, err := h.gw.Write(ctx, b.UUID, &packed, WriteOptions{
		Filename:          "data.tar.gz",
		Unpack:            true,
		FinalizeOnSuccess: true,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !res.Bundle.IsDir || res.DataHash != srcHash {
		t.Errorf("dir=%v hash=%s want %s", res.Bundle.IsDir, res.DataHash, srcHash)
	}

	info, err := h.gw.Stat(ctx, b.UUID, Selector{}, "", 1)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Type != model.FileTypeDirectory || info.Size != 10 || len(info.Contents) != 2 {
		t.Errorf("stat = %+v", info)
	}

	c, err := h.gw.Read(ctx, b.UUID, ReadOptions{Path: "sub/b.txt"})
	if err != nil {
		t.Fatalf("Read file: %v", err)
	}
	if got := readAll(t, c); got != "bravo" {
		t.Errorf("sub/b.txt = %q", got)
	}

	c, err = h.gw.Read(ctx, b.UUID, ReadOptions{Path: "sub"})
	if err != nil {
		t.Fatalf("Read dir: %v", err)
	}
	if c.ContentType != "application/gzip" || c.Filename != "sub.tar.gz" {
		t.Errorf("dir content = %s %s", c.ContentType, c.Filename)
	}
	var want bytes.Buffer
	archive.PackDir(&want, filepath.Join(src, "sub"))
	if got := readAll(t, c); got != want.String() {
		t.Error("directory archive is not deterministic")
	}
}

func TestSecondWriterConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.dataset(t)

	_, release, err := h.machine.AcquireWrite(ctx, b.UUID)
	if err != nil {
		t.Fatalf("AcquireWrite: %v", err)
	}
	defer release()

	_, err = h.gw.Write(ctx, b.UUID, strings.NewReader("x"), WriteOptions{})
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
}

func TestWriteFailureFinalizesAsFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.dataset(t)

	_, err := h.gw.Write(ctx, b.UUID, strings.NewReader("not an archive"), WriteOptions{
		Filename:          "broken.tar.gz",
		Unpack:            true,
		FinalizeOnSuccess: true,
		FinalizeOnFailure: true,
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	got, _ := h.machine.Get(ctx, b.UUID)
	if got.State != model.StateFailed {
		t.Errorf("state = %s", got.State)
	}
	locs, _ := h.store.ListLocations(ctx, b.UUID)
	if len(locs) != 0 {
		t.Errorf("failed upload left %d locations", len(locs))
	}
}

func TestAdjacentRangesConcatenate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.dataset(t)
	const data = "0123456789"
	if _, err := h.gw.Write(ctx, b.UUID, strings.NewReader(data), WriteOptions{Filename: "digits.txt", FinalizeOnSuccess: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	read := func(start, end int64) string {
		t.Helper()
		c, err := h.gw.Read(ctx, b.UUID, ReadOptions{Range: &ByteRange{Start: start, End: end}})
		if err != nil {
			t.Fatalf("Read [%d,%d): %v", start, end, err)
		}
		return readAll(t, c)
	}

	n := int64(len(data))
	for lo := int64(0); lo <= n; lo++ {
		for mid := lo; mid <= n; mid++ {
			for hi := mid; hi <= n; hi++ {
				whole := read(lo, hi)
				if whole != data[lo:hi] {
					t.Fatalf("[%d,%d) = %q, want %q", lo, hi, whole, data[lo:hi])
				}
				if got := read(lo, mid) + read(mid, hi); got != whole {
					t.Fatalf("[%d,%d)+[%d,%d) = %q, want %q", lo, mid, mid, hi, got, whole)
				}
				if hi == n {
					if got := read(lo, mid) + read(mid, -1); got != whole {
						t.Fatalf("[%d,%d)+[%d,EOF) = %q, want %q", lo, mid, mid, got, whole)
					}
				}
			}
		}
	}
}

func (h *harness) runBundle(t *testing.T, deps ...model.Dependency) *model.Bundle {
	t.Helper()
	b, err := h.machine.Create(context.Background(), &model.Bundle{BundleType: model.BundleTypeRun, Command: "true", Dependencies: deps})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return b
}

func TestFinalizingWriteToUnstartedRunConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// A run waiting on an unfinished dataset stays created.
	created := h.runBundle(t, model.Dependency{ParentUUID: h.dataset(t).UUID, ChildPath: "in"})
	staged := h.runBundle(t)
	if got, _ := h.machine.Get(ctx, created.UUID); got.State != model.StateCreated {
		t.Fatalf("dependent run = %s, want created", got.State)
	}
	if got, _ := h.machine.Get(ctx, staged.UUID); got.State != model.StateStaged {
		t.Fatalf("independent run = %s, want staged", got.State)
	}

	for _, b := range []*model.Bundle{created, staged} {
		before, _ := h.machine.Get(ctx, b.UUID)
		_, err := h.gw.Write(ctx, b.UUID, strings.NewReader("out"), WriteOptions{Filename: "out.txt", FinalizeOnSuccess: true})
		if !errors.Is(err, model.ErrConflict) {
			t.Errorf("%s bundle: err = %v, want conflict", before.State, err)
		}
		if locs, _ := h.store.ListLocations(ctx, b.UUID); len(locs) != 0 {
			t.Errorf("%s bundle: rejected upload left %d locations", before.State, len(locs))
		}
		if after, _ := h.machine.Get(ctx, b.UUID); after.State != before.State {
			t.Errorf("state moved %s -> %s", before.State, after.State)
		}
	}
}

// hookReader runs hook before its first read.
type hookReader struct {
	io.Reader
	hook func()
}

func (r *hookReader) Read(p []byte) (int, error) {
	if r.hook != nil {
		r.hook()
		r.hook = nil
	}
	return r.Reader.Read(p)
}

func TestUploadRemovedWhenFinalizeLosesRace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.runBundle(t)
	a, err := h.machine.Assign(ctx, b.UUID, "w1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if ok, err := h.machine.Start(ctx, b.UUID, "w1", a.AssignToken); !ok || err != nil {
		t.Fatalf("Start = %v, %v", ok, err)
	}

	body := &hookReader{Reader: strings.NewReader("results"), hook: func() {
		if _, err := h.machine.Kill(ctx, b.UUID, "killed mid-upload"); err != nil {
			t.Errorf("Kill: %v", err)
		}
	}}
	_, err = h.gw.Write(ctx, b.UUID, body, WriteOptions{Filename: "out.txt", FinalizeOnSuccess: true})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if locs, _ := h.store.ListLocations(ctx, b.UUID); len(locs) != 0 {
		t.Errorf("upload left %d locations after finalize failed", len(locs))
	}
	if got, _ := h.machine.Get(ctx, b.UUID); got.State != model.StateFailed || got.ErrorMsg != "killed mid-upload" {
		t.Errorf("bundle = %s (%s)", got.State, got.ErrorMsg)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestInterruptedUploadIsTransportError(t *testing.T) {
	h := newHarness(t)
	b := h.dataset(t)

	_, err := h.gw.Write(context.Background(), b.UUID, failingReader{}, WriteOptions{})
	if !errors.Is(err, model.ErrTransport) {
		t.Errorf("err = %v, want transport", err)
	}
	got, _ := h.machine.Get(context.Background(), b.UUID)
	if got.State != model.StateUploading {
		t.Errorf("state = %s, want uploading without finalize_on_failure", got.State)
	}
}

func TestWriteFromURLs(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The first request fails to exercise the retry.
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "from "+r.URL.Path)
	}))
	defer srv.Close()

	h := newHarness(t)
	ctx := context.Background()
	b := h.dataset(t)

	res, err := h.gw.Write(ctx, b.UUID, nil, WriteOptions{
		URLs:              []string{srv.URL + "/one.txt", srv.URL + "/two.txt?x=1"},
		FinalizeOnSuccess: true,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !res.Bundle.IsDir {
		t.Error("multiple urls should produce a directory")
	}
	c, err := h.gw.Read(ctx, b.UUID, ReadOptions{Path: "two.txt"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := readAll(t, c); got != "from /two.txt" {
		t.Errorf("two.txt = %q", got)
	}

	b2 := h.dataset(t)
	_, err = h.gw.Write(ctx, b2.UUID, nil, WriteOptions{URLs: []string{srv.URL + "/a/x", srv.URL + "/b/x"}})
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("duplicate names err = %v", err)
	}
}

func TestDownloadDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(nil, slog.New(slog.NewTextHandler(io.Discard, nil))).WithRetry(3, 0)
	if _, err := f.Download(context.Background(), srv.URL+"/missing"); !errors.Is(err, model.ErrTransport) {
		t.Errorf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if _, err := f.Download(context.Background(), "ftp://example.com/x"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("ftp err = %v", err)
	}
}

func TestReadGzipAndPreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.dataset(t)
	body := "1\n2\n3\n4\n5\n6\n"
	if _, err := h.gw.Write(ctx, b.UUID, strings.NewReader(body), WriteOptions{FinalizeOnSuccess: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	c, err := h.gw.Read(ctx, b.UUID, ReadOptions{Gzip: true})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if c.Encoding != "gzip" || c.Size != int64(len(body)) {
		t.Errorf("encoding %q size %d", c.Encoding, c.Size)
	}
	zr, err := gzip.NewReader(c.Body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	plain, _ := io.ReadAll(zr)
	c.Body.Close()
	if string(plain) != body {
		t.Errorf("decompressed = %q", plain)
	}

	c, err = h.gw.Read(ctx, b.UUID, ReadOptions{Head: 1, Tail: 2})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if got := readAll(t, c); got != "1\n5\n6\n" {
		t.Errorf("preview = %q", got)
	}

	_, err = h.gw.Read(ctx, b.UUID, ReadOptions{Head: 1, Range: &ByteRange{End: 1}})
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("range+preview err = %v", err)
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		head, tail int
		maxLen     int
		want       string
	}{
		{"head", "a\nb\nc\n", 2, 0, 0, "a\nb\n"},
		{"tail", "a\nb\nc\n", 0, 2, 0, "b\nc\n"},
		{"head and tail overlap", "a\nb\nc\n", 2, 2, 0, "a\nb\nc\n"},
		{"unterminated last line", "a\nb", 0, 1, 0, "b"},
		{"short file", "a\n", 5, 0, 0, "a\n"},
		{"truncate", "abcdefgh\nxy\n", 2, 0, 4, "abcd...\nxy\n"},
		{"exact length kept", "abcd\n", 1, 0, 4, "abcd\n"},
		{"empty", "", 3, 3, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Preview(strings.NewReader(tt.in), tt.head, tt.tail, tt.maxLen)
			if err != nil {
				t.Fatalf("preview: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("preview = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLocations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.dataset(t)

	if _, err := h.gw.Read(ctx, b.UUID, ReadOptions{}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("read without location err = %v", err)
	}

	loc, cred, err := h.gw.CreateLocation(ctx, b.UUID, "local", true, false)
	if err != nil {
		t.Fatalf("CreateLocation: %v", err)
	}
	if cred != nil {
		t.Error("disk store should not hand out bypass credentials")
	}
	if loc.StorageType != model.StorageTypeDisk || loc.StorageFormat != model.StorageFormatUncompressed {
		t.Errorf("location = %+v", loc)
	}

	// Writing into the pre-allocated location reuses it.
	res, err := h.gw.Write(ctx, b.UUID, strings.NewReader("x"), WriteOptions{LocationID: loc.ID})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Location.ID != loc.ID {
		t.Errorf("wrote to location %d, want %d", res.Location.ID, loc.ID)
	}
	locs, _ := h.gw.ListLocations(ctx, b.UUID)
	if len(locs) != 1 {
		t.Errorf("locations = %d", len(locs))
	}

	other := h.dataset(t)
	if _, err := h.gw.GetLocation(ctx, other.UUID, loc.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign location err = %v", err)
	}
	if err := h.gw.DeleteLocation(ctx, b.UUID, loc.ID); err != nil {
		t.Fatalf("DeleteLocation: %v", err)
	}
	if _, err := h.gw.GetLocation(ctx, b.UUID, loc.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("deleted location err = %v", err)
	}
	if _, err := h.gw.DownloadURL(ctx, b.UUID, loc.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("download url err = %v", err)
	}
}

func TestRegisterStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.gw.RegisterStore(ctx, &model.BundleStore{Name: "local", StorageType: model.StorageTypeDisk, URL: t.TempDir()})
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("duplicate err = %v", err)
	}
	_, err = h.gw.RegisterStore(ctx, &model.BundleStore{
		Name: "odd", StorageType: model.StorageTypeDisk, StorageFormat: model.StorageFormatCompressedV1, URL: t.TempDir(),
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("format mismatch err = %v", err)
	}

	second, err := h.gw.EnsureStore(ctx, &model.BundleStore{Name: "scratch", StorageType: model.StorageTypeDisk, URL: t.TempDir()})
	if err != nil {
		t.Fatalf("EnsureStore: %v", err)
	}
	again, err := h.gw.EnsureStore(ctx, &model.BundleStore{Name: "scratch", StorageType: model.StorageTypeDisk, URL: "/elsewhere"})
	if err != nil {
		t.Fatalf("EnsureStore again: %v", err)
	}
	if again.UUID != second.UUID || again.URL != second.URL {
		t.Errorf("EnsureStore replaced the persisted store: %+v", again)
	}

	// A fresh registry picks persisted stores up again.
	reg := backend.NewRegistry()
	gw, _ := New(h.store, h.machine, reg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{StagingDir: t.TempDir()})
	if err := gw.LoadStores(ctx); err != nil {
		t.Fatalf("LoadStores: %v", err)
	}
	if len(reg.List()) != 2 {
		t.Errorf("loaded %d stores", len(reg.List()))
	}
}
