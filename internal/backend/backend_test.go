package backend_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seantiz/cinder/internal/archive"
	"github.com/seantiz/cinder/internal/backend"
	"github.com/seantiz/cinder/internal/model"
)

func newDisk(t *testing.T) *backend.Disk {
	t.Helper()
	d, err := backend.NewDisk("local", filepath.Join(t.TempDir(), "bundles"))
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	return d
}

func stageDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "staged")
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644)
	os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("bravo!"), 0o600)
	return dir
}

func TestDiskPutStatOpen(t *testing.T) {
	d := newDisk(t)
	ctx := context.Background()

	addr, err := d.Allocate(ctx, "0123", true)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := d.Put(ctx, addr, stageDir(t)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	info, err := d.Stat(ctx, addr, "", 1)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Type != model.FileTypeDirectory || info.Size != 11 || len(info.Contents) != 2 {
		t.Errorf("root = %+v", info)
	}

	rc, fi, err := d.Open(ctx, addr, "sub/b.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "bravo!" || fi.Perm != 0o600 {
		t.Errorf("file = %q perm %o", data, fi.Perm)
	}

	if _, _, err := d.Open(ctx, addr, "sub"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("open dir err = %v", err)
	}
	if _, err := d.Stat(ctx, addr, "nope", 0); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("stat missing err = %v", err)
	}
}

func TestDiskRejectsEscapes(t *testing.T) {
	d := newDisk(t)
	ctx := context.Background()

	if _, err := d.Allocate(ctx, "../x", false); !errors.Is(err, model.ErrValidation) {
		t.Errorf("Allocate err = %v", err)
	}
	if err := d.Delete(ctx, "/etc"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("Delete err = %v", err)
	}

	addr, _ := d.Allocate(ctx, "b1", true)
	d.Put(ctx, addr, stageDir(t))
	// Subpaths are clamped to the bundle.
	info, err := d.Stat(ctx, addr, "../../..", 0)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Name != "b1" {
		t.Errorf("escaped to %q", info.Name)
	}
}

func TestDiskArchiveMatchesPackDir(t *testing.T) {
	d := newDisk(t)
	ctx := context.Background()
	addr, _ := d.Allocate(ctx, "b1", true)
	d.Put(ctx, addr, stageDir(t))

	var got, want bytes.Buffer
	if err := d.Archive(ctx, addr, "sub", &got); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	archive.PackDir(&want, filepath.Join(d.Root(), "b1", "sub"))
	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Error("archive differs from PackDir output")
	}

	if err := d.Archive(ctx, addr, "a.txt", io.Discard); !errors.Is(err, model.ErrValidation) {
		t.Errorf("archive file err = %v", err)
	}
}

func TestDiskReplaceAndDelete(t *testing.T) {
	d := newDisk(t)
	ctx := context.Background()
	addr, _ := d.Allocate(ctx, "b1", false)

	for _, body := range []string{"first", "second"} {
		src := filepath.Join(t.TempDir(), "f")
		os.WriteFile(src, []byte(body), 0o644)
		if err := d.Put(ctx, addr, src); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	rc, _, err := d.Open(ctx, addr, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "second" {
		t.Errorf("contents = %q", data)
	}

	if err := d.Delete(ctx, addr); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := d.Stat(ctx, addr, "", 0); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("stat after delete err = %v", err)
	}
}

func TestDiskHasNoBypass(t *testing.T) {
	d := newDisk(t)
	if d.Capabilities().Bypass {
		t.Error("disk should not advertise bypass")
	}
	_, err := d.BypassURL(context.Background(), "x", backend.MethodUpload, time.Minute)
	if !errors.Is(err, backend.ErrBypassUnsupported) {
		t.Errorf("err = %v", err)
	}
}

func newBlob(t *testing.T) *backend.Blob {
	t.Helper()
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("access", "secret", ""),
		Region: "us-east-1",
	})
	if err != nil {
		t.Fatalf("minio.New: %v", err)
	}
	return backend.NewBlobWithClient("blob", client, "bucket", "cinder")
}

func TestBlobAllocateLayout(t *testing.T) {
	b := newBlob(t)
	ctx := context.Background()

	dir, _ := b.Allocate(ctx, "u1", true)
	file, _ := b.Allocate(ctx, "u1", false)
	if dir != "s3://bucket/cinder/u1/contents.tar.gz" {
		t.Errorf("dir address = %s", dir)
	}
	if file != "s3://bucket/cinder/u1/contents.gz" {
		t.Errorf("file address = %s", file)
	}
	caps := b.Capabilities()
	if !caps.Bypass || caps.StorageFormat != model.StorageFormatCompressedV1 {
		t.Errorf("capabilities = %+v", caps)
	}
}

func TestBlobPresignsLocally(t *testing.T) {
	b := newBlob(t)
	ctx := context.Background()
	addr, _ := b.Allocate(ctx, "u1", true)

	cred, err := b.BypassURL(ctx, addr, backend.MethodUpload, time.Hour)
	if err != nil {
		t.Fatalf("BypassURL: %v", err)
	}
	if cred.Method != "PUT" || !strings.Contains(cred.URL, "/bucket/cinder/u1/contents.tar.gz") {
		t.Errorf("credential = %+v", cred)
	}
	if !strings.Contains(cred.URL, "X-Amz-Signature=") {
		t.Error("url is not signed")
	}

	if _, err := b.BypassURL(ctx, "s3://other/x/contents.gz", backend.MethodDownload, time.Hour); !errors.Is(err, model.ErrValidation) {
		t.Errorf("foreign address err = %v", err)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := backend.NewRegistry()
	first := &model.BundleStore{UUID: "s1", Name: "local", StorageType: model.StorageTypeDisk}
	second := &model.BundleStore{UUID: "s2", Name: "blob", StorageType: model.StorageTypeBlob}
	reg.Register(first, newDisk(t))
	reg.Register(second, newBlob(t))

	tests := []struct {
		selector string
		want     string
	}{
		{"", "s1"},
		{"s2", "s2"},
		{"local", "s1"},
		{"blob", "s2"},
	}
	for _, tt := range tests {
		bs, _, err := reg.Resolve(tt.selector)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.selector, err)
		}
		if bs.UUID != tt.want {
			t.Errorf("Resolve(%q) = %s, want %s", tt.selector, bs.UUID, tt.want)
		}
	}

	if _, _, err := reg.Resolve("missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
	if err := reg.SetDefault("s2"); err != nil {
		t.Fatal(err)
	}
	if bs, _, _ := reg.Resolve(""); bs.UUID != "s2" {
		t.Errorf("default = %s", bs.UUID)
	}

	list := reg.List()
	if len(list) != 2 || list[0].Store.Name != "blob" || list[1].Store.Name != "local" {
		t.Errorf("List = %+v", list)
	}
}

func TestNewSelectsByStorageType(t *testing.T) {
	b, err := backend.New(&model.BundleStore{Name: "d", StorageType: model.StorageTypeDisk, URL: t.TempDir()})
	if err != nil {
		t.Fatalf("New disk: %v", err)
	}
	if b.Capabilities().StorageType != model.StorageTypeDisk {
		t.Errorf("type = %s", b.Capabilities().StorageType)
	}
	if _, err := backend.New(&model.BundleStore{Name: "x", StorageType: "tape"}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("unknown type err = %v", err)
	}
	if _, err := backend.New(&model.BundleStore{Name: "b", StorageType: model.StorageTypeBlob, URL: "http://nope"}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("bad blob url err = %v", err)
	}
}
