package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/seantiz/cinder/internal/model"
)

// makeTree creates a small tree with mixed permissions and a symlink.
func makeTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "src")
	files := map[string]struct {
		data string
		perm os.FileMode
	}{
		"a.txt":          {"hello\n", 0o644},
		"bin/run.sh":     {"#!/bin/sh\necho hi\n", 0o755},
		"data/nested/xs": {"0123456789", 0o600},
	}
	for name, f := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(f.data), f.perm); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(p, f.perm); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink("a.txt", filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}
	return root
}

var timeFar = time.Date(2031, 3, 1, 0, 0, 0, 0, time.UTC)

func packed(t *testing.T, root string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := PackDir(&buf, root); err != nil {
		t.Fatalf("PackDir: %v", err)
	}
	return buf.Bytes()
}

func TestPackUnpackRoundTrip(t *testing.T) {
	src := makeTree(t)
	dest := filepath.Join(t.TempDir(), "out")
	if err := Unpack(bytes.NewReader(packed(t, src)), FormatTarGz, dest); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	want, err := StatPath(src, 10)
	if err != nil {
		t.Fatal(err)
	}
	got, err := StatPath(dest, 10)
	if err != nil {
		t.Fatal(err)
	}
	got.Name = want.Name
	assertTree(t, "", want, got)

	srcHash, _, _ := Digest(src)
	destHash, _, _ := Digest(dest)
	if srcHash != destHash {
		t.Errorf("digest changed: %s vs %s", srcHash, destHash)
	}
}

func assertTree(t *testing.T, prefix string, want, got *model.FileInfo) {
	t.Helper()
	p := prefix + "/" + want.Name
	if want.Name != got.Name || want.Type != got.Type || want.Size != got.Size ||
		want.Perm != got.Perm || want.LinkTarget != got.LinkTarget {
		t.Errorf("%s: got %+v, want %+v", p, *got, *want)
		return
	}
	if len(want.Contents) != len(got.Contents) {
		t.Errorf("%s: %d children, want %d", p, len(got.Contents), len(want.Contents))
		return
	}
	for i := range want.Contents {
		assertTree(t, p, want.Contents[i], got.Contents[i])
	}
}

func TestPackDirIsDeterministic(t *testing.T) {
	src := makeTree(t)
	first := packed(t, src)

	future := filepath.Join(src, "a.txt")
	if err := os.Chtimes(future, timeFar, timeFar); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, packed(t, src)) {
		t.Error("packing the same tree twice produced different bytes")
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		format   Format
		stripped string
	}{
		{"data.tar.gz", FormatTarGz, "data"},
		{"data.TGZ", FormatTarGz, "data"},
		{"data.tar.bz2", FormatTarBz2, "data"},
		{"data.tar.zst", FormatTarZst, "data"},
		{"data.tar", FormatTar, "data"},
		{"data.zip", FormatZip, "data"},
		{"notes.txt.gz", FormatGz, "notes.txt"},
		{"plain.txt", FormatNone, "plain.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.name); got != tt.format {
				t.Errorf("Detect = %q, want %q", got, tt.format)
			}
			if got := StripExt(tt.name); got != tt.stripped {
				t.Errorf("StripExt = %q, want %q", got, tt.stripped)
			}
		})
	}
}

func TestUnpackRejectsEscapingEntries(t *testing.T) {
	tests := []struct {
		name string
		hdr  tar.Header
	}{
		{"dotdot", tar.Header{Name: "../evil", Typeflag: tar.TypeReg, Mode: 0o644}},
		{"absolute symlink", tar.Header{Name: "l", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}},
		{"escaping symlink", tar.Header{Name: "d/l", Typeflag: tar.TypeSymlink, Linkname: "../../x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			hdr := tt.hdr
			if err := tw.WriteHeader(&hdr); err != nil {
				t.Fatal(err)
			}
			tw.Close()

			dest := filepath.Join(t.TempDir(), "out")
			err := Unpack(&buf, FormatTar, dest)
			if tt.name == "dotdot" {
				// Leading ".." is clamped to the destination root.
				if err != nil {
					t.Fatalf("Unpack: %v", err)
				}
				if _, err := os.Stat(filepath.Join(dest, "evil")); err != nil {
					t.Errorf("entry not clamped under dest: %v", err)
				}
				return
			}
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestUnpackZip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	h := &zip.FileHeader{Name: "dir/run.sh", Method: zip.Deflate}
	h.SetMode(0o755)
	w, err := zw.CreateHeader(h)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "echo zip\n")
	zw.Close()

	dest := filepath.Join(t.TempDir(), "out")
	if err := Unpack(&buf, FormatZip, dest); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	info, err := os.Stat(filepath.Join(dest, "dir", "run.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("perm = %o", info.Mode().Perm())
	}
}

func TestUnpackTarZst(t *testing.T) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	tw.WriteHeader(&tar.Header{Name: "x.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 3})
	tw.Write([]byte("zst"))
	tw.Close()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	enc.Write(tarBuf.Bytes())
	enc.Close()

	dest := filepath.Join(t.TempDir(), "out")
	if err := Unpack(&buf, FormatTarZst, dest); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dest, "x.txt"))
	if string(data) != "zst" {
		t.Errorf("contents = %q", data)
	}
}

func TestUnpackGzFile(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("single file"))
	zw.Close()

	dest := filepath.Join(t.TempDir(), "notes.txt")
	if err := Unpack(&buf, FormatGz, dest); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "single file" {
		t.Errorf("contents = %q", data)
	}
}

func TestTreeFromTarGz(t *testing.T) {
	src := makeTree(t)
	data := packed(t, src)

	root, err := TreeFromTarGz(bytes.NewReader(data), "bundle", "", 1)
	if err != nil {
		t.Fatalf("TreeFromTarGz: %v", err)
	}
	want, _ := StatPath(src, 1)
	want.Name = "bundle"
	if root.Size != want.Size {
		t.Errorf("root size = %d, want %d", root.Size, want.Size)
	}
	if len(root.Contents) != len(want.Contents) {
		t.Fatalf("children = %d, want %d", len(root.Contents), len(want.Contents))
	}
	for _, c := range root.Contents {
		if len(c.Contents) != 0 {
			t.Errorf("%s descended past depth 1", c.Name)
		}
	}

	leaf, err := TreeFromTarGz(bytes.NewReader(data), "bundle", "bin/run.sh", 0)
	if err != nil {
		t.Fatalf("TreeFromTarGz leaf: %v", err)
	}
	if leaf.Type != model.FileTypeFile || leaf.Perm != 0o755 || leaf.Name != "run.sh" {
		t.Errorf("leaf = %+v", leaf)
	}

	if _, err := TreeFromTarGz(bytes.NewReader(data), "bundle", "missing", 0); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing path err = %v", err)
	}
}

func TestOpenInTarGz(t *testing.T) {
	data := packed(t, makeTree(t))
	rc, info, err := OpenInTarGz(io.NopCloser(bytes.NewReader(data)), "data/nested/xs")
	if err != nil {
		t.Fatalf("OpenInTarGz: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "0123456789" || info.Size != 10 {
		t.Errorf("contents = %q size = %d", got, info.Size)
	}

	if _, _, err := OpenInTarGz(io.NopCloser(bytes.NewReader(data)), "data"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("directory open err = %v", err)
	}
}

func TestRepackSubtree(t *testing.T) {
	src := makeTree(t)
	var out bytes.Buffer
	if err := RepackTarGz(bytes.NewReader(packed(t, src)), "data", &out); err != nil {
		t.Fatalf("RepackTarGz: %v", err)
	}
	var direct bytes.Buffer
	if err := PackDir(&direct, filepath.Join(src, "data")); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), direct.Bytes()) {
		t.Error("repacked subtree differs from packing the subtree directly")
	}
}

func TestDigestDetectsChanges(t *testing.T) {
	src := makeTree(t)
	before, size, err := Digest(src)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len("hello\n")+len("#!/bin/sh\necho hi\n")+10) {
		t.Errorf("size = %d", size)
	}
	os.Chmod(filepath.Join(src, "a.txt"), 0o600)
	after, _, _ := Digest(src)
	if before == after {
		t.Error("permission change not reflected in digest")
	}
}
