package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seantiz/cinder/internal/archive"
	"github.com/seantiz/cinder/internal/model"
)

// Object names inside a bundle's prefix.
const (
	blobFileObject = "contents.gz"
	blobDirObject  = "contents.tar.gz"

	sizeMetaKey = "Cinder-Size"
)

// Blob stores bundle contents in an S3-compatible bucket using the
// compressed_v1 layout: contents.gz for files, contents.tar.gz for
// directories. It can sign bypass URLs.
type Blob struct {
	name   string
	bucket string
	prefix string
	client *minio.Client
}

var _ Backend = (*Blob)(nil)

// NewBlob creates a blob backend from a bundle store whose URL has the form
// s3://bucket/prefix. Credentials are read from the environment variables
// the store names.
func NewBlob(bs *model.BundleStore) (*Blob, error) {
	u, err := url.Parse(bs.URL)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return nil, model.Validationf("blob store %q needs a url of the form s3://bucket/prefix", bs.Name)
	}
	if bs.Endpoint == "" {
		return nil, model.Validationf("blob store %q needs an endpoint", bs.Name)
	}
	client, err := minio.New(bs.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv(bs.AccessKeyEnv), os.Getenv(bs.SecretKeyEnv), ""),
		Secure: bs.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return NewBlobWithClient(bs.Name, client, u.Host, strings.Trim(u.Path, "/")), nil
}

// NewBlobWithClient creates a blob backend over an existing client.
func NewBlobWithClient(name string, client *minio.Client, bucket, prefix string) *Blob {
	return &Blob{name: name, client: client, bucket: bucket, prefix: prefix}
}

func (b *Blob) Capabilities() Capabilities {
	return Capabilities{
		Name:          b.name,
		StorageType:   model.StorageTypeBlob,
		StorageFormat: model.StorageFormatCompressedV1,
		Bypass:        true,
	}
}

func (b *Blob) Allocate(_ context.Context, bundleUUID string, isDir bool) (string, error) {
	if bundleUUID == "" || strings.Contains(bundleUUID, "/") {
		return "", model.Validationf("invalid bundle uuid %q", bundleUUID)
	}
	object := blobFileObject
	if isDir {
		object = blobDirObject
	}
	return "s3://" + b.bucket + "/" + path.Join(b.prefix, bundleUUID, object), nil
}

// key extracts the object key from an address and reports whether it holds a directory.
func (b *Blob) key(address string) (string, bool, error) {
	rest, ok := strings.CutPrefix(address, "s3://"+b.bucket+"/")
	if !ok || rest == "" {
		return "", false, model.Validationf("address %q does not belong to blob store %s", address, b.name)
	}
	switch path.Base(rest) {
	case blobDirObject:
		return rest, true, nil
	case blobFileObject:
		return rest, false, nil
	default:
		return "", false, model.Validationf("address %q is not a compressed_v1 object", address)
	}
}

// bundleName is the bundle UUID segment of a key.
func bundleName(key string) string {
	return path.Base(path.Dir(key))
}

func (b *Blob) Put(ctx context.Context, address, src string) error {
	key, isDir, err := b.key(address)
	if err != nil {
		return err
	}
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if fi.IsDir() != isDir {
		return model.Validationf("address %q does not match the staged contents", address)
	}
	size, err := archive.TreeSize(src)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		if isDir {
			pw.CloseWithError(archive.PackDir(pw, src))
			return
		}
		pw.CloseWithError(archive.PackFile(pw, src))
	}()
	_, err = b.client.PutObject(ctx, b.bucket, key, pr, -1, minio.PutObjectOptions{
		ContentType:  "application/gzip",
		UserMetadata: map[string]string{sizeMetaKey: strconv.FormatInt(size, 10)},
	})
	pr.CloseWithError(err)
	if err != nil {
		return model.Transport("upload "+key, err)
	}
	return os.RemoveAll(src)
}

func (b *Blob) get(ctx context.Context, key string) (*minio.Object, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.wrap("get "+key, err)
	}
	return obj, nil
}

func (b *Blob) wrap(op string, err error) error {
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrValidation) {
		return err
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
		return model.NotFoundf("%s: object does not exist", op)
	}
	return model.Transport(op, err)
}

func (b *Blob) fileSize(ctx context.Context, key string) (int64, error) {
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, b.wrap("stat "+key, err)
	}
	for k, v := range info.UserMetadata {
		if strings.EqualFold(k, sizeMetaKey) || strings.EqualFold(k, "X-Amz-Meta-"+sizeMetaKey) {
			n, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				return n, nil
			}
		}
	}
	return -1, nil
}

func (b *Blob) Stat(ctx context.Context, address, subpath string, depth int) (*model.FileInfo, error) {
	key, isDir, err := b.key(address)
	if err != nil {
		return nil, err
	}
	if !isDir {
		if strings.Trim(subpath, "/.") != "" {
			return nil, model.NotFoundf("path %q not found", subpath)
		}
		size, err := b.fileSize(ctx, key)
		if err != nil {
			return nil, err
		}
		return &model.FileInfo{Name: bundleName(key), Type: model.FileTypeFile, Size: size, Perm: 0o644}, nil
	}
	obj, err := b.get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	info, err := archive.TreeFromTarGz(obj, bundleName(key), subpath, depth)
	if err != nil {
		return nil, b.wrap("read "+key, err)
	}
	return info, nil
}

func (b *Blob) Open(ctx context.Context, address, subpath string) (io.ReadCloser, *model.FileInfo, error) {
	key, isDir, err := b.key(address)
	if err != nil {
		return nil, nil, err
	}
	if isDir {
		obj, err := b.get(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		rc, info, err := archive.OpenInTarGz(obj, subpath)
		if err != nil {
			return nil, nil, b.wrap("read "+key, err)
		}
		return rc, info, nil
	}

	if strings.Trim(subpath, "/.") != "" {
		return nil, nil, model.NotFoundf("path %q not found", subpath)
	}
	size, err := b.fileSize(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	obj, err := b.get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	zr, err := gzip.NewReader(obj)
	if err != nil {
		obj.Close()
		return nil, nil, b.wrap("read "+key, err)
	}
	info := &model.FileInfo{Name: bundleName(key), Type: model.FileTypeFile, Size: size, Perm: 0o644}
	return &gzipObject{Reader: zr, obj: obj}, info, nil
}

type gzipObject struct {
	*gzip.Reader
	obj io.Closer
}

func (g *gzipObject) Close() error {
	g.Reader.Close()
	return g.obj.Close()
}

func (b *Blob) Archive(ctx context.Context, address, subpath string, w io.Writer) error {
	key, isDir, err := b.key(address)
	if err != nil {
		return err
	}
	if !isDir {
		return model.Validationf("%q is not a directory", subpath)
	}
	obj, err := b.get(ctx, key)
	if err != nil {
		return err
	}
	defer obj.Close()
	if strings.Trim(subpath, "/.") == "" {
		// Stored archives are already deterministic.
		if _, err := io.Copy(w, obj); err != nil {
			return b.wrap("read "+key, err)
		}
		return nil
	}
	return archive.RepackTarGz(obj, subpath, w)
}

func (b *Blob) Delete(ctx context.Context, address string) error {
	key, _, err := b.key(address)
	if err != nil {
		return err
	}
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return b.wrap("delete "+key, err)
	}
	return nil
}

func (b *Blob) BypassURL(ctx context.Context, address, method string, expiry time.Duration) (*model.BypassCredential, error) {
	key, _, err := b.key(address)
	if err != nil {
		return nil, err
	}
	var u *url.URL
	switch method {
	case MethodUpload:
		u, err = b.client.PresignedPutObject(ctx, b.bucket, key, expiry)
	case MethodDownload:
		u, err = b.client.PresignedGetObject(ctx, b.bucket, key, expiry, nil)
	default:
		return nil, model.Validationf("unsupported bypass method %q", method)
	}
	if err != nil {
		return nil, model.Transport("presign "+key, err)
	}
	return &model.BypassCredential{
		URL:       u.String(),
		Method:    method,
		ExpiresAt: time.Now().UTC().Add(expiry),
	}, nil
}
