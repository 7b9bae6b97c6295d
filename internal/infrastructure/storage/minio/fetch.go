package minio

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/turtacn/ic50bert/internal/domain/affinity"
	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/pkg/errors"
)

var _ affinity.Opener = (*Client)(nil)

// Open downloads one object to a temporary file and returns it. Closing the
// reader removes the file.
func (c *Client) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	if loc.Key == "" || strings.HasSuffix(loc.Key, "/") {
		return nil, errors.InvalidParam("object store location names a prefix, not an object").WithDetail(location)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	info, err := c.api.StatObject(ctx, loc.Bucket, loc.Key, minio.StatObjectOptions{})
	if err != nil {
		if notFound(err) {
			return nil, errors.New(errors.CodeNotFound, "object not found").WithDetail(location).WithCause(err)
		}
		return nil, errors.Wrap(err, errors.ErrCodeExternalService, "stat "+location)
	}

	tmp, err := os.CreateTemp(c.cfg.CacheDir, "ic50-object-*"+path.Ext(loc.Key))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "create download file")
	}
	name := tmp.Name()
	tmp.Close()

	if err := c.api.FGetObject(ctx, loc.Bucket, loc.Key, name, minio.GetObjectOptions{}); err != nil {
		os.Remove(name)
		return nil, errors.Wrap(err, errors.ErrCodeExternalService, "download "+location)
	}
	f, err := os.Open(name)
	if err != nil {
		os.Remove(name)
		return nil, errors.Wrap(err, errors.CodeInternal, "open download")
	}
	c.logger.Debug("object downloaded", logging.String("location", location), logging.Int64("size", info.Size))
	return &tempFile{File: f}, nil
}

type tempFile struct{ *os.File }

func (t *tempFile) Close() error {
	err := t.File.Close()
	if rmErr := os.Remove(t.Name()); err == nil {
		err = rmErr
	}
	return err
}

// FetchDir copies every object under the location prefix into dst, keeping
// the relative layout, and returns dst. When dst is empty a directory under
// CacheDir is created.
func (c *Client) FetchDir(ctx context.Context, location, dst string) (string, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return "", err
	}
	prefix := loc.Key
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if dst == "" {
		if dst, err = os.MkdirTemp(c.cfg.CacheDir, "ic50-prefix-*"); err != nil {
			return "", errors.Wrap(err, errors.CodeInternal, "create download dir")
		}
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n := 0
	for obj := range c.api.ListObjects(ctx, loc.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return "", errors.Wrap(obj.Err, errors.ErrCodeExternalService, "list "+location)
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
			return "", errors.InvalidParam("object key escapes the download directory").WithDetail(obj.Key)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", errors.Wrap(err, errors.CodeInternal, "create "+filepath.Dir(target))
		}
		if err := c.api.FGetObject(ctx, loc.Bucket, obj.Key, target, minio.GetObjectOptions{}); err != nil {
			return "", errors.Wrap(err, errors.ErrCodeExternalService, "download "+obj.Key)
		}
		n++
	}
	if n == 0 {
		return "", errors.New(errors.CodeNotFound, "no objects under prefix").WithDetail(location)
	}
	c.logger.Info("prefix downloaded", logging.String("location", location), logging.Int("objects", n), logging.String("dir", dst))
	return dst, nil
}

// Upload stores data at location.
func (c *Client) Upload(ctx context.Context, location string, data []byte, contentType string) error {
	loc, err := ParseLocation(location)
	if err != nil {
		return err
	}
	if loc.Key == "" {
		return errors.InvalidParam("upload location needs an object key").WithDetail(location)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	ok, err := c.api.BucketExists(ctx, loc.Bucket)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeExternalService, "check bucket "+loc.Bucket)
	}
	if !ok {
		return errors.New(errors.CodeNotFound, "bucket does not exist").WithDetail(loc.Bucket)
	}
	_, err = c.api.PutObject(ctx, loc.Bucket, loc.Key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeExternalService, "upload "+location)
	}
	c.logger.Info("object uploaded", logging.String("location", location), logging.Int("bytes", len(data)))
	return nil
}
