// Package objectstore mirrors written parameter maps to an S3 compatible
// bucket.
package objectstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const niftiContentType = "application/gzip"

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// bucketAPI is the part of *minio.Client the mirror uses.
type bucketAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Mirror uploads files under <prefix>/<subject>/<relative path>.
type Mirror struct {
	client bucketAPI
	bucket string
	prefix string
}

// NewMirror connects to the store and creates the bucket when missing.
func NewMirror(ctx context.Context, cfg Config) (*Mirror, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	return newMirror(client, cfg.Bucket, cfg.Prefix), nil
}

func newMirror(client bucketAPI, bucket, prefix string) *Mirror {
	return &Mirror{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key for a file relative to the subject directory.
func (m *Mirror) Key(subjectDir, rel string) string {
	return path.Join(m.prefix, filepath.Base(filepath.Clean(subjectDir)), filepath.ToSlash(rel))
}

// Publish uploads localPath, which lives at rel inside subjectDir.
func (m *Mirror) Publish(ctx context.Context, subjectDir, rel, localPath string) error {
	if m == nil || m.client == nil {
		return fmt.Errorf("mirror not initialized")
	}
	key := m.Key(subjectDir, rel)
	opts := minio.PutObjectOptions{ContentType: contentType(localPath)}
	if _, err := m.client.FPutObject(ctx, m.bucket, key, localPath, opts); err != nil {
		return fmt.Errorf("upload %s to %s/%s: %w", localPath, m.bucket, key, err)
	}
	return nil
}

func contentType(p string) string {
	switch {
	case strings.HasSuffix(p, ".gz"):
		return niftiContentType
	case strings.HasSuffix(p, ".png"):
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func ensureBucket(ctx context.Context, client bucketAPI, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
