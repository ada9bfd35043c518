package store

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader puts a file into object storage and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, r io.Reader, size int64, path, contentType string) (string, error)
}

type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base of returned URLs. Defaults to the endpoint plus bucket.
	PublicURL string
}

type ObjectStore struct {
	client *minio.Client
	cfg    ObjectConfig
}

// NewObjectStore connects to an S3-compatible endpoint and creates the bucket when missing.
func NewObjectStore(ctx context.Context, cfg ObjectConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info("created bucket", "bucket", cfg.Bucket)
	}

	if cfg.PublicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		cfg.PublicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &ObjectStore{client: client, cfg: cfg}, nil
}

func (o *ObjectStore) Upload(ctx context.Context, r io.Reader, size int64, path, contentType string) (string, error) {
	path = strings.TrimLeft(path, "/")
	_, err := o.client.PutObject(ctx, o.cfg.Bucket, path, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	return o.cfg.PublicURL + "/" + (&url.URL{Path: path}).EscapedPath(), nil
}

// DiskUploader writes uploads under Dir and serves them from BaseURL. It is used when no object
// storage is configured.
type DiskUploader struct {
	Dir     string
	BaseURL string
}

func (d *DiskUploader) Upload(_ context.Context, r io.Reader, _ int64, name, _ string) (string, error) {
	name = path.Clean("/" + name)[1:]
	full := filepath.Join(d.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(full)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return strings.TrimRight(d.BaseURL, "/") + "/" + name, nil
}
