// Package s3 implements artifact storage on S3-compatible object stores.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/store"
)

// Scheme is the locator scheme handled by this store.
const Scheme = "s3"

// Config configures the object store connection.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// Bucket receives published objects.
	Bucket string
	// Prefix is prepended to published keys.
	Prefix string
}

// Validate checks the connection settings.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return bferrors.Wrap(bferrors.ErrConfigInvalidArtifacts, "store endpoint is required")
	case strings.Contains(c.Endpoint, "://"):
		return bferrors.Wrapf(bferrors.ErrConfigInvalidArtifacts, "store endpoint must not include scheme: %q", c.Endpoint)
	case strings.TrimSpace(c.Bucket) == "":
		return bferrors.Wrap(bferrors.ErrConfigInvalidArtifacts, "store bucket is required")
	}
	return nil
}

// objectAPI is the subset of the minio client the store uses.
type objectAPI interface {
	list(ctx context.Context, bucket, prefix string) ([]string, error)
	get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	put(ctx context.Context, bucket, key string, r io.Reader) error
}

// Store is a store.Store backed by minio-go.
type Store struct {
	api    objectAPI
	bucket string
	prefix string
}

// New connects to the object store described by cfg.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: object store client: %w", bferrors.ErrConfigInvalidArtifacts, err)
	}
	return newStore(&minioAPI{client: client}, cfg), nil
}

func newStore(api objectAPI, cfg Config) *Store {
	return &Store{api: api, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}
}

// Locator returns the locator of key in bucket.
func Locator(bucket, key string) string {
	return Scheme + "://" + bucket + "/" + key
}

// Parse splits an s3 locator into bucket and key.
func Parse(locator string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(locator, Scheme+"://")
	if !ok {
		return "", "", bferrors.Wrapf(bferrors.ErrUnsupportedLocator, "%q is not an s3 locator", locator)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", bferrors.Wrapf(bferrors.ErrUnsupportedLocator, "%q has no bucket", locator)
	}
	return bucket, key, nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, key, err := Parse(prefix)
	if err != nil {
		return nil, err
	}
	keys, err := s.api.list(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasSuffix(k, "/") {
			continue
		}
		out = append(out, Locator(bucket, k))
	}
	sort.Strings(out)
	return out, nil
}

// Open implements store.Store.
func (s *Store) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	bucket, key, err := Parse(locator)
	if err != nil {
		return nil, err
	}
	return s.api.get(ctx, bucket, key)
}

// Put implements store.Store. The key is placed under the configured prefix.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	cleaned, err := store.CleanKey(key)
	if err != nil {
		return "", err
	}
	if s.prefix != "" {
		cleaned = s.prefix + "/" + cleaned
	}
	if err := s.api.put(ctx, s.bucket, cleaned, r); err != nil {
		return "", fmt.Errorf("put %s: %w", cleaned, err)
	}
	return Locator(s.bucket, cleaned), nil
}

// minioAPI adapts *minio.Client to objectAPI.
type minioAPI struct {
	client *minio.Client
}

func (m *minioAPI) list(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (m *minioAPI) get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, bferrors.Wrapf(bferrors.ErrArtifactNotFound, "%s", Locator(bucket, key))
		}
		return nil, err
	}
	return obj, nil
}

func (m *minioAPI) put(ctx context.Context, bucket, key string, r io.Reader) error {
	_, err := m.client.PutObject(ctx, bucket, key, r, -1, minio.PutObjectOptions{ContentType: contentType(key)})
	return err
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".log"), strings.HasSuffix(key, ".txt"):
		return "text/plain"
	}
	return "application/octet-stream"
}

var _ store.Store = (*Store)(nil)
