// Package minio stores step artifacts in an S3-compatible bucket and hands
// out presigned links to the judge and to clients.
package minio

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tjfontaine/genpipe/internal/core/ports"
	"github.com/tjfontaine/genpipe/internal/pkg/config"
)

const defaultRegion = "us-east-1"

// Store implements ports.ArtifactStore.
type Store struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

var _ ports.ArtifactStore = (*Store)(nil)

// New connects to the endpoint in cfg. No request is made until the
// store is used.
func New(cfg config.ArtifactsConfig) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("artifacts: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    defaultRegion,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, cfg.PresignTTL)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *minio.Client, bucket string, ttl time.Duration) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{client: client, bucket: bucket, ttl: ttl}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: defaultRegion})
}

// Put uploads r under key and returns its artifact reference.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// PresignGet returns a time-limited download URL for ref. ref is either
// s3://bucket/key or a key in the configured bucket; http(s) URLs are
// returned unchanged.
func (s *Store) PresignGet(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	bucket, key, err := s.split(ref)
	if err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, key, s.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ref, err)
	}
	return u.String(), nil
}

func (s *Store) split(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		key = strings.TrimPrefix(ref, "/")
		if key == "" {
			return "", "", fmt.Errorf("empty artifact reference")
		}
		return s.bucket, key, nil
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed artifact reference %q", ref)
	}
	return bucket, key, nil
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
