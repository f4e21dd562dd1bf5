package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	client     *minio.Client
	bucketName string
	region     string
	publicBase string
	presignTTL time.Duration
}

// Options beyond the connection settings.
type Options struct {
	// PublicBaseURL replaces the endpoint in returned urls, e.g. a CDN in front of the bucket.
	PublicBaseURL string
	// PresignTTL > 0 makes Sign return presigned GET urls valid this long.
	PresignTTL time.Duration
}

// New buat koneksi MinIO
func New(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool, opts Options) (*Store, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	// pastikan bucket ada
	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, err
		}
	}

	return &Store{
		client:     cli,
		bucketName: bucket,
		region:     region,
		publicBase: strings.TrimRight(opts.PublicBaseURL, "/"),
		presignTTL: opts.PresignTTL,
	}, nil
}

// Put uploads data under key and returns the durable object url. It is never
// presigned: that url is what gets stored, Sign turns it into a readable one.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), putOptions(contentType))
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return s.ObjectURL(key), nil
}

func putOptions(contentType string) minio.PutObjectOptions {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return minio.PutObjectOptions{ContentType: contentType}
}

// ObjectURL is the unsigned url of key, under the public base when one is set.
func (s *Store) ObjectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.base(), s.bucketName, strings.TrimLeft(key, "/"))
}

func (s *Store) base() string {
	if s.publicBase != "" {
		return s.publicBase
	}
	// URL publik (jika bucket public)
	endpoint := s.client.EndpointURL()
	return fmt.Sprintf("%s://%s", endpoint.Scheme, endpoint.Host)
}

// Sign returns a presigned GET url for an object url of this bucket. Without a
// presign ttl, or for urls of other hosts, raw comes back unchanged. Urls that
// were stored already signed are signed again.
func (s *Store) Sign(ctx context.Context, raw string) (string, error) {
	if s.presignTTL <= 0 || raw == "" {
		return raw, nil
	}
	key, ok := s.keyOf(raw)
	if !ok {
		return raw, nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucketName, key, s.presignTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// keyOf extracts the object key from an url under the endpoint or the public base.
func (s *Store) keyOf(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	bases := []*url.URL{s.client.EndpointURL()}
	if s.publicBase != "" {
		if pb, err := url.Parse(s.publicBase); err == nil {
			bases = append(bases, pb)
		}
	}
	for _, b := range bases {
		if !strings.EqualFold(u.Host, b.Host) {
			continue
		}
		prefix := strings.TrimRight(b.Path, "/") + "/" + s.bucketName + "/"
		if key, ok := strings.CutPrefix(u.Path, prefix); ok && key != "" {
			return key, true
		}
	}
	return "", false
}

// Ping checks the bucket is reachable; used by readiness.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s missing", s.bucketName)
	}
	return nil
}
