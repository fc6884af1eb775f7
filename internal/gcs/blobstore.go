// Package gcs stores snapshot documents as objects in a Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	cloudstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/msp-reconciler/internal/storage"
)

const (
	objectSuffix = ".json"
	writeTimeout = 2 * time.Minute
)

// BlobStore keeps one JSON object per key under bucket/prefix.
// It assumes Application Default Credentials are configured.
type BlobStore struct {
	client *cloudstorage.Client
	bucket string
	prefix string
}

var _ storage.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates a storage client for bucket.
func NewBlobStore(ctx context.Context, bucket, prefix string) (*BlobStore, error) {
	client, err := cloudstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewBlobStore: create storage client: %w", err)
	}
	return NewBlobStoreWithClient(client, bucket, prefix), nil
}

// NewBlobStoreWithClient uses an existing client.
func NewBlobStoreWithClient(client *cloudstorage.Client, bucket, prefix string) *BlobStore {
	return &BlobStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Close closes the storage client.
func (s *BlobStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// ObjectName maps a blob key to its object name.
func ObjectName(prefix, key string) string {
	return path.Join(strings.Trim(prefix, "/"), key+objectSuffix)
}

// KeyFromObject is the inverse of ObjectName. It reports false for
// objects that do not belong to prefix.
func KeyFromObject(prefix, name string) (string, bool) {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		if !strings.HasPrefix(name, prefix+"/") {
			return "", false
		}
		name = strings.TrimPrefix(name, prefix+"/")
	}
	if !strings.HasSuffix(name, objectSuffix) || strings.Contains(name, "/") {
		return "", false
	}
	return strings.TrimSuffix(name, objectSuffix), true
}

// URI returns the gs:// URI of a key, for logs.
func (s *BlobStore) URI(key string) string {
	return "gs://" + s.bucket + "/" + ObjectName(s.prefix, key)
}

// Get implements storage.BlobStore.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(ObjectName(s.prefix, key)).NewReader(ctx)
	if errors.Is(err, cloudstorage.ErrObjectNotExist) {
		return nil, fmt.Errorf("Get: %s: %w", s.URI(key), storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: open %s: %w", s.URI(key), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("Get: read %s: %w", s.URI(key), err)
	}
	return data, nil
}

// Put implements storage.BlobStore. The object is replaced atomically
// when the writer is closed.
func (s *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(ObjectName(s.prefix, key)).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("Put: write %s: %w", s.URI(key), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("Put: finalize %s: %w", s.URI(key), err)
	}
	return nil
}

// List implements storage.BlobStore.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	q := &cloudstorage.Query{Prefix: path.Join(s.prefix, prefix)}
	if s.prefix == "" {
		q.Prefix = prefix
	}

	var keys []string
	it := s.client.Bucket(s.bucket).Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("List: %s: %w", prefix, err)
		}
		if key, ok := KeyFromObject(s.prefix, attrs.Name); ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
