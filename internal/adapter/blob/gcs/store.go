// Package gcs implements the blob store on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

// Store holds a bucket handle. Keys are opaque object names; writes are
// create-only so a key never changes content once written.
type Store struct {
	client *storage.Client
	bucket string
}

// New dials GCS and binds the store to a bucket.
func New(ctx context.Context, bucket string, opts ...option.ClientOption) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("op=blob.new: bucket name required")
	}
	cl, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("op=blob.new: %w", err)
	}
	return &Store{client: cl, bucket: bucket}, nil
}

// Put writes a new object. An existing key fails with ErrConflict (writes are
// by fresh keys only).
func (s *Store) Put(ctx context.Context, key, contentType string, r io.Reader) error {
	w := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("op=blob.put: %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 412 {
			// Precondition failure means the key already exists.
			return fmt.Errorf("op=blob.put: %s: %w", key, domain.ErrConflict)
		}
		return fmt.Errorf("op=blob.put: %s: %w", key, err)
	}
	return nil
}

// Get opens an object for reading.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rd, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("op=blob.get: %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blob.get: %s: %w", key, err)
	}
	return rd, nil
}

// Delete removes an object; deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("op=blob.delete: %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix; used by cancellation
// cleanup to drop a job's intermediate artifacts.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("op=blob.delete_prefix: %s: %w", prefix, err)
		}
		if err := s.Delete(ctx, attrs.Name); err != nil {
			return err
		}
	}
}

// SignedURL returns a V4 GET URL valid for ttl.
func (s *Store) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("op=blob.signed_url: %s: %w", key, err)
	}
	return u, nil
}

// Exists reports whether key names a stored object.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("op=blob.exists: %s: %w", key, err)
	}
	return true, nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }
