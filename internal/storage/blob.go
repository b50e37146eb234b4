package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gocloud.dev/blob"
)

// BlobStore publishes artifacts to any gocloud.dev bucket.
type BlobStore struct {
	bucket  *blob.Bucket
	backend string
	scheme  string // URI scheme and authority, e.g. "gs://bucket"
	prefix  string
}

func newBlobStore(bucket *blob.Bucket, backend, scheme, prefix string) *BlobStore {
	return &BlobStore{
		bucket:  bucket,
		backend: backend,
		scheme:  scheme,
		prefix:  prefix,
	}
}

// Publish uploads the artifact, its index and its manifest atomically.
func (s *BlobStore) Publish(ctx context.Context, ref ArtifactRef, files Files) (*PublishResult, error) {
	var tempKeys, finalKeys []string

	upload := func(finalKey string, open func() (io.ReadCloser, error)) error {
		r, err := open()
		if err != nil {
			return err
		}
		defer r.Close()

		tempKey := finalKey + ".tmp." + uuid.New().String()
		if err := s.write(ctx, tempKey, r); err != nil {
			return err
		}
		tempKeys = append(tempKeys, tempKey)
		finalKeys = append(finalKeys, finalKey)
		return nil
	}

	res := &PublishResult{ArtifactKey: ref.Path(s.prefix)}
	if err := upload(res.ArtifactKey, fileOpener(files.ArtifactPath)); err != nil {
		s.Abort(ctx, tempKeys)
		return nil, fmt.Errorf("upload artifact: %w", err)
	}

	if files.IndexPath != "" {
		res.IndexKey = ref.IndexPath(s.prefix)
		if err := upload(res.IndexKey, fileOpener(files.IndexPath)); err != nil {
			s.Abort(ctx, tempKeys)
			return nil, fmt.Errorf("upload index: %w", err)
		}
	}

	if files.Manifest != nil {
		data, err := files.Manifest.MarshalJSON()
		if err != nil {
			s.Abort(ctx, tempKeys)
			return nil, fmt.Errorf("marshal manifest: %w", err)
		}
		res.ManifestKey = ref.ManifestPath(s.prefix)
		if err := upload(res.ManifestKey, func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}); err != nil {
			s.Abort(ctx, tempKeys)
			return nil, fmt.Errorf("upload manifest: %w", err)
		}
	}

	if err := s.Finalize(ctx, tempKeys, finalKeys); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}

	res.URI = s.URI(res.ArtifactKey)
	return res, nil
}

func fileOpener(path string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return f, nil
	}
}

// write streams r to key.
func (s *BlobStore) write(ctx context.Context, key string, r io.Reader) error {
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

// Finalize moves temp keys to their final keys using copy + delete.
// If any copy fails, already-copied final keys and all temps are removed.
func (s *BlobStore) Finalize(ctx context.Context, tempKeys, finalKeys []string) error {
	if len(tempKeys) != len(finalKeys) {
		return fmt.Errorf("expected %d temp keys, got %d", len(finalKeys), len(tempKeys))
	}

	for i, tempKey := range tempKeys {
		if err := s.bucket.Copy(ctx, finalKeys[i], tempKey, nil); err != nil {
			for j := 0; j < i; j++ {
				s.bucket.Delete(ctx, finalKeys[j])
			}
			s.Abort(ctx, tempKeys)
			return fmt.Errorf("finalize %s -> %s: %w", tempKey, finalKeys[i], err)
		}
	}

	for _, tempKey := range tempKeys {
		s.bucket.Delete(ctx, tempKey) // ignore errors
	}

	return nil
}

// Abort removes temporary files without publishing.
func (s *BlobStore) Abort(ctx context.Context, tempKeys []string) error {
	var lastErr error
	for _, key := range tempKeys {
		if err := s.bucket.Delete(ctx, key); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Exists checks if the artifact key is present.
func (s *BlobStore) Exists(ctx context.Context, ref ArtifactRef) (bool, error) {
	return s.bucket.Exists(ctx, ref.Path(s.prefix))
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}

	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// List returns all keys with the given prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}

	return keys, nil
}

// ReadAll returns the contents of key.
func (s *BlobStore) ReadAll(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.scheme + "/" + key
}

// Backend names the store type.
func (s *BlobStore) Backend() string {
	return s.backend
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Verify BlobStore implements Store.
var _ Store = (*BlobStore)(nil)
