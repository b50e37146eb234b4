package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob" // S3 driver
)

// NewLocalStore publishes into a directory on the local filesystem.
func NewLocalStore(baseDir, prefix string) (*BlobStore, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	bucket, err := fileblob.OpenBucket(baseDir, nil)
	if err != nil {
		return nil, fmt.Errorf("open local bucket %s: %w", baseDir, err)
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		abs = baseDir
	}
	return newBlobStore(bucket, "local", "file://"+filepath.ToSlash(abs), prefix), nil
}

// NewGCSStore publishes to Google Cloud Storage.
func NewGCSStore(bucketName, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(context.Background(), fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return newBlobStore(bucket, "gcs", "gs://"+bucketName, prefix), nil
}

// NewS3Store publishes to S3-compatible storage.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func NewS3Store(bucketName, prefix, endpoint, region string) (*BlobStore, error) {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	bucket, err := blob.OpenBucket(context.Background(), bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}
	return newBlobStore(bucket, "s3", "s3://"+bucketName, prefix), nil
}

// NewMemStore publishes to an in-process bucket.
func NewMemStore(prefix string) *BlobStore {
	return newBlobStore(memblob.OpenBucket(nil), "mem", "mem://", prefix)
}
