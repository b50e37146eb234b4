// Package storage publishes finished artifacts to an object store.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ArtifactRef describes where an artifact lives in the store.
type ArtifactRef struct {
	Product string // "nbm-qmd"
	Date    string // YYYYMMDD
	Cycle   string // "00".."23"
	Name    string // artifact file name
}

// DirPath returns the directory key for this artifact's run.
func (r ArtifactRef) DirPath(prefix string) string {
	return fmt.Sprintf("%s%s/%s/%s", prefix, r.Product, r.Date, r.Cycle)
}

// Path returns the key of the artifact itself.
func (r ArtifactRef) Path(prefix string) string {
	return r.DirPath(prefix) + "/" + r.Name
}

// IndexPath returns the key of the artifact's subset index.
func (r ArtifactRef) IndexPath(prefix string) string {
	return r.Path(prefix) + ".idx"
}

// ManifestPath returns the key of the artifact's manifest.
func (r ArtifactRef) ManifestPath(prefix string) string {
	return r.Path(prefix) + ".json"
}

// Manifest describes an assembled artifact and where its bytes came from.
type Manifest struct {
	Artifact  ArtifactInfo  `json:"artifact"`
	Run       RunInfo       `json:"run"`
	Source    SourceInfo    `json:"source"`
	Messages  []MessageInfo `json:"messages"`
	Producer  ProducerInfo  `json:"producer"`
	CreatedAt time.Time     `json:"created_at"`
}

// ArtifactInfo describes the artifact file.
type ArtifactInfo struct {
	File         string `json:"file"`
	Checksum     string `json:"checksum"`
	ByteSize     int64  `json:"byte_size"`
	MessageCount int    `json:"message_count"`
}

// RunInfo identifies the unit the artifact was built for.
type RunInfo struct {
	Product      string `json:"product"`
	Date         string `json:"date"`
	Cycle        string `json:"cycle"`
	ForecastHour int    `json:"forecast_hour"`
	Member       string `json:"member,omitempty"`
}

// SourceInfo describes the remote file.
type SourceInfo struct {
	GribURL       string `json:"grib_url"`
	IndexURL      string `json:"index_url"`
	ContentLength int64  `json:"content_length"`
	LastModified  string `json:"last_modified,omitempty"`
}

// MessageInfo maps one artifact message back to its source span.
type MessageInfo struct {
	Message     int    `json:"message"`
	SourceStart int64  `json:"source_start"`
	SourceEnd   int64  `json:"source_end"`
	Offset      int64  `json:"offset"`
	Description string `json:"description"`
}

// ProducerInfo describes the software that produced the artifact.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// Files are the local files making up one published artifact.
type Files struct {
	ArtifactPath string
	IndexPath    string // optional
	Manifest     *Manifest
}

// PublishResult contains the keys written by a publish.
type PublishResult struct {
	ArtifactKey string
	IndexKey    string
	ManifestKey string
	URI         string
}

// Store publishes artifacts.
type Store interface {
	// Publish uploads the files to temporary keys and then moves them to
	// their final keys. On failure nothing is left at the final keys.
	Publish(ctx context.Context, ref ArtifactRef, files Files) (*PublishResult, error)

	// Exists checks if an artifact is already published.
	Exists(ctx context.Context, ref ArtifactRef) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Backend names the store type for logs and metrics.
	Backend() string

	// Close releases any resources.
	Close() error
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "none" | "local" | "gcs" | "s3" | "mem"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix string // "grib/" (path prefix within bucket or local dir)
}

// NewStore creates a storage backend based on configuration.
func NewStore(cfg StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return noopStore{}, nil
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return NewGCSStore(cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return NewS3Store(cfg.S3Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "mem":
		return NewMemStore(cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// IsNoop reports whether s discards publishes.
func IsNoop(s Store) bool {
	_, ok := s.(noopStore)
	return ok
}

// noopStore is used when publishing is disabled.
type noopStore struct{}

func (noopStore) Publish(ctx context.Context, ref ArtifactRef, files Files) (*PublishResult, error) {
	return &PublishResult{}, nil
}

func (noopStore) Exists(ctx context.Context, ref ArtifactRef) (bool, error) { return false, nil }
func (noopStore) URI(key string) string                                     { return "" }
func (noopStore) Backend() string                                           { return "none" }
func (noopStore) Close() error                                              { return nil }
