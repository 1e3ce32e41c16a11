package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/transfer"
)

const (
	// DefaultPartSize is used when no part size is configured.
	DefaultPartSize int64 = 8 * 1024 * 1024

	// MinPartSize is the smallest part S3 accepts for all but the last part.
	MinPartSize int64 = 5 * 1024 * 1024

	// maxParts is the S3 limit on parts per multipart upload.
	maxParts = 10000
)

// Manifest lists the slices of a sliced file.
type Manifest struct {
	Entries []ManifestEntry `json:"entries"`
}

// ManifestEntry points at one uploaded slice.
type ManifestEntry struct {
	URL string `json:"url"`
}

// MarshalJSON returns the manifest as JSON bytes. An empty manifest is
// written as an empty list, never null.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	a := (*Alias)(m)
	if a.Entries == nil {
		a = &Alias{Entries: []ManifestEntry{}}
	}
	return json.Marshal(a)
}

// Store is an object store that slices and manifests are written to.
type Store interface {
	transfer.Transport

	// WriteManifest writes a manifest object at key. sse, when non-empty,
	// requests server-side encryption.
	WriteManifest(ctx context.Context, key string, manifest *Manifest, sse string) error

	// URI returns the canonical URI for the given key.
	// For S3: s3://bucket/key, GCS: gs://bucket/key, local: file:///dir/key
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Credentials are the temporary credentials issued for one upload.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Destination is the prepared upload target.
type Destination struct {
	Bucket      string
	Region      string
	Credentials Credentials
}

// Config configures the storage backend.
type Config struct {
	Backend string // "s3" | "blob"

	// Blob: any gocloud bucket URL (file:///path, mem://, gs://bucket, s3://bucket)
	BlobURL string

	// S3 (also works for MinIO, R2, B2)
	S3Endpoint     string
	ForcePathStyle bool

	// Multipart
	PartSize    int64
	PartRetries int
}

// Open creates a store for the destination based on configuration.
func Open(ctx context.Context, cfg Config, dest Destination) (Store, error) {
	switch cfg.Backend {
	case "", "s3":
		if dest.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg, dest)
	case "blob":
		if cfg.BlobURL == "" {
			return nil, fmt.Errorf("BlobURL required for blob backend")
		}
		return NewBlobStore(ctx, cfg.BlobURL, cfg.PartSize)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// partSizeFor returns the part size to use for an object of size bytes,
// growing the configured size when the part count would exceed the limit.
func partSizeFor(size, configured int64) int64 {
	ps := configured
	if ps <= 0 {
		ps = DefaultPartSize
	}
	if size > ps*maxParts {
		ps = (size + maxParts - 1) / maxParts
	}
	return ps
}

// partCount returns the number of parts of partSize needed for size bytes.
func partCount(size, partSize int64) int32 {
	if size <= 0 {
		return 0
	}
	return int32((size + partSize - 1) / partSize)
}

// partRange returns the offset and length of the 1-based part n.
func partRange(n int32, size, partSize int64) (int64, int64) {
	off := int64(n-1) * partSize
	length := partSize
	if off+length > size {
		length = size - off
	}
	return off, length
}
