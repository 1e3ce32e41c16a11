package uploader

import (
	"context"
	"errors"
	"slices"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/storage"
)

// ManifestName is appended to the key prefix to form the manifest key.
const ManifestName = "manifest"

var errManifestWritten = errors.New("manifest already written")

// ManifestStore persists manifests.
type ManifestStore interface {
	WriteManifest(ctx context.Context, key string, manifest *storage.Manifest, sse string) error
}

// ManifestWriter collects manifest entries and writes them once.
type ManifestWriter struct {
	store   ManifestStore
	key     string
	sse     string
	entries []storage.ManifestEntry
	written bool
}

// NewManifestWriter creates a writer for the manifest under keyPrefix.
func NewManifestWriter(store ManifestStore, keyPrefix, sse string) *ManifestWriter {
	return &ManifestWriter{
		store: store,
		key:   keyPrefix + ManifestName,
		sse:   sse,
	}
}

// Key returns the manifest object key.
func (w *ManifestWriter) Key() string {
	return w.key
}

// Add appends entries in order.
func (w *ManifestWriter) Add(entries ...storage.ManifestEntry) {
	w.entries = append(w.entries, entries...)
}

// Entries returns a copy of the collected entries.
func (w *ManifestWriter) Entries() []storage.ManifestEntry {
	return slices.Clone(w.entries)
}

// Write persists the manifest. It is not retried; a failure is terminal.
func (w *ManifestWriter) Write(ctx context.Context) error {
	if w.written {
		return newError(KindManifestWriteFailed, "write manifest", errManifestWritten)
	}

	m := &storage.Manifest{Entries: w.Entries()}
	if err := w.store.WriteManifest(ctx, w.key, m, w.sse); err != nil {
		return newError(KindManifestWriteFailed, "write manifest", err)
	}
	w.written = true
	return nil
}
