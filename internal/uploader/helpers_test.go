package uploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/storage"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/storageapi"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/transfer/transfertest"
)

const testPrefix = "exp-15/42.data/"

// fakeStore is an in-memory storage.Store built on the transfertest transport.
type fakeStore struct {
	*transfertest.Fake

	mu          sync.Mutex
	manifests   map[string]*storage.Manifest
	sse         map[string]string
	writes      int
	manifestErr error
	closed      bool
}

func newFakeStore(partSize int64) *fakeStore {
	return &fakeStore{
		Fake:      transfertest.New(partSize),
		manifests: make(map[string]*storage.Manifest),
		sse:       make(map[string]string),
	}
}

var _ storage.Store = (*fakeStore)(nil)

func (s *fakeStore) WriteManifest(ctx context.Context, key string, m *storage.Manifest, sse string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.manifestErr != nil {
		return s.manifestErr
	}
	s.manifests[key] = &storage.Manifest{Entries: append([]storage.ManifestEntry(nil), m.Entries...)}
	s.sse[key] = sse
	return nil
}

func (s *fakeStore) URI(key string) string {
	return "s3://bucket/" + key
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) manifest(key string) (*storage.Manifest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[key]
	return m, ok
}

func (s *fakeStore) manifestWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// fakePreparer answers prepare calls with a fixed destination.
type fakePreparer struct {
	mu   sync.Mutex
	reqs []storageapi.PrepareRequest
	err  error
	sse  string
}

func (p *fakePreparer) Prepare(ctx context.Context, req *storageapi.PrepareRequest) (*storageapi.PreparedFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, *req)
	if p.err != nil {
		return nil, p.err
	}
	return &storageapi.PreparedFile{
		ID:          42,
		Name:        req.Name,
		Region:      "us-east-1",
		IsSliced:    req.Sliced,
		IsEncrypted: req.Encrypted,
		SizeBytes:   req.SizeBytes,
		UploadParams: storageapi.UploadParams{
			Bucket:               "bucket",
			Key:                  testPrefix,
			ACL:                  "private",
			ServerSideEncryption: p.sse,
			Credentials: storageapi.Credentials{
				AccessKeyID:     "AKIA",
				SecretAccessKey: "secret",
				SessionToken:    "token",
			},
		},
	}, nil
}

func (p *fakePreparer) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func openerFor(store storage.Store) StoreOpener {
	return func(ctx context.Context, dest storage.Destination) (storage.Store, error) {
		return store, nil
	}
}

// writeFile creates a file of the given size. Large files are sparse.
func writeFile(t *testing.T, dir, name string, size int64) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return p
}

func writeFiles(t *testing.T, n int, size int64) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = writeFile(t, dir, fmt.Sprintf("part-%03d.csv", i), size)
	}
	return paths
}

func sliceKey(path string) string {
	return testPrefix + filepath.Base(path)
}

func urls(m *storage.Manifest) []string {
	out := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.URL
	}
	return out
}
