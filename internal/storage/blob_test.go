package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/transfer"
)

func newMemStore(t *testing.T, partSize int64) (*BlobStore, *blob.Bucket) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	return newBlobStore(bucket, "mem://", partSize), bucket
}

func listKeys(t *testing.T, b *blob.Bucket) []string {
	t.Helper()
	var keys []string
	iter := b.List(nil)
	for {
		obj, err := iter.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		keys = append(keys, obj.Key)
	}
	return keys
}

func TestBlobStore_Upload(t *testing.T) {
	s, bucket := newMemStore(t, 4)
	data := payload(11)

	err := s.Upload(context.Background(), &transfer.UploadInput{
		Target: transfer.Target{Key: "p/a.csv", Concurrency: 3, ContentDisposition: "attachment; filename=a.csv;"},
		Body:   bytes.NewReader(data),
		Size:   int64(len(data)),
	})
	require.NoError(t, err)

	got, err := bucket.ReadAll(context.Background(), "p/a.csv")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, []string{"p/a.csv"}, listKeys(t, bucket), "part objects are removed")

	attrs, err := bucket.Attributes(context.Background(), "p/a.csv")
	require.NoError(t, err)
	assert.Equal(t, "attachment; filename=a.csv;", attrs.ContentDisposition)
}

// flakyReader serves data and fails the reads for which fail returns true.
type flakyReader struct {
	data []byte
	fail func(off int64, call int) bool

	mu      sync.Mutex
	calls   map[int64]int
	offsets []int64
}

func newFlakyReader(data []byte, fail func(off int64, call int) bool) *flakyReader {
	return &flakyReader{data: data, fail: fail, calls: make(map[int64]int)}
}

func (r *flakyReader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	r.calls[off]++
	call := r.calls[off]
	r.offsets = append(r.offsets, off)
	r.mu.Unlock()

	if r.fail(off, call) {
		return 0, errors.New("network down")
	}
	return bytes.NewReader(r.data).ReadAt(p, off)
}

func TestBlobStore_ResumeSkipsWrittenParts(t *testing.T) {
	s, bucket := newMemStore(t, 4)
	data := payload(10)
	body := newFlakyReader(data, func(off int64, call int) bool {
		return off == 8 && call == 1
	})
	in := &transfer.UploadInput{
		Target: transfer.Target{Key: "p/a.csv", Concurrency: 1},
		Body:   body,
		Size:   int64(len(data)),
	}

	err := s.Upload(context.Background(), in)
	require.Error(t, err)
	st, ok := transfer.StateOf(err).(*BlobState)
	require.True(t, ok)
	assert.True(t, st.Parts[1])
	assert.True(t, st.Parts[2])
	assert.False(t, st.Parts[3])

	exists, err := bucket.Exists(context.Background(), "p/a.csv")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = bucket.Exists(context.Background(), st.partKey(3))
	require.NoError(t, err)
	assert.False(t, exists, "a failed part is not committed")

	in.Resume = st
	require.NoError(t, s.Upload(context.Background(), in))
	assert.Equal(t, []int64{0, 4, 8, 8}, body.offsets)

	got, err := bucket.ReadAll(context.Background(), "p/a.csv")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBlobStore_Abort(t *testing.T) {
	s, bucket := newMemStore(t, 4)
	data := payload(8)
	body := newFlakyReader(data, func(off int64, call int) bool { return off == 4 })

	err := s.Upload(context.Background(), &transfer.UploadInput{
		Target: transfer.Target{Key: "p/a.csv"},
		Body:   body,
		Size:   int64(len(data)),
	})
	require.Error(t, err)
	keys := listKeys(t, bucket)
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "p/a.csv.part."))

	require.NoError(t, s.Abort(context.Background(), transfer.StateOf(err)))
	assert.Empty(t, listKeys(t, bucket))
}

func TestBlobStore_PutAndManifest(t *testing.T) {
	s, bucket := newMemStore(t, 4)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &transfer.PutInput{
		Target: transfer.Target{Key: "p/empty.csv"},
		Body:   bytes.NewReader(nil),
	}))

	m := &Manifest{Entries: []ManifestEntry{{URL: s.URI("p/empty.csv")}}}
	require.NoError(t, s.WriteManifest(ctx, "p/manifest", m, ""))

	got, err := bucket.ReadAll(ctx, "p/manifest")
	require.NoError(t, err)
	assert.JSONEq(t, `{"entries":[{"url":"mem://p/empty.csv"}]}`, string(got))
}

func TestNewBlobStore_File(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBlobStore(ctx, "file://"+filepath.ToSlash(dir), 4)
	require.NoError(t, err)
	defer s.Close()

	data := payload(9)
	require.NoError(t, s.Upload(ctx, &transfer.UploadInput{
		Target: transfer.Target{Key: "exp/a.csv", Concurrency: 2},
		Body:   bytes.NewReader(data),
		Size:   int64(len(data)),
	}))
	assert.Equal(t, "file://"+filepath.ToSlash(dir)+"/exp/a.csv", s.URI("exp/a.csv"))

	got, err := s.bucket.ReadAll(ctx, "exp/a.csv")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "ftp"}, Destination{})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Backend: "blob"}, Destination{})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Backend: "s3"}, Destination{})
	assert.Error(t, err)
}

func TestManifestMarshal(t *testing.T) {
	data, err := (&Manifest{}).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"entries":[]}`, string(data))

	data, err = (&Manifest{Entries: []ManifestEntry{{URL: "s3://b/k"}}}).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"entries":[{"url":"s3://b/k"}]}`, string(data))
}

func TestPartSizing(t *testing.T) {
	assert.Equal(t, DefaultPartSize, partSizeFor(10, 0))
	assert.Equal(t, int64(4), partSizeFor(10, 4))
	assert.Equal(t, int64(3), partSizeFor(30000, 1), "grown to stay under the part limit")

	assert.Equal(t, int32(0), partCount(0, 4))
	assert.Equal(t, int32(3), partCount(10, 4))

	off, n := partRange(3, 10, 4)
	assert.Equal(t, int64(8), off)
	assert.Equal(t, int64(2), n)
}
