package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/logging"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/transfer"
)

// BlobState is the resume state of an emulated multipart upload. Each
// acknowledged part lives in its own object until the upload is finalized.
type BlobState struct {
	Key      string
	Token    string
	PartSize int64
	Parts    map[int32]bool
}

func (st *BlobState) partKey(n int32) string {
	return fmt.Sprintf("%s.part.%s.%05d", st.Key, st.Token, n)
}

// BlobStore writes slices to any gocloud bucket. Stores without native
// multipart support get it emulated: parts are written as temporary objects
// and composed into the final key once all of them are present.
type BlobStore struct {
	bucket   *blob.Bucket
	baseURI  string
	partSize int64
	log      *slog.Logger
}

// NewBlobStore opens the bucket at bucketURL.
func NewBlobStore(ctx context.Context, bucketURL string, partSize int64) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return newBlobStore(bucket, bucketURL, partSize), nil
}

func newBlobStore(bucket *blob.Bucket, bucketURL string, partSize int64) *BlobStore {
	base, _, _ := strings.Cut(bucketURL, "?")
	return &BlobStore{
		bucket:   bucket,
		baseURI:  strings.TrimSuffix(base, "/"),
		partSize: partSize,
		log:      logging.Component("blob"),
	}
}

// Put writes the whole body to key.
func (s *BlobStore) Put(ctx context.Context, in *transfer.PutInput) error {
	w, err := s.bucket.NewWriter(ctx, in.Key, &blob.WriterOptions{
		ContentDisposition: in.ContentDisposition,
	})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", in.Key, err)
	}

	if _, err := io.Copy(w, in.Body); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", in.Key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", in.Key, err)
	}

	return nil
}

// Upload writes every missing part as a temporary object, then composes
// them into the final key.
func (s *BlobStore) Upload(ctx context.Context, in *transfer.UploadInput) error {
	st := s.begin(in)

	if err := s.writeParts(ctx, in, st); err != nil {
		return &transfer.UploadError{Key: in.Key, State: st, Err: err}
	}

	if err := s.finalize(ctx, in, st); err != nil {
		return &transfer.UploadError{Key: in.Key, State: st, Err: err}
	}
	return nil
}

func (s *BlobStore) begin(in *transfer.UploadInput) *BlobState {
	if prev, ok := in.Resume.(*BlobState); ok && prev.Key == in.Key {
		c := *prev
		c.Parts = maps.Clone(prev.Parts)
		if c.Parts == nil {
			c.Parts = make(map[int32]bool)
		}
		return &c
	}
	return &BlobState{
		Key:      in.Key,
		Token:    uuid.New().String(),
		PartSize: partSizeFor(in.Size, s.partSize),
		Parts:    make(map[int32]bool),
	}
}

func (s *BlobStore) writeParts(ctx context.Context, in *transfer.UploadInput, st *BlobState) error {
	var outstanding []int32
	for n := int32(1); n <= partCount(in.Size, st.PartSize); n++ {
		if !st.Parts[n] {
			outstanding = append(outstanding, n)
		}
	}

	var (
		mu   sync.Mutex
		errs []error
	)

	g := new(errgroup.Group)
	if in.Concurrency > 0 {
		g.SetLimit(in.Concurrency)
	}

	for _, n := range outstanding {
		g.Go(func() error {
			err := s.writePart(ctx, in, st, n)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("part %d: %w", n, err))
				return nil
			}
			st.Parts[n] = true
			return nil
		})
	}
	g.Wait()

	return errors.Join(errs...)
}

func (s *BlobStore) writePart(ctx context.Context, in *transfer.UploadInput, st *BlobState, n int32) error {
	off, length := partRange(n, in.Size, st.PartSize)
	key := st.partKey(n)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := io.Copy(w, io.NewSectionReader(in.Body, off, length)); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	return w.Close()
}

// finalize concatenates the part objects into the final key and removes
// them. A failed finalize leaves the parts in place for the next attempt.
func (s *BlobStore) finalize(ctx context.Context, in *transfer.UploadInput, st *BlobState) error {
	total := partCount(in.Size, st.PartSize)

	// Cancelling wctx before Close discards the partial object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, in.Key, &blob.WriterOptions{
		ContentDisposition: in.ContentDisposition,
	})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", in.Key, err)
	}

	for n := int32(1); n <= total; n++ {
		if err := s.appendPart(ctx, w, st.partKey(n)); err != nil {
			cancel()
			w.Close()
			if gcerrors.Code(err) == gcerrors.NotFound {
				delete(st.Parts, n)
			}
			return fmt.Errorf("finalize %s: %w", in.Key, err)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", in.Key, err)
	}

	s.deleteParts(ctx, st)
	return nil
}

func (s *BlobStore) appendPart(ctx context.Context, w io.Writer, key string) error {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("open part %s: %w", key, err)
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copy part %s: %w", key, err)
	}
	return nil
}

func (s *BlobStore) deleteParts(ctx context.Context, st *BlobState) {
	for n := range st.Parts {
		if err := s.bucket.Delete(ctx, st.partKey(n)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			s.log.Warn("failed to delete part object", "key", st.partKey(n), "error", err)
		}
	}
}

// Abort removes the part objects of an unfinished upload.
func (s *BlobStore) Abort(ctx context.Context, state any) error {
	st, ok := state.(*BlobState)
	if !ok {
		return fmt.Errorf("abort: unexpected resume state %T", state)
	}

	var lastErr error
	for n := range st.Parts {
		if err := s.bucket.Delete(ctx, st.partKey(n)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			lastErr = err
		}
	}
	return lastErr
}

// WriteManifest writes the manifest JSON to the bucket. Encryption at rest
// is a bucket level setting for these backends, so sse is ignored.
func (s *BlobStore) WriteManifest(ctx context.Context, key string, manifest *Manifest, sse string) error {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write manifest to %s: %w", key, err)
	}
	return nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.baseURI + "/" + key
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
