package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"gocloud.dev/blob"
	"gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/logging"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/transfer"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// OpError records the S3 operation, bucket and key that failed.
type OpError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("s3 %s s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// UploadState is the resume state of an S3 multipart upload. Parts maps
// part numbers to the ETags S3 acknowledged. An empty UploadID means the
// previous upload is gone and the next attempt starts a new one.
type UploadState struct {
	Bucket   string
	Key      string
	UploadID string
	PartSize int64
	Parts    map[int32]string
}

func (st *UploadState) clone() *UploadState {
	c := *st
	c.Parts = maps.Clone(st.Parts)
	if c.Parts == nil {
		c.Parts = make(map[int32]string)
	}
	return &c
}

// S3Store writes slices to S3-compatible storage with resumable multipart
// uploads. Works with AWS S3, MinIO, Cloudflare R2 and Backblaze B2.
type S3Store struct {
	client      S3API
	manifests   *blob.Bucket
	bucket      string
	partSize    int64
	partRetries uint64
	log         *slog.Logger
}

// NewS3Store creates a store bound to the prepared bucket using the
// temporary credentials issued for the upload.
func NewS3Store(ctx context.Context, cfg Config, dest Destination) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(dest.Region),
	}
	if c := dest.Credentials; c.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	bucket, err := s3blob.OpenBucketV2(ctx, client, dest.Bucket, nil)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", dest.Bucket, err)
	}

	return newS3Store(client, bucket, dest.Bucket, cfg), nil
}

func newS3Store(client S3API, manifests *blob.Bucket, bucket string, cfg Config) *S3Store {
	retries := cfg.PartRetries
	if retries < 0 {
		retries = 0
	}
	return &S3Store{
		client:      client,
		manifests:   manifests,
		bucket:      bucket,
		partSize:    cfg.PartSize,
		partRetries: uint64(retries),
		log:         logging.Component("s3"),
	}
}

// Put writes a small object in a single request.
func (s *S3Store) Put(ctx context.Context, in *transfer.PutInput) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketFor(in.Target)),
		Key:           aws.String(in.Key),
		Body:          in.Body,
		ContentLength: aws.Int64(in.Size),
	}
	if in.ACL != "" {
		input.ACL = types.ObjectCannedACL(in.ACL)
	}
	if in.ContentDisposition != "" {
		input.ContentDisposition = aws.String(in.ContentDisposition)
	}
	if in.ServerSideEncryption != "" {
		input.ServerSideEncryption = types.ServerSideEncryption(in.ServerSideEncryption)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return &OpError{Op: "PutObject", Bucket: *input.Bucket, Key: in.Key, Err: err}
	}
	return nil
}

// Upload sends the outstanding parts of in.Body and completes the upload.
// Parts acknowledged by a previous attempt are never sent again.
func (s *S3Store) Upload(ctx context.Context, in *transfer.UploadInput) error {
	st, err := s.begin(ctx, in)
	if err != nil {
		return err
	}

	if err := s.uploadParts(ctx, in, st); err != nil {
		if isNoSuchUpload(err) {
			s.log.Warn("multipart upload expired, restarting", "key", in.Key, "upload_id", st.UploadID)
			st = &UploadState{Bucket: st.Bucket, Key: st.Key}
		}
		return &transfer.UploadError{Key: in.Key, State: st, Err: err}
	}

	if err := s.complete(ctx, st); err != nil {
		if isNoSuchUpload(err) {
			st = &UploadState{Bucket: st.Bucket, Key: st.Key}
		}
		return &transfer.UploadError{Key: in.Key, State: st, Err: err}
	}
	return nil
}

// begin continues the upload described by in.Resume or creates a new one.
func (s *S3Store) begin(ctx context.Context, in *transfer.UploadInput) (*UploadState, error) {
	bucket := s.bucketFor(in.Target)

	if prev, ok := in.Resume.(*UploadState); ok && prev.UploadID != "" {
		if prev.Bucket != bucket || prev.Key != in.Key {
			return nil, fmt.Errorf("resume state for s3://%s/%s used for s3://%s/%s", prev.Bucket, prev.Key, bucket, in.Key)
		}
		return prev.clone(), nil
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(in.Key),
	}
	if in.ACL != "" {
		input.ACL = types.ObjectCannedACL(in.ACL)
	}
	if in.ContentDisposition != "" {
		input.ContentDisposition = aws.String(in.ContentDisposition)
	}
	if in.ServerSideEncryption != "" {
		input.ServerSideEncryption = types.ServerSideEncryption(in.ServerSideEncryption)
	}

	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, &OpError{Op: "CreateMultipartUpload", Bucket: bucket, Key: in.Key, Err: err}
	}

	return &UploadState{
		Bucket:   bucket,
		Key:      in.Key,
		UploadID: aws.ToString(out.UploadId),
		PartSize: partSizeFor(in.Size, s.partSize),
		Parts:    make(map[int32]string),
	}, nil
}

// uploadParts sends every part missing from st, recording acknowledged
// ETags in st. All parts are attempted even when some fail.
func (s *S3Store) uploadParts(ctx context.Context, in *transfer.UploadInput, st *UploadState) error {
	total := partCount(in.Size, st.PartSize)

	var (
		mu   sync.Mutex
		errs []error
	)

	g := new(errgroup.Group)
	if in.Concurrency > 0 {
		g.SetLimit(in.Concurrency)
	}

	var outstanding []int32
	for n := int32(1); n <= total; n++ {
		if _, done := st.Parts[n]; !done {
			outstanding = append(outstanding, n)
		}
	}

	for _, n := range outstanding {
		g.Go(func() error {
			etag, err := s.uploadPart(ctx, in, st, n)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("part %d: %w", n, err))
				return nil
			}
			st.Parts[n] = etag
			return nil
		})
	}
	g.Wait()

	return errors.Join(errs...)
}

func (s *S3Store) uploadPart(ctx context.Context, in *transfer.UploadInput, st *UploadState, n int32) (string, error) {
	off, length := partRange(n, in.Size, st.PartSize)

	var etag string
	op := func() error {
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(st.Bucket),
			Key:           aws.String(st.Key),
			UploadId:      aws.String(st.UploadID),
			PartNumber:    aws.Int32(n),
			Body:          io.NewSectionReader(in.Body, off, length),
			ContentLength: aws.Int64(length),
		})
		if err != nil {
			err = &OpError{Op: "UploadPart", Bucket: st.Bucket, Key: st.Key, Err: err}
			if isNoSuchUpload(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.partRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", err
	}
	return etag, nil
}

func (s *S3Store) complete(ctx context.Context, st *UploadState) error {
	numbers := slices.Sorted(maps.Keys(st.Parts))
	parts := make([]types.CompletedPart, 0, len(numbers))
	for _, n := range numbers {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(st.Parts[n]),
			PartNumber: aws.Int32(n),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(st.Bucket),
		Key:             aws.String(st.Key),
		UploadId:        aws.String(st.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return &OpError{Op: "CompleteMultipartUpload", Bucket: st.Bucket, Key: st.Key, Err: err}
	}
	return nil
}

// Abort releases the multipart upload recorded in state. Completed objects
// are left untouched.
func (s *S3Store) Abort(ctx context.Context, state any) error {
	st, ok := state.(*UploadState)
	if !ok {
		return fmt.Errorf("abort: unexpected resume state %T", state)
	}
	if st.UploadID == "" {
		return nil
	}

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(st.Bucket),
		Key:      aws.String(st.Key),
		UploadId: aws.String(st.UploadID),
	})
	if err != nil && !isNoSuchUpload(err) {
		return &OpError{Op: "AbortMultipartUpload", Bucket: st.Bucket, Key: st.Key, Err: err}
	}
	return nil
}

// WriteManifest writes the manifest JSON to S3.
func (s *S3Store) WriteManifest(ctx context.Context, key string, manifest *Manifest, sse string) error {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	opts := &blob.WriterOptions{
		ContentType: "application/json",
		BeforeWrite: func(as func(any) bool) error {
			var input *s3.PutObjectInput
			if sse != "" && as(&input) {
				input.ServerSideEncryption = types.ServerSideEncryption(sse)
			}
			return nil
		},
	}

	w, err := s.manifests.NewWriter(ctx, key, opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write manifest to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

// URI returns the canonical URI for the given key.
func (s *S3Store) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// Close releases the manifest bucket.
func (s *S3Store) Close() error {
	if s.manifests != nil {
		return s.manifests.Close()
	}
	return nil
}

func (s *S3Store) bucketFor(t transfer.Target) string {
	if t.Bucket != "" {
		return t.Bucket
	}
	return s.bucket
}

func isNoSuchUpload(err error) bool {
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}
