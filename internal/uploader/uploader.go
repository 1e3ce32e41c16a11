// Package uploader uploads a set of local files as the slices of one sliced
// file. Slices are sent in ordered batches, each batch resuming its failed
// transfers until everything is delivered or the retry budget runs out, and
// a manifest listing every slice is written once at the end.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/compress"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/logging"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/metrics"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/slice"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/storage"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/storageapi"
)

// Defaults applied to zero Config fields.
const (
	DefaultBatchSize             = 50
	DefaultMaxRetriesPerBatch    = 10
	DefaultSingleFileConcurrency = 20
	DefaultMultiFileConcurrency  = 5

	// NoRetries as MaxRetriesPerBatch fails a batch on its first rejection.
	NoRetries = -1
)

// Preparer registers a file with the Storage API.
type Preparer interface {
	Prepare(ctx context.Context, req *storageapi.PrepareRequest) (*storageapi.PreparedFile, error)
}

// StoreOpener opens the object store for a prepared destination.
type StoreOpener func(ctx context.Context, dest storage.Destination) (storage.Store, error)

// Config tunes the uploader.
type Config struct {
	BatchSize int

	// MaxRetriesPerBatch is the number of retry rounds each batch may run.
	MaxRetriesPerBatch int

	SingleFileConcurrency int
	MultiFileConcurrency  int
	FileConcurrency       int

	// Codec and StagingDir are used when Options.Compress is set.
	Codec      compress.Codec
	StagingDir string

	// AbortOnFailure releases the multipart uploads of unresolved slices
	// after retries run out.
	AbortOnFailure bool

	// Backend labels metrics.
	Backend string
}

// Options describe one sliced upload.
type Options struct {
	FileName  string
	Sliced    bool
	Compress  bool
	Encrypted bool
	Tags      []string
}

// Result describes a completed sliced upload.
type Result struct {
	RunID       string
	FileID      int64
	ManifestKey string
	ManifestURI string

	Slices  int
	Batches int

	// Bytes is the aggregate size of the input files; UploadedBytes is
	// what was sent, which differs when slices were compressed.
	Bytes         int64
	UploadedBytes int64

	RetryRounds int
}

// Uploader runs sliced uploads.
type Uploader struct {
	cfg         Config
	preparer    Preparer
	open        StoreOpener
	checkpoints checkpoint.Manager
	metrics     *metrics.Metrics
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithCheckpoints records run progress with m.
func WithCheckpoints(m checkpoint.Manager) Option {
	return func(u *Uploader) {
		if m != nil {
			u.checkpoints = m
		}
	}
}

// WithMetrics records metrics with m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(u *Uploader) {
		u.metrics = m
	}
}

// New creates an uploader.
func New(cfg Config, preparer Preparer, open StoreOpener, opts ...Option) *Uploader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	switch {
	case cfg.MaxRetriesPerBatch == 0:
		cfg.MaxRetriesPerBatch = DefaultMaxRetriesPerBatch
	case cfg.MaxRetriesPerBatch < 0:
		cfg.MaxRetriesPerBatch = 0
	}
	if cfg.SingleFileConcurrency <= 0 {
		cfg.SingleFileConcurrency = DefaultSingleFileConcurrency
	}
	if cfg.MultiFileConcurrency <= 0 {
		cfg.MultiFileConcurrency = DefaultMultiFileConcurrency
	}
	if cfg.Codec == "" {
		cfg.Codec = compress.Gzip
	}

	u := &Uploader{
		cfg:         cfg,
		preparer:    preparer,
		open:        open,
		checkpoints: checkpoint.Noop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// UploadSliced uploads paths as the slices of one sliced file and returns
// the prepared file. Nothing is prepared when the input is invalid or a
// path is not readable. The manifest is written only after every slice has
// been delivered.
func (u *Uploader) UploadSliced(ctx context.Context, paths []string, opts Options) (*Result, error) {
	runID := logging.RunID(ctx)
	if runID == "" {
		runID = logging.NewRunID()
		ctx = logging.WithRunID(ctx, runID)
	}
	log := logging.RunLogger(runID, opts.FileName)
	labels := metrics.Labels{Backend: u.cfg.Backend}

	start := time.Now()
	res, err := u.upload(ctx, runID, log, paths, opts)
	elapsed := time.Since(start)

	if err != nil {
		kind := KindOf(err)
		if u.metrics != nil {
			l := labels
			l.Kind = string(kind)
			if l.Kind == "" {
				l.Kind = "other"
			}
			u.metrics.IncUploadsFailed(l)
		}
		log.Error("sliced upload failed", "kind", kind, "error", err)
		return nil, err
	}

	if u.metrics != nil {
		u.metrics.IncUploadsCompleted(labels)
		u.metrics.ObserveUploadDuration(labels, elapsed.Seconds())
	}
	log.Info("sliced upload complete",
		"file_id", res.FileID,
		"slices", res.Slices,
		"batches", res.Batches,
		"retry_rounds", res.RetryRounds,
		"size", humanize.IBytes(uint64(res.Bytes)),
		"duration", elapsed.Round(time.Millisecond),
	)
	return res, nil
}

func enumerateError(op string, err error) error {
	if errors.Is(err, slice.ErrDuplicateName) {
		return newError(KindInvalidInput, op, err)
	}
	return newError(KindFileNotReadable, op, err)
}

func (u *Uploader) upload(ctx context.Context, runID string, log *slog.Logger, paths []string, opts Options) (*Result, error) {
	if !opts.Sliced {
		return nil, newError(KindInvalidInput, "validate", errors.New("sliced flag not set"))
	}
	if strings.TrimSpace(opts.FileName) == "" {
		return nil, newError(KindInvalidInput, "validate", errors.New("file name required"))
	}

	slices, total, err := slice.Enumerate(paths)
	if err != nil {
		return nil, enumerateError("enumerate slices", err)
	}
	log.Info("slices enumerated", "slices", len(slices), "size", humanize.IBytes(uint64(total)))

	if opts.Compress && len(paths) > 0 {
		staged, err := u.stage(ctx, log, paths)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := staged.Cleanup(); err != nil {
				log.Warn("failed to remove staging directory", "error", err)
			}
		}()

		slices, _, err = slice.Enumerate(staged.Paths)
		if err != nil {
			return nil, enumerateError("enumerate staged slices", err)
		}
	}

	prepared, err := u.preparer.Prepare(ctx, &storageapi.PrepareRequest{
		Name:            opts.FileName,
		SizeBytes:       total,
		Sliced:          true,
		FederationToken: true,
		Encrypted:       opts.Encrypted,
		Tags:            opts.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("prepare file: %w", err)
	}
	params := prepared.UploadParams
	log = log.With("file_id", prepared.ID)
	log.Info("file prepared", "bucket", params.Bucket, "key_prefix", params.Key)

	store, err := u.open(ctx, storage.Destination{
		Bucket: params.Bucket,
		Region: prepared.Region,
		Credentials: storage.Credentials{
			AccessKeyID:     params.Credentials.AccessKeyID,
			SecretAccessKey: params.Credentials.SecretAccessKey,
			SessionToken:    params.Credentials.SessionToken,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close store", "error", err)
		}
	}()

	dest := Destination{
		Bucket:    params.Bucket,
		KeyPrefix: params.Key,
		ACL:       params.ACL,
	}
	if opts.Encrypted {
		dest.ServerSideEncryption = params.ServerSideEncryption
	}

	labels := metrics.Labels{Backend: u.cfg.Backend}
	batches := NewBatchUploader(store, BatchOptions{
		MaxRetries:            u.cfg.MaxRetriesPerBatch,
		SingleFileConcurrency: u.cfg.SingleFileConcurrency,
		MultiFileConcurrency:  u.cfg.MultiFileConcurrency,
		FileConcurrency:       u.cfg.FileConcurrency,
	}, log, u.metrics, labels)
	manifest := NewManifestWriter(store, dest.KeyPrefix, dest.ServerSideEncryption)
	dispatcher := NewDispatcher(batches, manifest, store.URI, u.cfg.BatchSize, log)

	cp := &checkpoint.Checkpoint{
		RunID:        runID,
		FileID:       prepared.ID,
		FileName:     opts.FileName,
		Status:       checkpoint.StatusRunning,
		BatchesTotal: len(slice.Batches(slices, u.cfg.BatchSize)),
		ManifestKey:  manifest.Key(),
	}
	u.saveCheckpoint(ctx, log, cp)

	dispatcher.OnBatch = func(ctx context.Context, p Progress) {
		cp.BatchesCompleted = p.Batch
		cp.SlicesUploaded = p.SlicesUploaded
		cp.RetryRounds = p.RetryRounds
		u.saveCheckpoint(ctx, log, cp)
	}

	dr, err := dispatcher.Dispatch(ctx, slices, dest)
	if err != nil {
		u.fail(ctx, log, cp, err)
		if u.cfg.AbortOnFailure {
			u.abortUnresolved(log, store, err)
		}
		return nil, err
	}

	if err := manifest.Write(ctx); err != nil {
		u.fail(ctx, log, cp, err)
		return nil, err
	}
	if u.metrics != nil {
		u.metrics.IncManifestsWritten(labels)
	}

	cp.Status = checkpoint.StatusSucceeded
	cp.RetryRounds = dr.RetryRounds
	u.saveCheckpoint(ctx, log, cp)

	return &Result{
		RunID:         runID,
		FileID:        prepared.ID,
		ManifestKey:   manifest.Key(),
		ManifestURI:   store.URI(manifest.Key()),
		Slices:        dr.Slices,
		Batches:       dr.Batches,
		Bytes:         total,
		UploadedBytes: dr.Bytes,
		RetryRounds:   dr.RetryRounds,
	}, nil
}

func (u *Uploader) stage(ctx context.Context, log *slog.Logger, paths []string) (*compress.Staged, error) {
	stager, err := compress.NewStager(u.cfg.Codec, u.cfg.StagingDir)
	if err != nil {
		return nil, newError(KindInvalidInput, "compress slices", err)
	}

	start := time.Now()
	staged, err := stager.Stage(ctx, paths)
	if err != nil {
		return nil, newError(KindFileNotReadable, "compress slices", err)
	}
	log.Info("slices compressed",
		"codec", u.cfg.Codec,
		"compressed", staged.Compressed,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return staged, nil
}

func (u *Uploader) fail(ctx context.Context, log *slog.Logger, cp *checkpoint.Checkpoint, err error) {
	cp.Status = checkpoint.StatusFailed
	cp.Error = err.Error()

	var e *Error
	if errors.As(err, &e) {
		cp.Unresolved = e.Unresolved
		cp.RetryRounds += e.RetryRounds
	}
	// The run context may be cancelled already.
	u.saveCheckpoint(context.WithoutCancel(ctx), log, cp)
}

// abortUnresolved releases the storage held by transfers that never
// completed.
func (u *Uploader) abortUnresolved(log *slog.Logger, store storage.Store, err error) {
	var e *Error
	if !errors.As(err, &e) || len(e.states) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, st := range e.states {
		if err := store.Abort(ctx, st); err != nil {
			log.Warn("failed to abort unresolved upload", "error", err)
		}
	}
	log.Info("aborted unresolved uploads", "count", len(e.states))
}

func (u *Uploader) saveCheckpoint(ctx context.Context, log *slog.Logger, cp *checkpoint.Checkpoint) {
	cp.UpdatedAt = time.Now().UTC()
	if err := u.checkpoints.Save(ctx, cp); err != nil {
		log.Warn("failed to save checkpoint", "error", err)
	}
}
