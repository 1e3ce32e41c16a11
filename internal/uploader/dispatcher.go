package uploader

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/logging"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/metrics"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/slice"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/storage"
)

// Progress is reported after every delivered batch.
type Progress struct {
	Batch          int // 1-based index of the batch just delivered
	Batches        int
	SlicesUploaded int
	RetryRounds    int // accumulated over all delivered batches
}

// DispatchResult summarizes a completed dispatch.
type DispatchResult struct {
	Batches     int
	Slices      int
	Bytes       int64
	RetryRounds int
}

// Dispatcher feeds slices to the batch uploader one batch at a time and
// adds the manifest entries of every delivered batch.
type Dispatcher struct {
	batches   *BatchUploader
	manifest  *ManifestWriter
	uri       func(key string) string
	batchSize int
	log       *slog.Logger
	metrics   *metrics.Metrics
	labels    metrics.Labels

	// OnBatch, when set, is called after each delivered batch.
	OnBatch func(ctx context.Context, p Progress)
}

// NewDispatcher creates a dispatcher. uri maps object keys to the URLs
// recorded in the manifest.
func NewDispatcher(batches *BatchUploader, manifest *ManifestWriter, uri func(string) string, batchSize int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		batches:   batches,
		manifest:  manifest,
		uri:       uri,
		batchSize: batchSize,
		log:       log,
		metrics:   batches.metrics,
		labels:    batches.labels,
	}
}

// Dispatch uploads slices in batches of at most batchSize, strictly in
// order. A batch failure stops the dispatch; later batches never start.
func (d *Dispatcher) Dispatch(ctx context.Context, slices []slice.Slice, dest Destination) (DispatchResult, error) {
	batches := slice.Batches(slices, d.batchSize)
	res := DispatchResult{Batches: len(batches)}

	for i, batch := range batches {
		log := logging.BatchLogger(d.log, i+1, len(batches), len(batch))

		// Entries are derived before the transfers run so their order is
		// the enumeration order, whatever order the transfers finish in.
		entries := make([]storage.ManifestEntry, len(batch))
		for j, s := range batch {
			entries[j] = storage.ManifestEntry{URL: d.uri(s.Key(dest.KeyPrefix))}
		}

		size := slice.TotalSize(batch)
		log.Info("uploading batch", "bytes", humanize.IBytes(uint64(size)))
		start := time.Now()

		br, err := d.batches.Upload(ctx, batch, dest)
		res.RetryRounds += br.RetryRounds
		if err != nil {
			log.Error("batch failed", "retry_rounds", br.RetryRounds, "error", err)
			return res, err
		}

		d.manifest.Add(entries...)
		res.Slices += len(batch)
		res.Bytes += size

		elapsed := time.Since(start)
		if d.metrics != nil {
			d.metrics.IncBatchesCompleted(d.labels)
			d.metrics.ObserveBatchDuration(d.labels, elapsed.Seconds())
		}
		log.Info("batch uploaded",
			"retry_rounds", br.RetryRounds,
			"duration", elapsed.Round(time.Millisecond),
		)

		if d.OnBatch != nil {
			d.OnBatch(ctx, Progress{
				Batch:          i + 1,
				Batches:        len(batches),
				SlicesUploaded: res.Slices,
				RetryRounds:    res.RetryRounds,
			})
		}
	}

	return res, nil
}
