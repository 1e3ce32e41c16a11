package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/metrics"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/slice"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/transfer"
)

// Destination is where the slices of one sliced file are written.
type Destination struct {
	Bucket               string
	KeyPrefix            string
	ACL                  string
	ServerSideEncryption string
}

// Target returns the transfer target of s.
func (d Destination) Target(s slice.Slice) transfer.Target {
	return transfer.Target{
		Bucket:               d.Bucket,
		Key:                  s.Key(d.KeyPrefix),
		ACL:                  d.ACL,
		ServerSideEncryption: d.ServerSideEncryption,
		ContentDisposition:   fmt.Sprintf("attachment; filename=%s;", s.Name),
	}
}

// BatchOptions bound the work of one batch.
type BatchOptions struct {
	// MaxRetries is the number of retry rounds a batch may run.
	MaxRetries int

	// SingleFileConcurrency is the part concurrency when a round carries
	// a single transfer; MultiFileConcurrency applies otherwise.
	SingleFileConcurrency int
	MultiFileConcurrency  int

	// FileConcurrency caps transfers running at once; 0 runs the whole
	// round together.
	FileConcurrency int
}

// BatchResult describes a delivered batch.
type BatchResult struct {
	RetryRounds int
	Rejections  int
}

// BatchUploader drives every slice of a batch to completion, resuming only
// the transfers that failed.
type BatchUploader struct {
	transport transfer.Transport
	opts      BatchOptions
	log       *slog.Logger
	metrics   *metrics.Metrics
	labels    metrics.Labels
}

// NewBatchUploader creates a batch uploader. m may be nil.
func NewBatchUploader(transport transfer.Transport, opts BatchOptions, log *slog.Logger, m *metrics.Metrics, labels metrics.Labels) *BatchUploader {
	if log == nil {
		log = slog.Default()
	}
	return &BatchUploader{
		transport: transport,
		opts:      opts,
		log:       log,
		metrics:   m,
		labels:    labels,
	}
}

// Upload delivers batch. Each round runs its transfers concurrently and
// waits for all of them to settle before the rejected ones are resumed in
// the next round. The retry budget is local to this call.
func (b *BatchUploader) Upload(ctx context.Context, batch []slice.Slice, dest Destination) (BatchResult, error) {
	var res BatchResult

	round := make([]*transfer.Handle, len(batch))
	for i, s := range batch {
		round[i] = transfer.New(b.transport, s, dest.Target(s))
	}

	retries := 0
	for {
		b.settle(ctx, round)

		var rejected []*transfer.Handle
		for _, h := range round {
			if h.Status() == transfer.Rejected {
				rejected = append(rejected, h)
			}
		}
		if len(rejected) == 0 {
			return res, nil
		}
		res.Rejections += len(rejected)
		if b.metrics != nil {
			b.metrics.AddTransfersRejected(b.labels, len(rejected))
		}

		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("batch interrupted after %d retry rounds: %w", res.RetryRounds, err)
		}

		retries++
		if retries > b.opts.MaxRetries {
			return res, exhausted(rejected, res.RetryRounds)
		}

		b.log.Warn("transfers rejected, resuming",
			"rejected", len(rejected),
			"retry_round", retries,
			"max_retries", b.opts.MaxRetries,
			"error", rejected[0].Err(),
		)

		next := make([]*transfer.Handle, 0, len(rejected))
		for _, h := range rejected {
			resumed, err := h.Resume()
			if err != nil {
				return res, err
			}
			next = append(next, resumed)
		}
		round = next
		res.RetryRounds++
		if b.metrics != nil {
			b.metrics.IncRetryRounds(b.labels)
		}
	}
}

// settle runs every handle of the round and returns once all of them have
// finished. Individual failures are recorded on the handles.
func (b *BatchUploader) settle(ctx context.Context, round []*transfer.Handle) {
	parts := b.opts.SingleFileConcurrency
	if len(round) > 1 {
		parts = b.opts.MultiFileConcurrency
	}

	g := new(errgroup.Group)
	if b.opts.FileConcurrency > 0 {
		g.SetLimit(b.opts.FileConcurrency)
	}

	for _, h := range round {
		h.SetConcurrency(parts)
		g.Go(func() error {
			if b.metrics != nil {
				b.metrics.AddInFlightTransfers(1)
				defer b.metrics.AddInFlightTransfers(-1)
			}

			s := h.Slice()
			if err := h.Run(ctx); err != nil {
				b.log.Debug("transfer rejected", "path", s.Path, "key", h.Target().Key, "attempt", h.Attempt(), "error", err)
				return nil
			}

			if b.metrics != nil {
				if s.Empty() {
					b.metrics.IncDirectPuts(b.labels)
				}
				b.metrics.IncSlicesUploaded(b.labels, s.Size)
			}
			return nil
		})
	}
	g.Wait()
}

func exhausted(rejected []*transfer.Handle, rounds int) *Error {
	paths := make([]string, len(rejected))
	errs := make([]error, len(rejected))
	var states []any
	for i, h := range rejected {
		paths[i] = h.Slice().Path
		errs[i] = h.Err()
		if st := h.ResumeState(); st != nil {
			states = append(states, st)
		}
	}
	return &Error{
		Kind:        KindRetriesExhausted,
		Op:          "upload batch",
		Unresolved:  paths,
		RetryRounds: rounds,
		Err:         errors.Join(errs...),
		states:      states,
	}
}
