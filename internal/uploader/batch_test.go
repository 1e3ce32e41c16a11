package uploader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/metrics"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/slice"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/transfer/transfertest"
)

func statSlices(t *testing.T, paths []string) []slice.Slice {
	t.Helper()
	slices, _, err := slice.Enumerate(paths)
	require.NoError(t, err)
	return slices
}

func TestBatchUploader_ResumesOnlyRejected(t *testing.T) {
	paths := writeFiles(t, 4, 12)
	fake := transfertest.New(4)
	fake.Fail = transfertest.FailTimes(3, 1, sliceKey(paths[1]))

	b := NewBatchUploader(fake, BatchOptions{MaxRetries: 10, SingleFileConcurrency: 20, MultiFileConcurrency: 5}, nil, nil, metrics.Labels{})
	res, err := b.Upload(context.Background(), statSlices(t, paths), Destination{KeyPrefix: testPrefix})
	require.NoError(t, err)

	assert.Equal(t, 3, res.RetryRounds)
	assert.Equal(t, 3, res.Rejections)
	assert.Equal(t, 4, fake.Calls(sliceKey(paths[1])))
	for _, i := range []int{0, 2, 3} {
		assert.Equal(t, 1, fake.Calls(sliceKey(paths[i])), "fulfilled transfers are not re-sent")
	}
	assert.Equal(t, int64(12), fake.Sent(sliceKey(paths[1])))
	assert.Equal(t, 4, fake.Objects())
}

func TestBatchUploader_NoRetries(t *testing.T) {
	paths := writeFiles(t, 2, 8)
	fake := transfertest.New(4)
	fake.Fail = transfertest.FailTimes(1, 0, sliceKey(paths[0]))

	b := NewBatchUploader(fake, BatchOptions{MaxRetries: 0}, nil, nil, metrics.Labels{})
	res, err := b.Upload(context.Background(), statSlices(t, paths), Destination{KeyPrefix: testPrefix})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Zero(t, res.RetryRounds)
	assert.Equal(t, 1, fake.Calls(sliceKey(paths[0])))

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, []string{paths[0]}, e.Unresolved)
	require.Len(t, e.states, 1)
	assert.Equal(t, &transfertest.State{Key: sliceKey(paths[0]), Offset: 0}, e.states[0])
}

func TestBatchUploader_CancelledBetweenRounds(t *testing.T) {
	paths := writeFiles(t, 1, 8)
	fake := transfertest.New(4)
	fake.Fail = transfertest.FailTimes(100, 1, sliceKey(paths[0]))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBatchUploader(fake, BatchOptions{MaxRetries: 10}, nil, nil, metrics.Labels{})
	res, err := b.Upload(ctx, statSlices(t, paths), Destination{KeyPrefix: testPrefix})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Zero(t, res.RetryRounds)
	assert.Equal(t, 1, fake.Calls(sliceKey(paths[0])))
}

func TestBatchUploader_CancelledWithBudgetSpent(t *testing.T) {
	paths := writeFiles(t, 1, 8)
	fake := transfertest.New(4)
	fake.Fail = transfertest.FailTimes(100, 0, sliceKey(paths[0]))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBatchUploader(fake, BatchOptions{MaxRetries: 0}, nil, nil, metrics.Labels{})
	_, err := b.Upload(ctx, statSlices(t, paths), Destination{KeyPrefix: testPrefix})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, Kind(""), KindOf(err))
}

func TestDestination_Target(t *testing.T) {
	paths := writeFiles(t, 1, 1)
	s := statSlices(t, paths)[0]

	d := Destination{Bucket: "bucket", KeyPrefix: testPrefix, ACL: "private", ServerSideEncryption: "AES256"}
	got := d.Target(s)
	assert.Equal(t, "bucket", got.Bucket)
	assert.Equal(t, testPrefix+"part-000.csv", got.Key)
	assert.Equal(t, "private", got.ACL)
	assert.Equal(t, "AES256", got.ServerSideEncryption)
	assert.Equal(t, "attachment; filename=part-000.csv;", got.ContentDisposition)
}
