package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	got, err := backoff.Retry(context.Background(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return calls, nil
	}, fastBackoff.options(nil)...)
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestBackoff_MaxAttempts(t *testing.T) {
	b := fastBackoff
	b.MaxAttempts = 2

	calls := 0
	boom := errors.New("boom")
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		calls++
		return struct{}{}, boom
	}, b.options(nil)...)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestBackoff_PermanentStops(t *testing.T) {
	var notified []error
	notify := func(err error, _ time.Duration) { notified = append(notified, err) }

	calls := 0
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		calls++
		if calls == 1 {
			return struct{}{}, errors.New("transient")
		}
		return struct{}{}, permanent(ErrNotFound)
	}, fastBackoff.options(notify)...)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, isPermanent(err))
	assert.Equal(t, 2, calls)
	assert.Len(t, notified, 1)
}

func TestBackoff_WaitsGrowWithinBounds(t *testing.T) {
	b := Backoff{MinWait: 2 * time.Millisecond, MaxWait: 4 * time.Millisecond, MaxAttempts: 5}

	var waits []time.Duration
	notify := func(_ error, wait time.Duration) { waits = append(waits, wait) }
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, errors.New("transient")
	}, b.options(notify)...)
	require.Error(t, err)

	require.Len(t, waits, 4)
	for _, w := range waits {
		assert.Positive(t, w)
		// Jitter may push a wait up to half past the cap.
		assert.LessOrEqual(t, w, 6*time.Millisecond)
	}
}

func TestBackoff_CancelDuringWait(t *testing.T) {
	b := Backoff{MinWait: time.Hour, MaxWait: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, errors.New("boom")
	}, b.options(nil)...)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchPDU_CancelledContextSkipsRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(setupTestStore(t), WithBackoff(fastBackoff), WithClientLogger(discardLogger()),
		WithPeers(map[string]string{"b.example": "http://127.0.0.1:1"}))
	err := c.FetchPDU(ctx, "b.example", "b.example", "p1", false)
	assert.ErrorIs(t, err, context.Canceled)
}
