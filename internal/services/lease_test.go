package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/models"
)

func TestMemoryLeaseExclusive(t *testing.T) {
	l := NewMemoryLease()
	ctx := context.Background()

	token, ok, err := l.Acquire(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = l.Acquire(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = l.Acquire(ctx, 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "leases are per receipt")

	held, err := l.Held(ctx, 1)
	require.NoError(t, err)
	assert.True(t, held)

	// a stale token cannot release someone else's lease
	require.NoError(t, l.Release(ctx, 1, "not-the-token"))
	held, _ = l.Held(ctx, 1)
	assert.True(t, held)

	require.NoError(t, l.Release(ctx, 1, token))
	held, _ = l.Held(ctx, 1)
	assert.False(t, held)

	_, _, err = l.Acquire(ctx, 3, 0)
	assert.Error(t, err)
}

func TestMemoryLeaseExpiry(t *testing.T) {
	l := NewMemoryLease()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	token, ok, err := l.Acquire(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(50 * time.Second)
	ok, err = l.Refresh(ctx, 1, token, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(50 * time.Second)
	held, _ := l.Held(ctx, 1)
	assert.True(t, held, "refresh extended the lease")

	now = now.Add(time.Minute)
	held, _ = l.Held(ctx, 1)
	assert.False(t, held)

	ok, err = l.Refresh(ctx, 1, token, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "an expired lease cannot be refreshed")

	_, ok, _ = l.Acquire(ctx, 1, time.Minute)
	assert.True(t, ok)
}

func TestMemoryLeaseConcurrentAcquire(t *testing.T) {
	l := NewMemoryLease()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.Acquire(context.Background(), 42, time.Minute); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestLogNotifierAcceptsEvents(t *testing.T) {
	n := NewLogNotifier(logger.Nop())
	err := n.Publish(context.Background(), models.ProgressEvent{
		ReceiptID:          1,
		Status:             models.ReceiptStatusProcessing,
		ProcessingStep:     models.StepOCRInProgress,
		ProgressPercentage: models.StepOCRInProgress.Progress(),
	})
	assert.NoError(t, err)
}

func TestRedisNotifierChannels(t *testing.T) {
	n := NewRedisNotifier(nil, "", logger.Nop())
	assert.Equal(t, "receipts:receipt:12", n.ReceiptChannel(12))
	assert.Equal(t, "receipts:events", n.FeedChannel())
}
