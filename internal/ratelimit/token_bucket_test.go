package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	mock := clock.NewMock()
	tb := NewTokenBucketWithClock(2, 2, mock)

	assert.True(t, tb.Allow(1))
	assert.True(t, tb.Allow(1))
	assert.False(t, tb.Allow(1))

	mock.Add(500 * time.Millisecond)
	assert.True(t, tb.Allow(1))
	assert.False(t, tb.Allow(1))

	// Refill never exceeds burst.
	mock.Add(time.Hour)
	assert.True(t, tb.Allow(2))
	assert.False(t, tb.Allow(1))
}

func TestTokenBucket_WaitImmediate(t *testing.T) {
	tb := NewTokenBucket(10, 1)
	waited, err := tb.Wait(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, waited)
}

func TestTokenBucket_WaitBlocksUntilRefill(t *testing.T) {
	tb := NewTokenBucket(50, 1)
	require.True(t, tb.Allow(1))

	start := time.Now()
	waited, err := tb.Wait(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, waited)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestTokenBucket_WaitCanceled(t *testing.T) {
	tb := NewTokenBucket(0, 1)
	require.True(t, tb.Allow(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	waited, err := tb.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, waited)
}
