package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnlimitedBucketNeverBlocks(t *testing.T) {
	b := NewBucket(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	require.NoError(t, b.Wait(ctx, 10_000_000))
}

func TestBucketAdmitsWithinBurstImmediately(t *testing.T) {
	b := NewBucket(1_048_576)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, b.Wait(ctx, 1024))
}

func TestBucketThrottlesOverLimit(t *testing.T) {
	b := NewBucket(1000) // 1000 bytes/sec, burst 1000

	start := time.Now()
	ctx := context.Background()
	// First 1000 bytes are free (burst); the next 500 must wait for
	// refill at ~1000 B/s, i.e. roughly half a second.
	require.NoError(t, b.Wait(ctx, 1000))
	require.NoError(t, b.Wait(ctx, 500))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
}

func TestManagerReturnsSameBucketPerUser(t *testing.T) {
	m := NewManager()
	b1 := m.Get("alice", 100)
	b2 := m.Get("alice", 999999) // limit ignored on second call
	require.Same(t, b1, b2)
}
