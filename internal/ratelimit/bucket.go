// Package ratelimit implements the per-user token bucket bandwidth
// limiter (spec.md §3 BandwidthBucket, §4 C7).
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Bucket throttles one user's byte flow to limitBps bytes/sec, capacity
// equal to one second's worth of tokens, refilled continuously off a
// monotonic clock (golang.org/x/time/rate does this internally). A
// limitBps of 0 means unlimited: Wait never blocks.
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket constructs a bucket for the given limit. limitBps <= 0 means
// unlimited.
func NewBucket(limitBps int64) *Bucket {
	if limitBps <= 0 {
		return &Bucket{limiter: nil}
	}
	burst := int(limitBps)
	if int64(burst) != limitBps {
		burst = int(^uint(0) >> 1) // clamp on 32-bit platforms
	}
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(limitBps), burst)}
}

// Wait blocks cooperatively until n tokens are available, or until ctx
// is done. Requests larger than the bucket's burst (one second's worth
// of bytes) still eventually succeed: they are taken in burst-sized
// chunks, which matches "requests for n bytes block until n tokens are
// available" rather than rejecting oversize requests outright.
func (b *Bucket) Wait(ctx context.Context, n int) error {
	if b.limiter == nil || n <= 0 {
		return nil
	}
	// rate.Limiter.WaitN rejects burst < n outright; reserve in
	// chunks no larger than the bucket capacity instead so arbitrarily
	// large writes still throttle correctly.
	limit := b.limiter.Burst()
	for n > limit {
		if err := b.limiter.WaitN(ctx, limit); err != nil {
			return err
		}
		n -= limit
	}
	if n == 0 {
		return nil
	}
	return b.limiter.WaitN(ctx, n)
}

// Manager owns one Bucket per username, created on first use.
type Manager struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewManager returns an empty bucket manager.
func NewManager() *Manager {
	return &Manager{buckets: make(map[string]*Bucket)}
}

// Get returns the bucket for username, creating it with limitBps if this
// is the first request for that user. Subsequent calls ignore limitBps
// and return the existing bucket, so a user keeps the limit seen on
// their first session for the Manager's lifetime; a later change of the
// user's limit is not applied by this Manager.
func (m *Manager) Get(username string, limitBps int64) *Bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[username]
	if !ok {
		b = NewBucket(limitBps)
		m.buckets[username] = b
	}
	return b
}
