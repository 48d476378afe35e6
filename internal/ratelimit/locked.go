package ratelimit

import (
	"sync"
	"time"
)

// LockedBucket serializes access to a Bucket so it can be shared between
// goroutines. Each method is the Bucket method of the same name run under
// a mutex.
type LockedBucket struct {
	mu sync.Mutex
	b  *Bucket
}

// NewLockedBucket wraps b. The caller must not use b directly afterwards.
func NewLockedBucket(b *Bucket) *LockedBucket {
	return &LockedBucket{b: b}
}

// TakeAvailable is the serialized form of Bucket.TakeAvailable.
func (lb *LockedBucket) TakeAvailable(count uint64) uint64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.b.TakeAvailable(count)
}

// TakeOneAvailable is the serialized form of Bucket.TakeOneAvailable.
func (lb *LockedBucket) TakeOneAvailable() uint64 {
	return lb.TakeAvailable(1)
}

// TakeMaxDuration is the serialized form of Bucket.TakeMaxDuration.
func (lb *LockedBucket) TakeMaxDuration(count uint64, maxWait time.Duration) (time.Duration, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.b.take(count, maxWait)
}

// WaitMaxDuration is the serialized form of Bucket.WaitMaxDuration. It
// reserves under the lock and sleeps after releasing it, so other
// goroutines are not blocked while this one waits.
func (lb *LockedBucket) WaitMaxDuration(count uint64, maxWait time.Duration) bool {
	d, ok := lb.TakeMaxDuration(count, maxWait)
	if d > 0 {
		lb.b.clock.Sleep(d)
	}
	return ok
}

// Available is the serialized form of Bucket.Available.
func (lb *LockedBucket) Available() uint64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.b.Available()
}

// Capacity, Quantum, Rate and FillInterval read fields that never change
// after construction, so they skip the lock.
func (lb *LockedBucket) Capacity() uint64            { return lb.b.Capacity() }
func (lb *LockedBucket) Quantum() uint64             { return lb.b.Quantum() }
func (lb *LockedBucket) Rate() float64               { return lb.b.Rate() }
func (lb *LockedBucket) FillInterval() time.Duration { return lb.b.FillInterval() }
