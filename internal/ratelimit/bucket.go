// Package ratelimit implements a lazily refilled token bucket and an HTTP
// middleware that gives each client its own bucket.
package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// Bucket is a token bucket that refills quantum tokens every fillInterval,
// up to capacity. Refill is lazy: the token count is reconstructed from
// elapsed time whenever a caller takes tokens, so an idle bucket costs
// nothing and needs no background goroutine.
//
// A Bucket is not safe for concurrent use. Wrap it in a LockedBucket when
// more than one goroutine takes from it.
type Bucket struct {
	capacity     uint64
	quantum      uint64
	fillInterval time.Duration

	// availableTokens is the count as of latestTick. It never goes below
	// zero and never exceeds capacity once an operation has returned.
	availableTokens uint64
	latestTick      time.Time

	clock Clock
}

// NewBucket returns a bucket holding initialTokens that gains quantum
// tokens every fillInterval, up to capacity.
//
// fillInterval and quantum must both be positive; NewBucket panics
// otherwise, since a bucket with either one at zero can never refill.
func NewBucket(fillInterval time.Duration, capacity, quantum, initialTokens uint64) *Bucket {
	return NewBucketWithClock(fillInterval, capacity, quantum, initialTokens, SystemClock{})
}

// NewBucketWithClock is like NewBucket but reads time from clock.
func NewBucketWithClock(fillInterval time.Duration, capacity, quantum, initialTokens uint64, clock Clock) *Bucket {
	if fillInterval <= 0 {
		panic(fmt.Sprintf("ratelimit: fill interval must be positive, got %v", fillInterval))
	}
	if quantum == 0 {
		panic("ratelimit: quantum must be positive")
	}
	return &Bucket{
		capacity:        capacity,
		quantum:         quantum,
		fillInterval:    fillInterval,
		availableTokens: initialTokens,
		latestTick:      clock.Now(),
		clock:           clock,
	}
}

// Capacity is the most tokens the bucket holds.
func (b *Bucket) Capacity() uint64 { return b.capacity }

// Quantum is the number of tokens added every FillInterval.
func (b *Bucket) Quantum() uint64 { return b.quantum }

// FillInterval is the time between additions of Quantum tokens.
func (b *Bucket) FillInterval() time.Duration { return b.fillInterval }

// Rate returns the fill rate in tokens per second.
func (b *Bucket) Rate() float64 {
	return float64(b.quantum) / b.fillInterval.Seconds()
}

// Available returns the token count as of the last reconciliation.
// It does not refill the bucket.
func (b *Bucket) Available() uint64 {
	if b.availableTokens > b.capacity {
		return b.capacity
	}
	return b.availableTokens
}

// adjust brings availableTokens up to date with now. Partial quanta are
// truncated and not carried over to the next call.
func (b *Bucket) adjust(now time.Time) {
	elapsed := now.Sub(b.latestTick)
	if elapsed < 0 {
		elapsed = 0
	}
	b.latestTick = now

	if b.availableTokens >= b.capacity {
		b.availableTokens = b.capacity
		return
	}

	tick := float64(elapsed) / float64(b.fillInterval)
	accrued := tick * float64(b.quantum)

	// compare against the room left before adding so the sum cannot wrap
	room := b.capacity - b.availableTokens
	if accrued >= float64(room) {
		b.availableTokens = b.capacity
		return
	}
	b.availableTokens += uint64(accrued)
	if b.availableTokens > b.capacity {
		b.availableTokens = b.capacity
	}
}

// TakeAvailable takes up to count tokens from the bucket without waiting
// and returns how many were taken. It returns 0 when the bucket is empty.
func (b *Bucket) TakeAvailable(count uint64) uint64 {
	if count == 0 {
		return 0
	}
	b.adjust(b.clock.Now())

	if count > b.availableTokens {
		count = b.availableTokens
	}
	b.availableTokens -= count
	return count
}

// TakeOneAvailable is shorthand for TakeAvailable(1).
func (b *Bucket) TakeOneAvailable() uint64 {
	return b.TakeAvailable(1)
}

// TakeMaxDuration takes count tokens from the bucket if they will be
// available within maxWait. It returns how long the caller must wait
// before using them, without sleeping.
//
// If the tokens cannot accrue within maxWait, TakeMaxDuration returns
// false and leaves the bucket untouched. Otherwise the withdrawal is
// committed at once, draining the bucket, and the caller should hold off
// for the returned duration before using the tokens. The bucket does not
// remember that the tokens accruing during that wait are spoken for;
// callers admitting more than one waiter must track that themselves.
func (b *Bucket) TakeMaxDuration(count uint64, maxWait time.Duration) (time.Duration, bool) {
	return b.take(count, maxWait)
}

// WaitMaxDuration is like TakeMaxDuration except that it sleeps until the
// tokens are available. It returns false, without sleeping, if the tokens
// would not be available within maxWait. The sleep cannot be interrupted.
func (b *Bucket) WaitMaxDuration(count uint64, maxWait time.Duration) bool {
	d, ok := b.take(count, maxWait)
	if d > 0 {
		b.clock.Sleep(d)
	}
	return ok
}

func (b *Bucket) take(count uint64, maxWait time.Duration) (time.Duration, bool) {
	if count == 0 {
		return 0, true
	}
	b.adjust(b.clock.Now())

	if count <= b.availableTokens {
		b.availableTokens -= count
		return 0, true
	}

	// deficit > 0: tokens still owed after draining what is there
	deficit := count - b.availableTokens
	wait := float64(b.fillInterval) * (float64(deficit) / float64(b.quantum))
	if wait > float64(maxWait) || wait >= math.MaxInt64 {
		return 0, false
	}

	b.availableTokens = 0
	return time.Duration(wait), true
}
