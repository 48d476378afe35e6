package ratelimit

import "time"

// Clock is the time source a Bucket reconciles against and a Limiter
// waits on.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// SystemClock reads the process clock. time.Now carries a monotonic
// reading, so elapsed time computed with Sub is not affected by wall
// clock adjustments.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) Sleep(d time.Duration)                  { time.Sleep(d) }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
