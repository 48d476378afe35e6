package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yalathiya/tokenbucket/internal/logging"
	"github.com/yalathiya/tokenbucket/internal/metrics"
)

var ErrInvalidSettings = errors.New("ratelimit: invalid settings")

// Settings configures the per-client buckets of a Limiter.
type Settings struct {
	FillInterval  time.Duration
	Capacity      uint64
	Quantum       uint64
	InitialTokens uint64
	// MaxWait is how long a request may be held back waiting for its
	// token. Zero rejects as soon as the bucket is empty.
	MaxWait time.Duration
	// Clock defaults to SystemClock.
	Clock Clock
}

func (s Settings) validate() error {
	if s.FillInterval <= 0 {
		return fmt.Errorf("%w: fill interval %v", ErrInvalidSettings, s.FillInterval)
	}
	if s.Quantum == 0 {
		return fmt.Errorf("%w: quantum is zero", ErrInvalidSettings)
	}
	if s.MaxWait < 0 {
		return fmt.Errorf("%w: negative max wait %v", ErrInvalidSettings, s.MaxWait)
	}
	return nil
}

// clientBucket is one client's bucket plus the reservation it is still
// waiting on. A committed wait drains the bucket without recording the
// tokens it owes, so while a reservation is in flight the tokens accruing
// in the bucket belong to it and nobody else may take or reserve.
type clientBucket struct {
	bucket *LockedBucket

	mu      sync.Mutex
	readyAt time.Time
	owed    uint64
}

// reserve takes one token at now, waiting at most maxWait for it.
func (c *clientBucket) reserve(now time.Time, maxWait time.Duration) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Before(c.readyAt) {
		return 0, false
	}
	if c.owed > 0 {
		// hand the tokens accrued since the last commit to that reservation
		c.bucket.TakeAvailable(c.owed)
		c.owed = 0
	}

	wait, ok := c.bucket.TakeMaxDuration(1, maxWait)
	if ok && wait > 0 {
		c.readyAt = now.Add(wait)
		c.owed = 1
	}
	return wait, ok
}

// generation is a settings snapshot together with the buckets built from
// it. Reconfigure swaps in a new generation, so a bucket created from old
// settings can only land in a map that is no longer reachable.
type generation struct {
	settings Settings
	clients  sync.Map // map[key]*clientBucket
}

func (g *generation) client(key string) *clientBucket {
	if v, ok := g.clients.Load(key); ok {
		return v.(*clientBucket)
	}
	s := g.settings
	c := &clientBucket{
		bucket: NewLockedBucket(NewBucketWithClock(s.FillInterval, s.Capacity, s.Quantum, s.InitialTokens, s.Clock)),
	}
	v, _ := g.clients.LoadOrStore(key, c)
	return v.(*clientBucket)
}

// Limiter holds buckets keyed by client identifier
type Limiter struct {
	gen atomic.Pointer[generation]
	log *slog.Logger
}

// NewLimiter creates a limiter that gives every client its own bucket.
func NewLimiter(s Settings, log *slog.Logger) (*Limiter, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	l := &Limiter{log: log}
	if err := l.Reconfigure(s); err != nil {
		return nil, err
	}
	return l, nil
}

// Reconfigure replaces the settings and drops every existing bucket, so
// clients start again from InitialTokens.
func (l *Limiter) Reconfigure(s Settings) error {
	if err := s.validate(); err != nil {
		return err
	}
	if s.Clock == nil {
		s.Clock = SystemClock{}
	}
	l.gen.Store(&generation{settings: s})
	return nil
}

// Reset forgets every client bucket.
func (l *Limiter) Reset() {
	l.gen.Store(&generation{settings: l.gen.Load().settings})
}

// Bucket returns the bucket for key, creating it on first use. Taking from
// it directly bypasses the one-waiter-per-client rule of Middleware.
func (l *Limiter) Bucket(key string) *LockedBucket {
	return l.gen.Load().client(key).bucket
}

func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfter is the time for one token to accrue, in whole seconds, at
// least 1.
func retryAfter(b *LockedBucket) string {
	perToken := b.FillInterval() / time.Duration(b.Quantum())
	secs := int64(math.Ceil(perToken.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// Middleware enforces rate-limits before calling next handler. A request
// that has to wait for its token is held on the limiter's clock for at
// most MaxWait; only one such request per client is in flight at a time.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gen := l.gen.Load()
		clock := gen.settings.Clock
		key := clientKey(r)
		c := gen.client(key)

		wait, admitted := c.reserve(clock.Now(), gen.settings.MaxWait)

		w.Header().Set("X-RateLimit-Limit", strconv.FormatUint(c.bucket.Capacity(), 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatUint(c.bucket.Available(), 10))

		if !admitted {
			metrics.IncRateLimitHit()
			w.Header().Set("Retry-After", retryAfter(c.bucket))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		metrics.IncAdmitted()

		if wait > 0 {
			metrics.ObserveWait(wait)
			select {
			case <-clock.After(wait):
			case <-r.Context().Done():
				l.log.Debug("request ended while throttled",
					slog.String("client", key),
					logging.Duration(wait),
					logging.Error(r.Context().Err()))
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
