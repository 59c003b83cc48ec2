package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fanout/pkg/clock"
	logx "fanout/pkg/logx"
)

// GlobalScope is the scope shared by every acquire that gates total egress.
const GlobalScope = "global"

var (
	ErrNoScopes      = errors.New("throttle: at least one scope is required")
	ErrInvalidBucket = errors.New("throttle: invalid bucket config")
)

// Bucket configures one token bucket: up to Capacity tokens, refilled
// continuously at Capacity tokens per Per.
type Bucket struct {
	Capacity int
	Per      time.Duration
}

func (b Bucket) validate(path string) error {
	if b.Capacity < 1 {
		return fmt.Errorf("%w: %s.capacity must be >= 1", ErrInvalidBucket, path)
	}
	if b.Per <= 0 {
		return fmt.Errorf("%w: %s.per must be > 0", ErrInvalidBucket, path)
	}
	return nil
}

// RefillPerMs is the continuous refill rate in tokens per millisecond.
func (b Bucket) RefillPerMs() float64 {
	return float64(b.Capacity) / (float64(b.Per) / float64(time.Millisecond))
}

func (b Bucket) limit() rate.Limit {
	return rate.Limit(float64(b.Capacity) / b.Per.Seconds())
}

// Config selects the bucket used per scope: GlobalScope uses Global,
// every other scope (a recipient ID) uses Recipient.
type Config struct {
	Global    Bucket
	Recipient Bucket
}

func (c Config) Validate() error {
	if err := c.Global.validate("throttle.global"); err != nil {
		return err
	}
	return c.Recipient.validate("throttle.recipient")
}

func (c Config) bucketFor(scope string) Bucket {
	if scope == GlobalScope {
		return c.Global
	}
	return c.Recipient
}

// Status is a read-only view of one scope.
type Status struct {
	TokensAvailable float64
	Capacity        int
	RefillPerMs     float64
}

// Limiter is a multi-scope token bucket throttle.
//
// Acquire checks and debits every named scope under a single lock so that
// concurrent callers contending for the same scopes can never be issued more
// than capacity tokens per refill window.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*rate.Limiter

	clock clock.Clock
	log   logx.Logger
}

type Option func(*Limiter)

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: map[string]*rate.Limiter{},
		clock:   clock.Real(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	return l, nil
}

// Apply swaps the bucket configuration. Scopes whose parameters changed are
// reset to full capacity so stale throttling from the old settings does not
// carry over; untouched scopes keep their token count.
func (l *Limiter) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.cfg
	l.cfg = cfg
	reset := 0
	for scope := range l.buckets {
		if old.bucketFor(scope) != cfg.bucketFor(scope) {
			l.buckets[scope] = l.newBucketLocked(scope)
			reset++
		}
	}
	if reset > 0 {
		l.log.Info("throttle config applied", logx.Int("scopes_reset", reset))
	}
	return nil
}

// Acquire blocks until one token is available in every scope, then debits
// one token from each and returns how long the caller waited.
//
// The only error is ctx cancellation; throttling itself is never an error.
func (l *Limiter) Acquire(ctx context.Context, scopes ...string) (time.Duration, error) {
	scopes = uniqueScopes(scopes)
	if len(scopes) == 0 {
		return 0, ErrNoScopes
	}
	start := l.clock.Now()
	for {
		wait, scope := l.tryAcquire(l.clock.Now(), scopes)
		if wait <= 0 {
			return l.clock.Now().Sub(start), nil
		}
		l.log.Trace("throttle wait", logx.String("scope", scope), logx.Duration("delay", wait))
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return l.clock.Now().Sub(start), err
		}
	}
}

// tryAcquire debits every scope when all have a token at now. Otherwise it
// debits nothing and returns the delay until the most-starved scope refills
// one token.
func (l *Limiter) tryAcquire(now time.Time, scopes []string) (time.Duration, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		longest time.Duration
		starved string
	)
	for _, scope := range scopes {
		b := l.bucketLocked(scope)
		tokens := b.TokensAt(now)
		if tokens >= 1 {
			continue
		}
		if d := untilOneToken(tokens, b.Limit()); d > longest {
			longest, starved = d, scope
		}
	}
	if longest > 0 {
		return longest, starved
	}
	for _, scope := range scopes {
		l.buckets[scope].AllowN(now, 1)
	}
	return 0, ""
}

// Status reports the scope's current tokens without debiting. Unknown scopes
// report a full bucket, which is what their first acquire will observe.
func (l *Limiter) Status(scope string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg := l.cfg.bucketFor(scope)
	st := Status{Capacity: cfg.Capacity, RefillPerMs: cfg.RefillPerMs(), TokensAvailable: float64(cfg.Capacity)}
	if b, ok := l.buckets[scope]; ok {
		st.TokensAvailable = b.TokensAt(l.clock.Now())
	}
	return st
}

// Clear resets the scope to full capacity.
func (l *Limiter) Clear(scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets[scope]; ok {
		l.buckets[scope] = l.newBucketLocked(scope)
	}
}

// Forget drops the scope entirely; it is recreated full on next use.
func (l *Limiter) Forget(scope string) {
	l.mu.Lock()
	delete(l.buckets, scope)
	l.mu.Unlock()
}

// Scopes returns the number of scopes currently tracked.
func (l *Limiter) Scopes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucketLocked(scope string) *rate.Limiter {
	b, ok := l.buckets[scope]
	if !ok {
		b = l.newBucketLocked(scope)
		l.buckets[scope] = b
	}
	return b
}

func (l *Limiter) newBucketLocked(scope string) *rate.Limiter {
	cfg := l.cfg.bucketFor(scope)
	b := rate.NewLimiter(cfg.limit(), cfg.Capacity)
	// Anchor the bucket to our clock so simulated time starts full.
	b.SetBurstAt(l.clock.Now(), cfg.Capacity)
	return b
}

// untilOneToken is the exact time for tokens to refill to 1 at limit,
// rounded up to the millisecond so a single sleep suffices.
func untilOneToken(tokens float64, limit rate.Limit) time.Duration {
	if limit <= 0 {
		return time.Duration(math.MaxInt64)
	}
	ms := (1 - tokens) / float64(limit) * 1000
	d := time.Duration(math.Ceil(ms-1e-6)) * time.Millisecond
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func uniqueScopes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
