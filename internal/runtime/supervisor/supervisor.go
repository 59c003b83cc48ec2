// Package supervisor runs the daemon's long-lived loops under one context,
// recovering panics and restarting loops that fail.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"fanout/internal/throttle"
	logx "fanout/pkg/logx"
)

// Supervisor owns a cancelable context shared by every loop it starts.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log         logx.Logger
	cancelOnErr bool

	mu       sync.Mutex
	firstErr error
	loops    map[string]*LoopStats
}

// LoopStats is a point-in-time view of one named loop.
type LoopStats struct {
	Name      string        `json:"name"`
	Running   bool          `json:"running"`
	Restarts  int           `json:"restarts"`
	Panics    int           `json:"panics"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`
	LastErr   string        `json:"last_err,omitempty"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels every loop once any loop fails for good.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, loops: map[string]*LoopStats{}}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first terminal loop failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Go runs fn once. A returned error or a panic is terminal for that loop.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.markStart(name, false)
		err := s.runOnce(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) && s.ctx.Err() == nil {
			s.markStop(name, err)
			s.fail(fmt.Errorf("%s: %w", name, err))
			return
		}
		s.markStop(name, nil)
	}()
}

type restartConfig struct {
	base        time.Duration
	max         time.Duration
	maxRestarts int
}

type RestartOption func(*restartConfig)

// WithBackoff bounds the jittered exponential wait between restarts.
func WithBackoff(base, max time.Duration) RestartOption {
	return func(c *restartConfig) {
		if base > 0 {
			c.base = base
		}
		if max > 0 {
			c.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. Zero means unlimited.
func WithMaxRestarts(n int) RestartOption {
	return func(c *restartConfig) { c.maxRestarts = n }
}

// GoRestart runs fn until it returns nil or the supervisor stops. Errors and
// panics restart it after a backoff. A run that stayed up for a minute
// resets the backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartConfig{base: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.max < cfg.base {
		cfg.max = cfg.base
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		attempt := 0
		for restarts := 0; ; restarts++ {
			if s.ctx.Err() != nil {
				return
			}
			started := s.markStart(name, restarts > 0)
			err := s.runOnce(name, fn)
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.markStop(name, nil)
				return
			}
			s.markStop(name, err)

			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("loop gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			if time.Since(started) >= time.Minute {
				attempt = 0
			}
			wait := throttle.CalculateBackoff(attempt, cfg.base, cfg.max)
			attempt++
			s.log.Warn("loop restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}()
}

func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			if st := s.loops[name]; st != nil {
				st.Panics++
			}
			s.mu.Unlock()
			s.log.Error("loop panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.log.Debug("loop started", logx.String("name", name))
	return fn(s.ctx)
}

func (s *Supervisor) markStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.loops[name]
	if st == nil {
		st = &LoopStats{Name: name}
		s.loops[name] = st
	}
	st.Running = true
	st.StartedAt = now
	if restart {
		st.Restarts++
	}
	return now
}

func (s *Supervisor) markStop(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.loops[name]
	if st == nil {
		return
	}
	st.Running = false
	if err != nil {
		st.LastErr = err.Error()
	}
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Snapshot lists every loop ever started, sorted by name.
func (s *Supervisor) Snapshot() []LoopStats {
	now := time.Now()
	s.mu.Lock()
	out := make([]LoopStats, 0, len(s.loops))
	for _, st := range s.loops {
		cp := *st
		if cp.Running {
			cp.Uptime = now.Sub(cp.StartedAt)
		}
		out = append(out, cp)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels every loop and waits for them to return or ctx to end.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop has returned. It returns ctx's error when
// ctx ends first, otherwise Err.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}
