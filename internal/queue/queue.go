package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fanout/pkg/clock"
	logx "fanout/pkg/logx"
)

// Task is one unit of work. Its return value resolves the item's Ticket.
type Task func(ctx context.Context) (any, error)

// Config controls the pacing of every per-key lane.
type Config struct {
	// MinDelay/MaxDelay bound the randomized wait between consecutive items
	// of one key. No wait happens after the last item drains.
	MinDelay time.Duration
	MaxDelay time.Duration

	// MaxRetries is the default number of re-runs for a failing item.
	MaxRetries int
}

// DepthObserver is notified whenever a key's pending length changes.
type DepthObserver interface {
	SetQueueDepth(key string, depth int)
}

// Status is a point-in-time view of one key.
type Status struct {
	Length          int
	Processing      bool
	AverageWaitTime time.Duration
	OldestItemAge   time.Duration
}

type item struct {
	id         string
	task       Task
	meta       map[string]string
	attempts   int
	maxRetries int
	enqueuedAt time.Time
	ticket     *Ticket
}

// lane is the FIFO of one key. processing is true while its single loop runs.
type lane struct {
	key        string
	items      []*item
	processing bool
	minDelay   time.Duration
	maxDelay   time.Duration
}

// Queue runs tasks strictly one at a time per key, in enqueue order, with a
// randomized pause between items. Distinct keys run independently.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	lanes   map[string]*lane
	stopped bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	clock clock.Clock
	log   logx.Logger
	obs   DepthObserver
}

type Option func(*Queue)

func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(q *Queue) { q.log = log }
}

func WithDepthObserver(o DepthObserver) Option {
	return func(q *Queue) { q.obs = o }
}

func New(cfg Config, opts ...Option) *Queue {
	q := &Queue{
		cfg:   normalize(cfg),
		lanes: map[string]*lane{},
		clock: clock.Real(),
	}
	for _, o := range opts {
		o(q)
	}
	if q.log.IsZero() {
		q.log = logx.Nop()
	}
	q.runCtx, q.runCancel = context.WithCancel(context.Background())
	return q
}

func normalize(cfg Config) Config {
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return cfg
}

// Apply changes pacing for lanes created after the call.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = normalize(cfg)
	q.mu.Unlock()
}

type EnqueueOption func(*item)

// WithMetadata attaches caller metadata, visible in logs.
func WithMetadata(meta map[string]string) EnqueueOption {
	return func(it *item) {
		if len(meta) == 0 {
			return
		}
		it.meta = make(map[string]string, len(meta))
		for k, v := range meta {
			it.meta[k] = v
		}
	}
}

// WithMaxRetries overrides the number of re-runs for this item.
func WithMaxRetries(n int) EnqueueOption {
	return func(it *item) {
		if n >= 0 {
			it.maxRetries = n
		}
	}
}

// Enqueue appends task to key's lane and starts the lane loop if idle.
func (q *Queue) Enqueue(key string, task Task, opts ...EnqueueOption) (*Ticket, error) {
	key = strings.TrimSpace(key)
	if key == "" || task == nil {
		return nil, ErrInvalidItem
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	it := &item{
		id:         uuid.NewString(),
		task:       task,
		maxRetries: q.cfg.MaxRetries,
		enqueuedAt: q.clock.Now(),
	}
	for _, o := range opts {
		o(it)
	}
	it.ticket = newTicket(it.id, key)

	l := q.lanes[key]
	if l == nil {
		l = &lane{key: key, minDelay: q.cfg.MinDelay, maxDelay: q.cfg.MaxDelay}
		q.lanes[key] = l
	}
	l.items = append(l.items, it)
	depth := len(l.items)
	start := !l.processing
	if start {
		l.processing = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.observe(key, depth)
	q.log.Debug("item enqueued", logx.String("key", key), logx.String("item", it.id), logx.Int("depth", depth))
	if start {
		go q.run(l)
	}
	return it.ticket, nil
}

func (q *Queue) run(l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.items) == 0 {
			l.processing = false
			if q.lanes[l.key] == l {
				delete(q.lanes, l.key)
			}
			q.mu.Unlock()
			return
		}
		it := l.items[0]
		l.items[0] = nil
		l.items = l.items[1:]
		depth := len(l.items)
		q.mu.Unlock()
		q.observe(l.key, depth)

		v, err := q.exec(l, it)
		it.ticket.resolve(v, err)

		q.mu.Lock()
		more := len(l.items) > 0
		q.mu.Unlock()
		if !more {
			continue
		}
		if err := q.clock.Sleep(q.runCtx, q.delay(l)); err != nil {
			// Stopping: pending items were already rejected by Stop.
			continue
		}
	}
}

func (q *Queue) exec(l *lane, it *item) (any, error) {
	for {
		it.attempts++
		start := q.clock.Now()
		v, err := q.call(it)
		if err == nil {
			q.log.Debug("item done", logx.String("key", l.key), logx.String("item", it.id), logx.Int("attempt", it.attempts), logx.Duration("dur", q.clock.Now().Sub(start)))
			return v, nil
		}
		if IsNoRetry(err) || it.attempts > it.maxRetries || q.runCtx.Err() != nil {
			q.log.Warn("item failed", logx.String("key", l.key), logx.String("item", it.id), logx.Int("attempts", it.attempts), logx.Any("meta", it.meta), logx.Err(err))
			return v, err
		}
		delay := q.delay(l)
		q.log.Debug("item retry scheduled", logx.String("key", l.key), logx.String("item", it.id), logx.Int("attempt", it.attempts+1), logx.Duration("delay", delay), logx.Err(err))
		if serr := q.clock.Sleep(q.runCtx, delay); serr != nil {
			return v, err
		}
	}
}

func (q *Queue) call(it *item) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("panic in queued task", logx.String("item", it.id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("queue: task panicked: %v", r)
		}
	}()
	return it.task(q.runCtx)
}

func (q *Queue) delay(l *lane) time.Duration {
	if l.maxDelay <= l.minDelay {
		return l.minDelay
	}
	return l.minDelay + time.Duration(rand.Int64N(int64(l.maxDelay-l.minDelay)+1))
}

// Clear rejects every not-yet-started item of key with ErrCancelled and
// returns how many were dropped. A running item is left alone.
func (q *Queue) Clear(key string) int {
	q.mu.Lock()
	l := q.lanes[key]
	if l == nil {
		q.mu.Unlock()
		return 0
	}
	dropped := l.items
	l.items = nil
	q.mu.Unlock()

	for _, it := range dropped {
		it.ticket.resolve(nil, ErrCancelled)
	}
	if len(dropped) > 0 {
		q.observe(key, 0)
		q.log.Info("queue cleared", logx.String("key", key), logx.Int("cancelled", len(dropped)))
	}
	return len(dropped)
}

// Status reports the pending items of key. Unknown keys report zero values.
func (q *Queue) Status(key string) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lanes[key]
	if l == nil {
		return Status{}
	}
	st := Status{Length: len(l.items), Processing: l.processing}
	if len(l.items) == 0 {
		return st
	}
	now := q.clock.Now()
	var total time.Duration
	for _, it := range l.items {
		total += now.Sub(it.enqueuedAt)
	}
	st.AverageWaitTime = total / time.Duration(len(l.items))
	st.OldestItemAge = now.Sub(l.items[0].enqueuedAt)
	return st
}

// Keys returns the keys that currently have a lane.
func (q *Queue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.lanes))
	for k := range q.lanes {
		out = append(out, k)
	}
	return out
}

// Stop rejects new and pending items with ErrStopped and waits for running
// tasks to return, or until ctx is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	var dropped []*item
	for _, l := range q.lanes {
		dropped = append(dropped, l.items...)
		l.items = nil
	}
	q.mu.Unlock()

	for _, it := range dropped {
		it.ticket.resolve(nil, ErrStopped)
	}
	q.runCancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.log.Info("queue stopped", logx.Int("dropped", len(dropped)))
	case <-ctx.Done():
		q.log.Warn("queue stop timed out", logx.Err(ctx.Err()))
	}
}

func (q *Queue) observe(key string, depth int) {
	if q.obs != nil {
		q.obs.SetQueueDepth(key, depth)
	}
}
