package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"fanout/internal/dispatch"
	"fanout/internal/queue"
	"fanout/pkg/clock"
	logx "fanout/pkg/logx"
)

var ErrUnknownJob = errors.New("scheduler: unknown job")

// Job is one configured broadcast. Payload.SourceID is ignored; each run
// gets its own.
type Job struct {
	Name       string
	Schedule   string
	Session    string
	Recipients []string
	Payload    dispatch.Payload
	Location   *time.Location
}

// FanOuter is the dispatch entry point a run calls.
type FanOuter interface {
	FanOut(ctx context.Context, identity string, recipients []string, p dispatch.Payload) (dispatch.Summary, error)
}

// Gate reports whether a session may send right now.
type Gate interface {
	CanSend(identity string) bool
}

// Enqueuer accepts work for a session lane.
type Enqueuer interface {
	Enqueue(key string, task queue.Task, opts ...queue.EnqueueOption) (*queue.Ticket, error)
}

type entry struct {
	job    Job
	parsed Parsed
	id     cron.EntryID
}

type Service struct {
	q    Enqueuer
	fan  FanOuter
	gate Gate

	clock clock.Clock
	log   logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]*entry

	statusMu  sync.RWMutex
	runs      map[string]*RunStatus
	statusMax int
	statusTTL time.Duration
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithStatusBounds caps how many run statuses are kept and for how long.
func WithStatusBounds(max int, ttl time.Duration) Option {
	return func(s *Service) {
		s.statusMax = max
		s.statusTTL = ttl
	}
}

func New(q Enqueuer, fan FanOuter, gate Gate, opts ...Option) *Service {
	s := &Service{
		q:       q,
		fan:     fan,
		gate:    gate,
		clock:   clock.Real(),
		entries: map[string]*entry{},
		runs:    map[string]*RunStatus{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Apply replaces the job set. All jobs are validated first; on error the
// previous set stays in place.
func (s *Service) Apply(jobs []Job) error {
	next := make(map[string]*entry, len(jobs))
	var errs []error
	for _, j := range jobs {
		j.Name = strings.TrimSpace(j.Name)
		if j.Name == "" {
			errs = append(errs, errors.New("job name required"))
			continue
		}
		if _, dup := next[j.Name]; dup {
			errs = append(errs, fmt.Errorf("job %q: duplicate name", j.Name))
			continue
		}
		p, err := ParseSchedule(j.Schedule, j.Location)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", j.Name, err))
			continue
		}
		next[j.Name] = &entry{job: j, parsed: p}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		for _, e := range s.entries {
			s.c.Remove(e.id)
		}
		for _, e := range next {
			s.addLocked(e)
		}
	}
	s.entries = next
	s.log.Info("jobs applied", logx.Int("jobs", len(next)))
	return nil
}

func (s *Service) addLocked(e *entry) {
	job := e.job
	e.id = s.c.Schedule(e.parsed.Schedule, cron.FuncJob(func() {
		s.fire(job, s.clock.Now())
	}))
}

// Start begins triggering. It is a no-op when already started.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(cronParser))
	for _, e := range s.entries {
		s.addLocked(e)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.entries)))
}

// Stop ends triggering. Runs already enqueued are left to the queue.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Run blocks until ctx is done, triggering jobs in the meantime.
func (s *Service) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	return nil
}

// Next reports when name fires next. Zero means not scheduled.
func (s *Service) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[name]
	if e == nil || s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(e.id).Next
}

// Trigger fires name immediately, outside its schedule.
func (s *Service) Trigger(name string) (RunStatus, error) {
	s.mu.Lock()
	e := s.entries[strings.TrimSpace(name)]
	s.mu.Unlock()
	if e == nil {
		return RunStatus{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.fire(e.job, s.clock.Now()), nil
}

// SourceID names one run of a job. Runs at distinct instants never share a
// ledger source, so yesterday's deliveries do not suppress today's.
func SourceID(job string, at time.Time) string {
	return job + "@" + at.UTC().Format("20060102T150405Z")
}

func (s *Service) fire(job Job, at time.Time) RunStatus {
	now := s.clock.Now()
	st := &RunStatus{
		ID:        uuid.NewString(),
		Job:       job.Name,
		Session:   job.Session,
		SourceID:  SourceID(job.Name, at),
		State:     RunQueued,
		CreatedAt: now,
	}
	log := s.log.With(logx.String("job", job.Name), logx.String("run", st.ID), logx.String("session", job.Session))

	if s.gate != nil && !s.gate.CanSend(job.Session) {
		st.State = RunSkipped
		st.Error = "session cannot send"
		st.DoneAt = now
		s.putStatus(st)
		log.Info("broadcast skipped; session not active")
		return *st
	}

	p := job.Payload
	p.SourceID = st.SourceID
	recipients := append([]string(nil), job.Recipients...)
	s.putStatus(st)

	_, err := s.q.Enqueue(job.Session, func(ctx context.Context) (any, error) {
		s.updateStatus(st.ID, func(r *RunStatus) {
			r.State = RunRunning
			r.StartedAt = s.clock.Now()
		})
		sum, err := s.fan.FanOut(ctx, job.Session, recipients, p)
		s.updateStatus(st.ID, func(r *RunStatus) {
			r.DoneAt = s.clock.Now()
			r.Total, r.Successful, r.Failed, r.Skipped = sum.Total, sum.Successful, sum.Failed, sum.Skipped
			if err != nil {
				r.State = RunFailed
				r.Error = err.Error()
				return
			}
			r.State = RunDone
		})
		if err != nil {
			return sum, queue.NoRetry(err)
		}
		return sum, nil
	}, queue.WithMetadata(map[string]string{"job": job.Name, "run": st.ID, "source": st.SourceID}))
	if err != nil {
		s.updateStatus(st.ID, func(r *RunStatus) {
			r.State = RunFailed
			r.Error = err.Error()
			r.DoneAt = s.clock.Now()
		})
		log.Warn("broadcast enqueue failed", logx.Err(err))
		cp, _ := s.Status(st.ID)
		return cp
	}
	log.Info("broadcast queued", logx.String("source", st.SourceID), logx.Int("recipients", len(recipients)))
	cp, _ := s.Status(st.ID)
	return cp
}
