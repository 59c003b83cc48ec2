package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fanout/internal/eventbus"
	"fanout/pkg/clock"
	logx "fanout/pkg/logx"
)

var (
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrUnknownSession    = errors.New("session: unknown identity")
)

type Status string

const (
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusAutoPaused Status = "auto_paused"
	StatusError      Status = "error"
)

// Snapshot is a copy of one identity's state. FloodWaitUntil is set only
// while the identity is auto-paused.
type Snapshot struct {
	Identity       string
	Status         Status
	PauseReason    string
	FloodWaitUntil time.Time
	LastError      string
	UpdatedAt      time.Time
}

// Registry holds the state machine of every sending identity. It is safe for
// concurrent use; transitions are published on the bus after the lock is
// released.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Snapshot

	bus   eventbus.Bus
	clock clock.Clock
	log   logx.Logger
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry returns an empty registry. bus may be nil, in which case
// transitions are not published.
func NewRegistry(bus eventbus.Bus, opts ...Option) *Registry {
	r := &Registry{
		sessions: map[string]*Snapshot{},
		bus:      bus,
		clock:    clock.Real(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// Register adds identity in the active state. Registering a known identity
// returns its current state unchanged.
func (r *Registry) Register(identity string) (Snapshot, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Snapshot{}, fmt.Errorf("%w: empty identity", ErrUnknownSession)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[identity]; ok {
		return *s, nil
	}
	s := &Snapshot{Identity: identity, Status: StatusActive, UpdatedAt: r.clock.Now()}
	r.sessions[identity] = s
	return *s, nil
}

func (r *Registry) Get(identity string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identity]
	if !ok {
		return Snapshot{}, ErrUnknownSession
	}
	return *s, nil
}

// List returns every identity sorted by name.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// CanSend reports whether identity is registered and active.
func (r *Registry) CanSend(identity string) bool {
	s, err := r.Get(identity)
	return err == nil && s.Status == StatusActive
}

// Pause moves an active identity to paused.
func (r *Registry) Pause(identity, reason string) error {
	return r.transition(identity, EventPaused, func(s *Snapshot, _ time.Time) error {
		if s.Status != StatusActive {
			return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, s.Status)
		}
		s.Status = StatusPaused
		s.PauseReason = reason
		return nil
	})
}

// Resume returns a paused or auto-paused identity to active. Resuming before
// the flood wait has elapsed is accepted; callers that care check
// IsReadyToResume first.
func (r *Registry) Resume(identity string) error {
	return r.transition(identity, EventResumed, func(s *Snapshot, _ time.Time) error {
		if s.Status != StatusPaused && s.Status != StatusAutoPaused {
			return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s.Status)
		}
		s.Status = StatusActive
		s.PauseReason = ""
		s.FloodWaitUntil = time.Time{}
		return nil
	})
}

// AutoPause records a remote-imposed cooldown of wait. An identity that is
// already auto-paused keeps whichever deadline is later, so repeated calls
// never shorten a wait.
func (r *Registry) AutoPause(identity string, wait time.Duration, reason string) (Snapshot, error) {
	var out Snapshot
	if wait < 0 {
		wait = 0
	}
	err := r.transition(identity, EventAutoPaused, func(s *Snapshot, now time.Time) error {
		until := now.Add(wait)
		switch s.Status {
		case StatusActive, StatusPaused:
		case StatusAutoPaused:
			if !until.After(s.FloodWaitUntil) {
				out = *s
				return errUnchanged
			}
		default:
			return fmt.Errorf("%w: auto-pause from %s", ErrInvalidTransition, s.Status)
		}
		s.Status = StatusAutoPaused
		s.PauseReason = reason
		s.FloodWaitUntil = until
		out = *s
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return out, nil
	}
	return out, err
}

// MarkError moves identity to the terminal error state from any state.
func (r *Registry) MarkError(identity, message string) error {
	return r.transition(identity, EventError, func(s *Snapshot, _ time.Time) error {
		s.Status = StatusError
		s.LastError = message
		s.FloodWaitUntil = time.Time{}
		return nil
	})
}

// Reinitialize clears the error state after the identity was re-established
// out of band.
func (r *Registry) Reinitialize(identity string) error {
	return r.transition(identity, EventReinitialized, func(s *Snapshot, _ time.Time) error {
		if s.Status != StatusError {
			return fmt.Errorf("%w: reinitialize from %s", ErrInvalidTransition, s.Status)
		}
		s.Status = StatusActive
		s.LastError = ""
		s.PauseReason = ""
		return nil
	})
}

// IsReadyToResume is true iff identity is auto-paused and its flood wait
// has elapsed.
func (r *Registry) IsReadyToResume(identity string) bool {
	s, err := r.Get(identity)
	if err != nil || s.Status != StatusAutoPaused {
		return false
	}
	return !r.clock.Now().Before(s.FloodWaitUntil)
}

var errUnchanged = errors.New("unchanged")

func (r *Registry) transition(identity, eventType string, fn func(s *Snapshot, now time.Time) error) error {
	r.mu.Lock()
	s, ok := r.sessions[identity]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	now := r.clock.Now()
	from := s.Status
	if err := fn(s, now); err != nil {
		r.mu.Unlock()
		return err
	}
	s.UpdatedAt = now
	snap := *s
	r.mu.Unlock()

	r.log.Info("session transition",
		logx.String("identity", identity),
		logx.String("from", string(from)),
		logx.String("to", string(snap.Status)),
		logx.String("reason", snap.PauseReason),
	)
	r.publish(eventType, from, snap)
	return nil
}

func (r *Registry) publish(eventType string, from Status, snap Snapshot) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventType,
		Time: snap.UpdatedAt,
		Data: Event{
			Identity:       snap.Identity,
			From:           from,
			To:             snap.Status,
			Reason:         snap.PauseReason,
			FloodWaitUntil: snap.FloodWaitUntil,
			Error:          snap.LastError,
		},
	})
}
