package session

import (
	"context"
	"errors"
	"time"

	"fanout/internal/eventbus"
	logx "fanout/pkg/logx"
)

// Resumer brings auto-paused identities back to active once their flood wait
// has elapsed. It is the in-process consumer of session.* events.
type Resumer struct {
	reg *Registry
	bus eventbus.Bus
	log logx.Logger

	// slack is added to every wait so the registry clock has surely passed
	// FloodWaitUntil when it ends.
	slack time.Duration
}

func NewResumer(reg *Registry, bus eventbus.Bus, log logx.Logger) *Resumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resumer{reg: reg, bus: bus, log: log, slack: 50 * time.Millisecond}
}

// Run blocks until ctx is done. Identities already auto-paused when Run
// starts are picked up from the registry.
func (r *Resumer) Run(ctx context.Context) error {
	events, unsub := r.bus.Subscribe(64, "session.")
	defer unsub()

	// Waits run on the registry clock, the same one that stamped
	// FloodWaitUntil and answers IsReadyToResume.
	waits := map[string]context.CancelFunc{}
	fire := make(chan string, 16)
	defer func() {
		for _, stop := range waits {
			stop()
		}
	}()

	arm := func(identity string, until time.Time) {
		if stop := waits[identity]; stop != nil {
			stop()
		}
		d := until.Sub(r.reg.clock.Now()) + r.slack
		if d < r.slack {
			d = r.slack
		}
		wctx, stop := context.WithCancel(ctx)
		waits[identity] = stop
		go func() {
			if r.reg.clock.Sleep(wctx, d) != nil {
				return
			}
			select {
			case fire <- identity:
			case <-wctx.Done():
			}
		}()
		r.log.Debug("resume armed", logx.String("identity", identity), logx.Duration("in", d))
	}
	disarm := func(identity string) {
		if stop := waits[identity]; stop != nil {
			stop()
			delete(waits, identity)
		}
	}

	for _, s := range r.reg.List() {
		if s.Status == StatusAutoPaused {
			arm(s.Identity, s.FloodWaitUntil)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			ev, ok := e.Data.(Event)
			if !ok {
				continue
			}
			if e.Type == EventAutoPaused {
				arm(ev.Identity, ev.FloodWaitUntil)
			} else {
				disarm(ev.Identity)
			}
		case identity := <-fire:
			if stop := waits[identity]; stop != nil {
				stop()
				delete(waits, identity)
			}
			r.tryResume(identity, arm)
		}
	}
}

func (r *Resumer) tryResume(identity string, arm func(string, time.Time)) {
	s, err := r.reg.Get(identity)
	if err != nil || s.Status != StatusAutoPaused {
		return
	}
	if !r.reg.IsReadyToResume(identity) {
		arm(identity, s.FloodWaitUntil)
		return
	}
	if err := r.reg.Resume(identity); err != nil && !errors.Is(err, ErrInvalidTransition) {
		r.log.Warn("auto resume failed", logx.String("identity", identity), logx.Err(err))
		return
	}
	r.log.Info("session auto resumed", logx.String("identity", identity))
}
