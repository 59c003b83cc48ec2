package queue

import (
	"context"
	"sync"
)

// Ticket is the handle returned by Enqueue. It resolves exactly once, with
// the task's own result or with ErrCancelled/ErrStopped.
type Ticket struct {
	ID  string
	Key string

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newTicket(id, key string) *Ticket {
	return &Ticket{ID: id, Key: key, done: make(chan struct{})}
}

func (t *Ticket) resolve(v any, err error) {
	t.once.Do(func() {
		t.value, t.err = v, err
		close(t.done)
	})
}

// Done is closed once the ticket resolves.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the item resolves or ctx ends. A ctx error does not
// cancel the item.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
