package queue

import "errors"

var (
	ErrCancelled   = errors.New("queue: item cancelled")
	ErrStopped     = errors.New("queue: stopped")
	ErrInvalidItem = errors.New("queue: key and task are required")
)

// NoRetry wraps a task error so the item resolves on its first failure,
// whatever its retry budget.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &finalError{err}
}

// IsNoRetry reports whether err carries a NoRetry mark anywhere in its chain.
func IsNoRetry(err error) bool {
	var f *finalError
	return errors.As(err, &f)
}

type finalError struct{ error }

func (e *finalError) Unwrap() error { return e.error }
