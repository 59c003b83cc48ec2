package telegram

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"fanout/internal/dispatch"
	logx "fanout/pkg/logx"
)

// ErrUnavailable is returned without calling the API while the breaker is open.
var ErrUnavailable = errors.New("telegram: api unavailable")

func newBreaker(threshold int, reset time.Duration, log logx.Logger) *gobreaker.CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if reset <= 0 {
		reset = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     reset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		// Rejections and flood waits prove the API is answering.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			out := dispatch.Classify(dispatch.Receipt{}, classify(err))
			return out.Kind != dispatch.KindTransient
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()))
		},
	})
}

// guard runs fn through the breaker. An open breaker surfaces as a transient
// error so the dispatcher retries with backoff.
func guard[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	v, err := cb.Execute(func() (interface{}, error) { return fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out, _ := v.(T)
	return out, err
}
