package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoIdentity     = errors.New("dispatch: identity is required")
	ErrInvalidPayload = errors.New("dispatch: payload needs a source id and text or a copy source")
	ErrNoRemover      = errors.New("dispatch: no remover configured")
)

// FloodWaitError reports a remote-imposed cooldown.
type FloodWaitError struct {
	Wait time.Duration
	Err  error
}

func (e *FloodWaitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flood wait %s: %v", e.Wait, e.Err)
	}
	return fmt.Sprintf("flood wait %s", e.Wait)
}

func (e *FloodWaitError) Unwrap() error { return e.Err }

// Permanent marks a delivery error that retrying cannot fix, such as a
// recipient that blocked the sender.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

type Kind int

const (
	KindSuccess Kind = iota
	KindFloodWait
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFloodWait:
		return "flood_wait"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the classified result of one delivery attempt. Wait is set for
// KindFloodWait and Err for every failure. Receipt may be non-empty on a
// failure when part of the payload was sent before the error.
type Outcome struct {
	Kind    Kind
	Receipt Receipt
	Wait    time.Duration
	Err     error
}

// Classify turns a Deliver result into an Outcome. A flood wait inside a
// Permanent wrapper is still a flood wait.
func Classify(r Receipt, err error) Outcome {
	if err == nil {
		return Outcome{Kind: KindSuccess, Receipt: r}
	}
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return Outcome{Kind: KindFloodWait, Receipt: r, Wait: fw.Wait, Err: err}
	}
	if IsPermanent(err) {
		return Outcome{Kind: KindPermanent, Receipt: r, Err: err}
	}
	return Outcome{Kind: KindTransient, Receipt: r, Err: err}
}
