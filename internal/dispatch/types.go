package dispatch

import (
	"context"
	"time"

	"fanout/internal/ledger"
	"fanout/internal/session"
)

// SourceRef points at an existing message to be copied instead of sending
// Text. More than one MessageID describes an album.
type SourceRef struct {
	ChatID     int64
	MessageIDs []int
}

// Payload is what gets fanned out. SourceID identifies the source message
// in the ledger and must be stable across runs of the same broadcast.
type Payload struct {
	SourceID  string
	Text      string
	ParseMode string
	CopyFrom  *SourceRef
}

// Receipt describes what the transport created. ExternalIDs lists every
// item of an album; for a single message it may be empty.
type Receipt struct {
	ExternalID  string
	GroupedID   string
	Count       int
	ExternalIDs []string
}

func (r Receipt) itemIDs() []string {
	if len(r.ExternalIDs) > 0 {
		return append([]string(nil), r.ExternalIDs...)
	}
	if r.ExternalID != "" {
		return []string{r.ExternalID}
	}
	return nil
}

// Deliverer sends a payload to one recipient. Rate limiting by the remote
// side is reported as *FloodWaitError; unrecoverable failures are wrapped
// with Permanent.
type Deliverer interface {
	Deliver(ctx context.Context, recipientID string, p Payload) (Receipt, error)
}

// Remover deletes one previously delivered message.
type Remover interface {
	Remove(ctx context.Context, recipientID, externalID string) error
}

type DelivererFunc func(ctx context.Context, recipientID string, p Payload) (Receipt, error)

func (f DelivererFunc) Deliver(ctx context.Context, recipientID string, p Payload) (Receipt, error) {
	return f(ctx, recipientID, p)
}

type RemoverFunc func(ctx context.Context, recipientID, externalID string) error

func (f RemoverFunc) Remove(ctx context.Context, recipientID, externalID string) error {
	return f(ctx, recipientID, externalID)
}

// Throttle is the part of throttle.Limiter the orchestrator needs.
type Throttle interface {
	Acquire(ctx context.Context, scopes ...string) (time.Duration, error)
}

// Pauser is the part of session.Registry the orchestrator needs.
type Pauser interface {
	AutoPause(identity string, wait time.Duration, reason string) (session.Snapshot, error)
}

// Observer receives delivery measurements. All methods must be cheap.
type Observer interface {
	ObserveDelivery(status string)
	ObserveFloodWait(identity string, wait time.Duration)
	ObserveThrottleWait(wait time.Duration)
	ObserveDeletion(ok bool)
}

type Result struct {
	RecipientID string        `json:"recipient_id"`
	Status      ledger.Status `json:"status"`
	ExternalID  string        `json:"external_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`
}

// Summary always satisfies Total == Successful+Failed+Skipped == len(Results).
type Summary struct {
	SourceID   string   `json:"source_id"`
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Results    []Result `json:"results"`
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	s.Total++
	switch r.Status {
	case ledger.StatusSuccess:
		s.Successful++
	case ledger.StatusSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

type DeleteResult struct {
	RecipientID string `json:"recipient_id"`
	ExternalID  string `json:"external_id"`
	Deleted     bool   `json:"deleted"`
	Error       string `json:"error,omitempty"`
}

// DeleteSummary always satisfies Total == Deleted+Failed == len(Results).
type DeleteSummary struct {
	SourceID string         `json:"source_id"`
	Total    int            `json:"total"`
	Deleted  int            `json:"deleted"`
	Failed   int            `json:"failed"`
	Results  []DeleteResult `json:"results"`
}

func (s *DeleteSummary) add(r DeleteResult) {
	s.Results = append(s.Results, r)
	s.Total++
	if r.Deleted {
		s.Deleted++
	} else {
		s.Failed++
	}
}
