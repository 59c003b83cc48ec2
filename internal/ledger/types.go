package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("ledger: record not found")
	ErrClosed   = errors.New("ledger: closed")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusDeleted Status = "deleted"
)

// Record is the outcome of delivering SourceID to RecipientID. ItemIDs holds
// every external ID when the delivery produced an album; for a single
// message it holds ExternalID alone.
type Record struct {
	SourceID    string    `json:"source_id"`
	RecipientID string    `json:"recipient_id"`
	Status      Status    `json:"status"`
	ExternalID  string    `json:"external_id,omitempty"`
	GroupedID   string    `json:"grouped_id,omitempty"`
	Count       int       `json:"count,omitempty"`
	ItemIDs     []string  `json:"item_ids,omitempty"`
	ErrorInfo   string    `json:"error,omitempty"`
	RetryCount  int       `json:"retry_count,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ledger stores delivery records. Record upserts by (SourceID, RecipientID).
type Ledger interface {
	Record(ctx context.Context, r Record) error
	// FindByMessage returns every record of sourceID in first-write order.
	FindByMessage(ctx context.Context, sourceID string) ([]Record, error)
	// MarkDeleted flips the record holding externalID for recipientID to
	// deleted. A non-empty sourceID restricts the match to that source;
	// otherwise the newest not-yet-deleted match wins. It returns ErrNotFound
	// when no such record exists.
	MarkDeleted(ctx context.Context, sourceID, recipientID, externalID string) error
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means driver default
}

func (r Record) holds(externalID string) bool {
	if r.ExternalID == externalID {
		return true
	}
	for _, id := range r.ItemIDs {
		if id == externalID {
			return true
		}
	}
	return false
}
