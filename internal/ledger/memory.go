package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Ledger.
type Memory struct {
	mu     sync.Mutex
	byKey  map[key]int
	rows   []Record
	closed bool
}

type key struct{ source, recipient string }

func NewMemory() *Memory {
	return &Memory{byKey: map[key]int{}}
}

func (m *Memory) Record(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.putLocked(r)
	return nil
}

func (m *Memory) putLocked(r Record) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	r.ItemIDs = append([]string(nil), r.ItemIDs...)
	k := key{r.SourceID, r.RecipientID}
	if i, ok := m.byKey[k]; ok {
		m.rows[i] = r
		return
	}
	m.byKey[k] = len(m.rows)
	m.rows = append(m.rows, r)
}

func (m *Memory) FindByMessage(_ context.Context, sourceID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Record
	for _, r := range m.rows {
		if r.SourceID == sourceID {
			r.ItemIDs = append([]string(nil), r.ItemIDs...)
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) MarkDeleted(_ context.Context, sourceID, recipientID, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	_, err := m.markDeletedLocked(sourceID, recipientID, externalID, time.Now())
	return err
}

// markDeletedLocked flips the newest live row matching the message. A row
// already deleted is only matched again when no live one exists.
func (m *Memory) markDeletedLocked(sourceID, recipientID, externalID string, now time.Time) (Record, error) {
	match := -1
	for i := len(m.rows) - 1; i >= 0; i-- {
		r := m.rows[i]
		if r.RecipientID != recipientID || !r.holds(externalID) {
			continue
		}
		if sourceID != "" && r.SourceID != sourceID {
			continue
		}
		if r.Status != StatusDeleted {
			match = i
			break
		}
		if match == -1 {
			match = i
		}
	}
	if match == -1 {
		return Record{}, ErrNotFound
	}
	r := &m.rows[match]
	r.Status = StatusDeleted
	r.UpdatedAt = now
	return *r, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
