package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "fanout/pkg/logx"
)

// fileLedger keeps the ledger in memory and mirrors every mutation to disk.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of all records)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
type fileLedger struct {
	*Memory
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalEntry struct {
	Op          string    `json:"op"`
	Record      *Record   `json:"record,omitempty"`
	SourceID    string    `json:"source_id,omitempty"`
	RecipientID string    `json:"recipient_id,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"`
	At          time.Time `json:"at,omitempty"`
}

const (
	opPut     = "put"
	opDeleted = "deleted"
)

func openFile(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger: storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	l := &fileLedger{
		Memory:       NewMemory(),
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 1000,
	}
	if err := l.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger snapshot unreadable", logx.String("path", l.snapshotPath), logx.Err(err))
	}
	journalPath := prefix + ".journal.jsonl"
	if err := l.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	l.journal = jf
	return l, nil
}

func (l *fileLedger) Record(_ context.Context, r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.journal == nil {
		return ErrClosed
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	if err := l.appendLocked(journalEntry{Op: opPut, Record: &r}); err != nil {
		return err
	}
	l.putLocked(r)
	l.maybeCompactLocked()
	return nil
}

func (l *fileLedger) MarkDeleted(_ context.Context, sourceID, recipientID, externalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.journal == nil {
		return ErrClosed
	}
	now := time.Now()
	if _, err := l.markDeletedLocked(sourceID, recipientID, externalID, now); err != nil {
		return err
	}
	if err := l.appendLocked(journalEntry{Op: opDeleted, SourceID: sourceID, RecipientID: recipientID, ExternalID: externalID, At: now}); err != nil {
		return err
	}
	l.maybeCompactLocked()
	return nil
}

func (l *fileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.journal == nil {
		return nil
	}
	err := l.journal.Close()
	l.journal = nil
	return err
}

func (l *fileLedger) appendLocked(e journalEntry) error {
	if err := json.NewEncoder(l.journal).Encode(e); err != nil {
		return err
	}
	l.writes++
	return nil
}

// maybeCompactLocked snapshots once every compactEvery journal writes. It
// runs after the in-memory state holds the write just journaled.
func (l *fileLedger) maybeCompactLocked() {
	if l.compactEvery <= 0 || l.writes%l.compactEvery != 0 {
		return
	}
	if err := l.compactLocked(); err != nil {
		l.log.Warn("ledger compact failed", logx.Err(err))
	}
}

// compactLocked writes every record to the snapshot and truncates the
// journal. The caller holds l.mu.
func (l *fileLedger) compactLocked() error {
	tmp := l.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(l.rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.snapshotPath); err != nil {
		return err
	}
	if err := l.journal.Truncate(0); err != nil {
		return err
	}
	_, err = l.journal.Seek(0, 2)
	return err
}

func (l *fileLedger) loadSnapshot() error {
	f, err := os.Open(l.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var rows []Record
	if err := json.NewDecoder(f).Decode(&rows); err != nil {
		return err
	}
	for _, r := range rows {
		l.putLocked(r)
	}
	return nil
}

func (l *fileLedger) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for s.Scan() {
		var e journalEntry
		if err := json.Unmarshal(s.Bytes(), &e); err != nil {
			continue
		}
		switch e.Op {
		case opPut:
			if e.Record != nil {
				l.putLocked(*e.Record)
			}
		case opDeleted:
			_, _ = l.markDeletedLocked(e.SourceID, e.RecipientID, e.ExternalID, e.At)
		}
	}
	return s.Err()
}
