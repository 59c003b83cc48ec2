package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "fanout/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteLedger struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	l := &sqliteLedger{db: db, log: log}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return l, nil
}

func (l *sqliteLedger) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, string(b))
	return err
}

func (l *sqliteLedger) Record(ctx context.Context, r Record) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	items, err := encodeItems(r.ItemIDs)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO deliveries(source_id, recipient_id, status, external_id, grouped_id, item_count, item_ids, error, retry_count, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(source_id, recipient_id) DO UPDATE SET
		   status=excluded.status, external_id=excluded.external_id, grouped_id=excluded.grouped_id,
		   item_count=excluded.item_count, item_ids=excluded.item_ids, error=excluded.error,
		   retry_count=excluded.retry_count, updated_at=excluded.updated_at`,
		r.SourceID, r.RecipientID, string(r.Status), nullStr(r.ExternalID), nullStr(r.GroupedID),
		r.Count, items, nullStr(r.ErrorInfo), r.RetryCount, r.UpdatedAt.UnixMilli(),
	)
	return err
}

func (l *sqliteLedger) FindByMessage(ctx context.Context, sourceID string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT source_id, recipient_id, status, external_id, grouped_id, item_count, item_ids, error, retry_count, updated_at
		 FROM deliveries WHERE source_id = ? ORDER BY seq`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                            Record
			status                       string
			ext, grouped, items, errInfo sql.NullString
			updated                      int64
		)
		if err := rows.Scan(&r.SourceID, &r.RecipientID, &status, &ext, &grouped, &r.Count, &items, &errInfo, &r.RetryCount, &updated); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		r.ExternalID = ext.String
		r.GroupedID = grouped.String
		r.ErrorInfo = errInfo.String
		r.UpdatedAt = time.UnixMilli(updated)
		if items.Valid && items.String != "" {
			if err := json.Unmarshal([]byte(items.String), &r.ItemIDs); err != nil {
				l.log.Warn("ledger item ids unreadable", logx.String("source", r.SourceID), logx.String("recipient", r.RecipientID), logx.Err(err))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *sqliteLedger) MarkDeleted(ctx context.Context, sourceID, recipientID, externalID string) error {
	deleted := string(StatusDeleted)
	res, err := l.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, updated_at = ?
		 WHERE seq = (
		   SELECT seq FROM deliveries
		   WHERE recipient_id = ? AND (? = '' OR source_id = ?)
		     AND (external_id = ? OR EXISTS (SELECT 1 FROM json_each(deliveries.item_ids) WHERE value = ?))
		   ORDER BY (status = ?), seq DESC LIMIT 1)`,
		deleted, time.Now().UnixMilli(), recipientID, sourceID, sourceID, externalID, externalID, deleted,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *sqliteLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func encodeItems(ids []string) (any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
