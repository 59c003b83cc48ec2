// Package ledger persists one delivery record per (source message,
// recipient) pair so fan-outs can skip recipients already served and
// deletions can find every message that was sent.
//
// Drivers:
//   - "memory": process-local map, the default
//   - "file": append-only JSON Lines journal replayed on open
//   - "sqlite": SQLite database file via modernc.org/sqlite
package ledger
