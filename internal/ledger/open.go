package ledger

import (
	"errors"
	"strings"

	logx "fanout/pkg/logx"
)

// Open initializes the configured ledger. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Ledger, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("ledger: unknown driver: " + driver)
	}
}
