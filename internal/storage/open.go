package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "digestbot/pkg/logx"
)

// Store is the persistence API used by the ledger and the dedup window.
//
// Every Put is a single atomic replace of one key; readers never observe a
// partially written record.
type Store interface {
	GetRun(ctx context.Context, slotID string) (RunRow, bool, error)
	PutRun(ctx context.Context, row RunRow) error
	ListRuns(ctx context.Context) ([]RunRow, error)

	PutSeen(ctx context.Context, hash string, at time.Time, ttl time.Duration) error
	GetSeen(ctx context.Context, hash string) (time.Time, bool, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
