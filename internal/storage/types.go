package storage

import (
	"errors"
	"time"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrClosed        = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON documents next to Path (default)
//   - "sqlite": SQLite database at Path
//   - "redis": Redis at RedisAddr, keys under KeyPrefix
//   - "memory": process-local, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// RunRow is the persisted form of a slot's run record.
type RunRow struct {
	SlotID          string    `json:"slot_id"`
	LastRunAt       time.Time `json:"last_run_at"`
	LastContentHash string    `json:"last_content_hash,omitempty"`
}

type seenRow struct {
	SeenAt    int64 `json:"seen_at"`    // unix milli
	ExpiresAt int64 `json:"expires_at"` // unix milli
}
