package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "digestbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
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

	st := &sqliteStore{db: db, log: log, pruneEvery: 200}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetRun(ctx context.Context, slotID string) (RunRow, bool, error) {
	var (
		ms   int64
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_run_at, last_content_hash FROM runs WHERE slot_id = ?`, slotID,
	).Scan(&ms, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRow{}, false, nil
	}
	if err != nil {
		return RunRow{}, false, err
	}
	return RunRow{SlotID: slotID, LastRunAt: fromMilli(ms), LastContentHash: hash}, true, nil
}

func (s *sqliteStore) PutRun(ctx context.Context, row RunRow) error {
	if strings.TrimSpace(row.SlotID) == "" {
		return errors.New("slot id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(slot_id, last_run_at, last_content_hash) VALUES(?,?,?)
		 ON CONFLICT(slot_id) DO UPDATE SET last_run_at=excluded.last_run_at, last_content_hash=excluded.last_content_hash`,
		row.SlotID, toMilli(row.LastRunAt), row.LastContentHash,
	)
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slot_id, last_run_at, last_content_hash FROM runs ORDER BY slot_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var (
			r  RunRow
			ms int64
		)
		if err := rows.Scan(&r.SlotID, &ms, &r.LastContentHash); err != nil {
			return nil, err
		}
		r.LastRunAt = fromMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutSeen(ctx context.Context, hash string, at time.Time, ttl time.Duration) error {
	if strings.TrimSpace(hash) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen(hash, seen_at, expires_at) VALUES(?,?,?)
		 ON CONFLICT(hash) DO UPDATE SET seen_at=excluded.seen_at, expires_at=excluded.expires_at`,
		hash, at.UnixMilli(), at.Add(ttl).UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.pruneSeen(pctx, at); perr != nil {
			s.log.Debug("seen prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetSeen(ctx context.Context, hash string) (time.Time, bool, error) {
	var seenAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT seen_at, expires_at FROM seen WHERE hash = ?`, hash).Scan(&seenAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if expiresAt < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(seenAt), true, nil
}

func (s *sqliteStore) pruneSeen(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE expires_at < ?`, now.UnixMilli())
	return err
}

// A zero time is stored as 0 so it reads back as the zero time.
func toMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
