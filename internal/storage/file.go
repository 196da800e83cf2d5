package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "digestbot/pkg/logx"
)

// fileStore keeps both stores as JSON documents:
//   - <prefix>.runs.json (slot id -> run row)
//   - <prefix>.seen.json (hash -> seen row)
//
// Every write rewrites one document atomically. A document that fails to
// parse is quarantined and the store starts empty for it.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool

	runsPath string
	seenPath string

	runs map[string]RunRow
	seen map[string]seenRow
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/digestbot"
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:      log,
		runsPath: prefix + ".runs.json",
		seenPath: prefix + ".seen.json",
		runs:     map[string]RunRow{},
		seen:     map[string]seenRow{},
	}
	// Decode into fresh maps: a document that fails halfway must not leave
	// its readable rows behind.
	runs := map[string]RunRow{}
	if s.load(s.runsPath, &runs) {
		s.runs = runs
	}
	seen := map[string]seenRow{}
	if s.load(s.seenPath, &seen) {
		s.seen = seen
	}
	if s.runs == nil {
		s.runs = map[string]RunRow{}
	}
	if s.seen == nil {
		s.seen = map[string]seenRow{}
	}
	pruneSeen(s.seen, time.Now())
	return s, nil
}

// load reports whether out holds a fully decoded document.
func (s *fileStore) load(path string, out any) bool {
	found, err := readJSON(path, out)
	if err == nil {
		if found {
			s.log.Debug("state loaded", logx.String("path", path))
		}
		return found
	}
	dst, qerr := quarantine(path, time.Now())
	if qerr != nil {
		s.log.Warn("state unreadable; starting empty", logx.String("path", path), logx.Err(err), logx.Any("quarantine_err", qerr))
		return false
	}
	s.log.Warn("state corrupt; quarantined and starting empty", logx.String("path", path), logx.String("moved_to", dst), logx.Err(err))
	return false
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) GetRun(ctx context.Context, slotID string) (RunRow, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return RunRow{}, false, ErrClosed
	}
	row, ok := s.runs[slotID]
	return row, ok, nil
}

func (s *fileStore) PutRun(ctx context.Context, row RunRow) error {
	_ = ctx
	if strings.TrimSpace(row.SlotID) == "" {
		return errors.New("slot id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if cur, ok := s.runs[row.SlotID]; ok && cur.LastRunAt.Equal(row.LastRunAt) && cur.LastContentHash == row.LastContentHash {
		return nil
	}
	next := make(map[string]RunRow, len(s.runs)+1)
	for k, v := range s.runs {
		next[k] = v
	}
	next[row.SlotID] = row
	if err := writeJSONAtomic(s.runsPath, next); err != nil {
		return err
	}
	s.runs = next
	return nil
}

func (s *fileStore) ListRuns(ctx context.Context) ([]RunRow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]RunRow, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sortRuns(out)
	return out, nil
}

func (s *fileStore) PutSeen(ctx context.Context, hash string, at time.Time, ttl time.Duration) error {
	_ = ctx
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	next := make(map[string]seenRow, len(s.seen)+1)
	for k, v := range s.seen {
		next[k] = v
	}
	pruneSeen(next, at)
	next[hash] = seenRow{SeenAt: at.UnixMilli(), ExpiresAt: at.Add(ttl).UnixMilli()}
	if err := writeJSONAtomic(s.seenPath, next); err != nil {
		return err
	}
	s.seen = next
	return nil
}

func (s *fileStore) GetSeen(ctx context.Context, hash string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	r, ok := s.seen[strings.TrimSpace(hash)]
	if !ok || r.ExpiresAt < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(r.SeenAt), true, nil
}

func pruneSeen(m map[string]seenRow, now time.Time) {
	ms := now.UnixMilli()
	for k, v := range m {
		if v.ExpiresAt < ms {
			delete(m, k)
		}
	}
}
