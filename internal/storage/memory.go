package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. State is lost on exit.
type Memory struct {
	mu   sync.Mutex
	runs map[string]RunRow
	seen map[string]seenRow
}

func NewMemory() *Memory {
	return &Memory{runs: map[string]RunRow{}, seen: map[string]seenRow{}}
}

func (m *Memory) GetRun(ctx context.Context, slotID string) (RunRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[slotID]
	return r, ok, nil
}

func (m *Memory) PutRun(ctx context.Context, row RunRow) error {
	m.mu.Lock()
	m.runs[row.SlotID] = row
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListRuns(ctx context.Context) ([]RunRow, error) {
	m.mu.Lock()
	out := make([]RunRow, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	m.mu.Unlock()
	sortRuns(out)
	return out, nil
}

func (m *Memory) PutSeen(ctx context.Context, hash string, at time.Time, ttl time.Duration) error {
	m.mu.Lock()
	pruneSeen(m.seen, at)
	m.seen[hash] = seenRow{SeenAt: at.UnixMilli(), ExpiresAt: at.Add(ttl).UnixMilli()}
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetSeen(ctx context.Context, hash string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.seen[hash]
	if !ok || r.ExpiresAt < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(r.SeenAt), true, nil
}

func (m *Memory) Close() error { return nil }

func sortRuns(rows []RunRow) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].SlotID < rows[j].SlotID })
}
