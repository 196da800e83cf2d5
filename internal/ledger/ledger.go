// Package ledger records, per slot, when a digest was last delivered and
// what it contained. Missed-run detection reads it after every restart and
// reconnect.
package ledger

import (
	"context"
	"time"

	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

// RunRecord is the persisted state of one slot. The zero value means the
// slot has never run.
type RunRecord struct {
	SlotID          string
	LastRunAt       time.Time
	LastContentHash string
}

func (r RunRecord) IsZero() bool { return r.LastRunAt.IsZero() && r.LastContentHash == "" }

type Ledger struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{store: store, log: log}
}

// GetRun never fails: a missing record and an unreadable one both come back
// as the zero record, so the slot is treated as never run.
func (l *Ledger) GetRun(ctx context.Context, slotID string) RunRecord {
	row, ok, err := l.store.GetRun(ctx, slotID)
	if err != nil {
		l.log.Warn("run record unreadable; treating as never run", logx.String("slot", slotID), logx.Err(err))
		return RunRecord{SlotID: slotID}
	}
	if !ok {
		return RunRecord{SlotID: slotID}
	}
	return RunRecord{SlotID: slotID, LastRunAt: row.LastRunAt, LastContentHash: row.LastContentHash}
}

func (l *Ledger) SetRun(ctx context.Context, slotID string, at time.Time) error {
	cur := l.GetRun(ctx, slotID)
	return l.put(ctx, slotID, at, cur.LastContentHash)
}

func (l *Ledger) SetLastHash(ctx context.Context, slotID, hash string) error {
	cur := l.GetRun(ctx, slotID)
	return l.put(ctx, slotID, cur.LastRunAt, hash)
}

// Record writes the run time and content hash in one replace.
func (l *Ledger) Record(ctx context.Context, slotID string, at time.Time, hash string) error {
	return l.put(ctx, slotID, at, hash)
}

func (l *Ledger) put(ctx context.Context, slotID string, at time.Time, hash string) error {
	return l.store.PutRun(ctx, storage.RunRow{SlotID: slotID, LastRunAt: at, LastContentHash: hash})
}

// Runs lists every stored record ordered by slot id.
func (l *Ledger) Runs(ctx context.Context) ([]RunRecord, error) {
	rows, err := l.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, RunRecord{SlotID: r.SlotID, LastRunAt: r.LastRunAt, LastContentHash: r.LastContentHash})
	}
	return out, nil
}

// GetPendingSlots returns, in input order, the slots whose most recent
// scheduled instant T satisfies now-T < grace and whose last run predates T.
// now's location is the schedule's time zone.
func (l *Ledger) GetPendingSlots(ctx context.Context, now time.Time, grace time.Duration, slots []Slot) []string {
	var out []string
	for _, s := range slots {
		t := LastOccurrence(s, now)
		if now.Sub(t) >= grace {
			continue
		}
		rec := l.GetRun(ctx, s.ID)
		if rec.LastRunAt.Before(t) {
			out = append(out, s.ID)
		}
	}
	return out
}
