package fingerprint

import (
	"context"
	"sort"
	"sync"
	"time"

	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

// Window remembers recently delivered digests for a short TTL so duplicate
// triggers close together do not send the same content twice.
//
// The in-memory map is authoritative; the optional store lets the window
// survive a restart. Store errors are logged and ignored.
type Window struct {
	ttl time.Duration
	max int

	store storage.Store
	log   logx.Logger

	mu   sync.Mutex
	seen map[Digest]time.Time
}

func NewWindow(ttl time.Duration, maxEntries int, store storage.Store, log logx.Logger) *Window {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Window{ttl: ttl, max: maxEntries, store: store, log: log, seen: map[Digest]time.Time{}}
}

func (w *Window) TTL() time.Duration { return w.ttl }

// Seen reports whether d was marked within the TTL before now.
func (w *Window) Seen(ctx context.Context, d Digest, now time.Time) bool {
	if d == "" {
		return false
	}
	w.mu.Lock()
	at, ok := w.seen[d]
	w.mu.Unlock()
	if ok {
		return now.Sub(at) < w.ttl
	}
	if w.store == nil {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	at, ok, err := w.store.GetSeen(cctx, string(d))
	cancel()
	if err != nil {
		w.log.Debug("content cache read failed", logx.String("hash", string(d)), logx.Err(err))
		return false
	}
	if !ok || now.Sub(at) >= w.ttl {
		return false
	}
	w.mu.Lock()
	w.seen[d] = at
	w.mu.Unlock()
	return true
}

// Mark records d as delivered at now.
func (w *Window) Mark(ctx context.Context, d Digest, now time.Time) {
	if d == "" {
		return
	}
	w.mu.Lock()
	w.seen[d] = now
	w.pruneLocked(now)
	w.mu.Unlock()

	if w.store != nil {
		if err := w.store.PutSeen(ctx, string(d), now, w.ttl); err != nil {
			w.log.Warn("content cache write failed", logx.String("hash", string(d)), logx.Err(err))
		}
	}
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *Window) pruneLocked(now time.Time) {
	for k, at := range w.seen {
		if now.Sub(at) >= w.ttl {
			delete(w.seen, k)
		}
	}
	if len(w.seen) <= w.max {
		return
	}
	// Evict oldest first until within cap.
	type entry struct {
		d  Digest
		at time.Time
	}
	all := make([]entry, 0, len(w.seen))
	for k, at := range w.seen {
		all = append(all, entry{k, at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, e := range all[:len(all)-w.max] {
		delete(w.seen, e.d)
	}
}
