// Package broadcast ties one slot run together: collect, fingerprint, render
// and hand the messages to the outbox, committing the run only once the
// outbox confirms delivery.
package broadcast

import (
	"context"
	"errors"
	"time"

	"digestbot/internal/eventbus"
	"digestbot/internal/fingerprint"
	"digestbot/internal/outbox"
	"digestbot/internal/scheduler"
	logx "digestbot/pkg/logx"
)

// ErrNoContent is returned when collection produced no items at all. The run
// is left unrecorded so a later sweep retries it.
var ErrNoContent = errors.New("no content collected")

// Sender is the outbox surface the runner needs.
type Sender interface {
	SendBatch(ctx context.Context, dest string, payloads []string, onDelivered func()) (outbox.Result, error)
}

type Runner struct {
	Collector   Collector
	Renderer    Renderer
	Hasher      *fingerprint.Hasher
	Window      *fingerprint.Window
	Out         Sender
	Destination string
	Log         logx.Logger
	Bus         eventbus.Bus
	Now         func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Job adapts the runner to the scheduler.
func (r *Runner) Job() scheduler.Job { return r.Run }

func (r *Runner) Run(ctx context.Context, run scheduler.Run) error {
	log := r.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("slot", run.Slot.ID))

	p, err := r.Collector.Collect(ctx)
	if err != nil {
		return err
	}
	if p.ItemCount() == 0 {
		return ErrNoContent
	}

	hash := r.Hasher.Of(p.Fingerprint())
	now := r.now()
	if r.Window != nil && r.Window.Seen(ctx, hash, now) {
		log.Info("identical digest delivered moments ago; not sending again", logx.String("hash", hash.String()))
		eventbus.Emit(r.Bus, "digest.duplicate", hash.String())
		run.Commit(hash.String())
		return nil
	}

	unchanged := run.Previous.LastContentHash != "" && run.Previous.LastContentHash == hash.String()
	msgs := r.Renderer.Render(p, Meta{
		SlotID:    run.Slot.ID,
		SlotLabel: run.Slot.Label,
		Scheduled: run.Scheduled,
		Hash:      hash,
		Unchanged: unchanged,
	})

	res, err := r.Out.SendBatch(ctx, r.Destination, msgs, func() {
		if r.Window != nil {
			r.Window.Mark(context.Background(), hash, r.now())
		}
		run.Commit(hash.String())
	})
	if err != nil {
		return err
	}
	log.Info("digest handed to outbox",
		logx.String("hash", hash.String()),
		logx.Bool("unchanged", unchanged),
		logx.Int("items", p.ItemCount()),
		logx.Int("messages", len(msgs)),
		logx.Int("delivered", res.Delivered),
		logx.Int("queued", res.Queued),
	)
	eventbus.Emit(r.Bus, "digest.sent", map[string]any{"slot": run.Slot.ID, "hash": hash.String(), "queued": res.Queued})
	return nil
}
