// Package outbox delivers messages to a transport and keeps the ones that
// hit a connectivity failure, in order, until a later Flush gets them out.
package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"digestbot/internal/eventbus"
	"digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

type Config struct {
	// MaxAttempts is the number of failed flush cycles after which a queued
	// message and the rest of its batch are dropped.
	MaxAttempts int
	RatePerSec  float64
	Burst       int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Task is one queued message. Seq/Total locate it inside its batch.
type Task struct {
	ID          string
	Destination string
	Payload     string
	Batch       string
	Seq         int
	Total       int
	EnqueuedAt  time.Time
	Attempts    int
}

func (t *Task) last() bool { return t.Seq == t.Total-1 }

type Result struct {
	Delivered int
	Queued    int
}

type FlushReport struct {
	Delivered int
	Dropped   int
	Remaining int
}

type Status struct {
	Depth     int
	Oldest    time.Time
	Delivered uint64
	Queued    uint64
	Dropped   uint64
}

type Option func(*Outbox)

func WithBus(bus eventbus.Bus) Option { return func(o *Outbox) { o.bus = bus } }

func WithClock(now func() time.Time) Option {
	return func(o *Outbox) {
		if now != nil {
			o.now = now
		}
	}
}

type Outbox struct {
	cfg     Config
	conn    transport.Adapter
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
	limiter *rate.Limiter

	// sendMu serializes every delivery path so messages leave in enqueue
	// order.
	sendMu sync.Mutex

	mu      sync.Mutex
	queue   []*Task
	commits map[string]func()

	delivered atomic.Uint64
	queued    atomic.Uint64
	dropped   atomic.Uint64
}

func New(cfg Config, conn transport.Adapter, log logx.Logger, opts ...Option) *Outbox {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	o := &Outbox{
		cfg:     cfg,
		conn:    conn,
		log:     log,
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		commits: map[string]func(){},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Send delivers one message; see SendBatch.
func (o *Outbox) Send(ctx context.Context, dest, payload string) (Result, error) {
	return o.SendBatch(ctx, dest, []string{payload}, nil)
}

// SendBatch delivers payloads in order. When the destination is unreachable
// the failing message and everything after it are queued and the call
// returns without error. Messages are also queued, untried, while older
// messages are still waiting so order is kept.
//
// onDelivered runs exactly once, after the last payload is delivered, either
// here or during a later Flush. It never runs for a batch that is dropped or
// that fails with a non-connectivity error.
func (o *Outbox) SendBatch(ctx context.Context, dest string, payloads []string, onDelivered func()) (Result, error) {
	if len(payloads) == 0 {
		if onDelivered != nil {
			onDelivered()
		}
		return Result{}, nil
	}

	o.sendMu.Lock()
	defer o.sendMu.Unlock()

	batch := uuid.NewString()
	if o.Depth() > 0 {
		n := o.enqueue(dest, batch, payloads, 0, onDelivered)
		return Result{Queued: n}, nil
	}

	var res Result
	for i, p := range payloads {
		err := o.deliver(ctx, dest, p)
		if err == nil {
			res.Delivered++
			continue
		}
		if errors.Is(err, transport.ErrUnavailable) {
			res.Queued = o.enqueue(dest, batch, payloads, i, onDelivered)
			o.log.Warn("destination unavailable; messages queued",
				logx.String("dest", dest),
				logx.Int("queued", res.Queued),
				logx.Int("delivered", res.Delivered),
				logx.Err(err),
			)
			return res, nil
		}
		return res, err
	}
	if onDelivered != nil {
		onDelivered()
	}
	return res, nil
}

func (o *Outbox) deliver(ctx context.Context, dest, payload string) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()
	if err := o.conn.SendToChannel(sctx, dest, payload); err != nil {
		return err
	}
	o.delivered.Add(1)
	return nil
}

func (o *Outbox) enqueue(dest, batch string, payloads []string, from int, onDelivered func()) int {
	now := o.now()
	o.mu.Lock()
	for i := from; i < len(payloads); i++ {
		o.queue = append(o.queue, &Task{
			ID:          uuid.NewString(),
			Destination: dest,
			Payload:     payloads[i],
			Batch:       batch,
			Seq:         i,
			Total:       len(payloads),
			EnqueuedAt:  now,
		})
	}
	if onDelivered != nil {
		o.commits[batch] = onDelivered
	}
	depth := len(o.queue)
	o.mu.Unlock()

	n := len(payloads) - from
	o.queued.Add(uint64(n))
	eventbus.Emit(o.bus, "outbox.queued", map[string]any{"batch": batch, "count": n, "depth": depth})
	return n
}

// Flush delivers queued messages oldest first. It stops at the first
// connectivity failure and charges one attempt to the head message; once the
// head has used MaxAttempts it is dropped together with the rest of its
// batch. A message rejected for any other reason is dropped right away with
// its batch.
func (o *Outbox) Flush(ctx context.Context) FlushReport {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()

	var rep FlushReport
	for ctx.Err() == nil {
		head := o.head()
		if head == nil {
			break
		}
		err := o.deliver(ctx, head.Destination, head.Payload)
		if err == nil {
			rep.Delivered++
			commit := o.pop(head)
			if commit != nil {
				commit()
			}
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if !errors.Is(err, transport.ErrUnavailable) {
			rep.Dropped += o.dropBatch(head, err)
			continue
		}

		o.mu.Lock()
		head.Attempts++
		attempts := head.Attempts
		o.mu.Unlock()
		if attempts >= o.cfg.MaxAttempts {
			rep.Dropped += o.dropBatch(head, err)
		} else {
			o.log.Debug("flush interrupted", logx.Int("attempts", attempts), logx.Err(err))
		}
		break
	}
	rep.Remaining = o.Depth()
	if rep.Delivered > 0 || rep.Dropped > 0 {
		o.log.Info("outbox flushed",
			logx.Int("delivered", rep.Delivered),
			logx.Int("dropped", rep.Dropped),
			logx.Int("remaining", rep.Remaining),
		)
	}
	return rep
}

func (o *Outbox) head() *Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil
	}
	return o.queue[0]
}

// pop removes head and returns the batch commit when head completed it.
func (o *Outbox) pop(head *Task) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) > 0 && o.queue[0] == head {
		o.queue[0] = nil
		o.queue = o.queue[1:]
	}
	if !head.last() {
		return nil
	}
	commit := o.commits[head.Batch]
	delete(o.commits, head.Batch)
	eventbus.Emit(o.bus, "outbox.delivered", head.Batch)
	return commit
}

func (o *Outbox) dropBatch(head *Task, cause error) int {
	o.mu.Lock()
	kept := o.queue[:0]
	n := 0
	for _, t := range o.queue {
		if t.Batch == head.Batch {
			n++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(o.queue); i++ {
		o.queue[i] = nil
	}
	o.queue = kept
	delete(o.commits, head.Batch)
	o.mu.Unlock()

	o.dropped.Add(uint64(n))
	o.log.Error("queued messages dropped",
		logx.String("dest", head.Destination),
		logx.String("batch", head.Batch),
		logx.Int("count", n),
		logx.Int("attempts", head.Attempts),
		logx.Err(cause),
	)
	eventbus.Emit(o.bus, "outbox.dropped", map[string]any{"batch": head.Batch, "count": n})
	return n
}

func (o *Outbox) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Outbox) Status() Status {
	o.mu.Lock()
	st := Status{Depth: len(o.queue)}
	if len(o.queue) > 0 {
		st.Oldest = o.queue[0].EnqueuedAt
	}
	o.mu.Unlock()
	st.Delivered = o.delivered.Load()
	st.Queued = o.queued.Load()
	st.Dropped = o.dropped.Load()
	return st
}
