// Package gate shields rate-limited upstream APIs: it paces calls per target,
// retries transient failures on a fixed escalating schedule and parks calls
// that keep failing for a single slower pass at the end of the collection.
package gate

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"digestbot/internal/eventbus"
	logx "digestbot/pkg/logx"
)

// maxHint bounds how long an upstream Retry-After can stall one attempt.
const maxHint = 2 * time.Minute

type Config struct {
	Backoff     []time.Duration
	MaxAttempts int
	Jitter      float64 // fraction, 0.1 means ±10%
	CallTimeout time.Duration

	DeferredMin time.Duration
	DeferredMax time.Duration

	RatePerSec float64 // per target; <=0 disables pacing
	Burst      int
}

func (c Config) withDefaults() Config {
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.DeferredMin <= 0 {
		c.DeferredMin = 20 * time.Second
	}
	if c.DeferredMax < c.DeferredMin {
		c.DeferredMax = c.DeferredMin
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Params describe a request for logs and reports.
type Params map[string]string

func (p Params) String() string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p[k])
	}
	return strings.Join(parts, "&")
}

// Call performs one upstream attempt. It must honor ctx.
type Call func(ctx context.Context) error

type DeferredRequest struct {
	ID         string
	Pass       string
	Target     string
	Params     Params
	EnqueuedAt time.Time
	Attempts   int
	LastError  string

	call Call
}

type FailedItem struct {
	ID        string
	Target    string
	Params    Params
	LastError string
	FailedAt  time.Time
	Attempts  int
}

// Report summarizes one deferred pass.
type Report struct {
	Attempted int
	Recovered int
	Failed    []FailedItem
}

type Option func(*Gate)

// WithSleep replaces the delay primitive (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gate) {
		if fn != nil {
			g.sleep = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) Option { return func(g *Gate) { g.bus = bus } }

type Gate struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	rmu sync.Mutex
	rng *rand.Rand

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	failed   []FailedItem

	base    *Pass
	pending atomic.Int64
}

// Pass is one collection pass. Requests it defers are drained only by its own
// Drain, so concurrent slots never take over each other's deferred work.
type Pass struct {
	ID string

	g        *Gate
	mu       sync.Mutex
	deferred []*DeferredRequest
}

func New(cfg Config, log logx.Logger, opts ...Option) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gate{
		cfg:      cfg.withDefaults(),
		log:      log,
		sleep:    sleepCtx,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		limiters: map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(g)
	}
	g.base = g.Begin()
	return g
}

func (g *Gate) Config() Config { return g.cfg }

// Begin opens a pass with its own deferred queue. Pacing limiters and the
// failed list stay shared across passes.
func (g *Gate) Begin() *Pass {
	return &Pass{ID: uuid.NewString(), g: g}
}

// BaseDelay is the schedule entry for a 1-based attempt, clamped to the last
// entry.
func (g *Gate) BaseDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(g.cfg.Backoff) {
		idx = len(g.cfg.Backoff) - 1
	}
	return g.cfg.Backoff[idx]
}

// Backoff is BaseDelay with uniform jitter applied.
func (g *Gate) Backoff(attempt int) time.Duration {
	d := g.BaseDelay(attempt)
	if g.cfg.Jitter == 0 {
		return d
	}
	f := 1 + (g.randFloat()*2-1)*g.cfg.Jitter
	d = time.Duration(float64(d) * f)
	if d < 0 {
		return 0
	}
	return d
}

// Request runs call with retries on the gate's own pass. Callers that drain
// concurrently should use Begin.
func (g *Gate) Request(ctx context.Context, target string, params Params, call Call) error {
	return g.base.Request(ctx, target, params, call)
}

// Drain drains the gate's own pass. See Pass.Drain.
func (g *Gate) Drain(ctx context.Context) Report { return g.base.Drain(ctx) }

// Request runs call with retries. A non-retryable error is returned as is. When
// every attempt failed on a transient error the call is deferred on p and
// ErrDeferred is returned.
func (p *Pass) Request(ctx context.Context, target string, params Params, call Call) error {
	g := p.g
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := g.attempt(ctx, target, call)
		if err == nil {
			if attempt > 1 {
				g.log.Debug("upstream recovered", logx.String("target", target), logx.Int("attempt", attempt))
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !Retryable(err) {
			return err
		}
		lastErr = err
		if attempt == g.cfg.MaxAttempts {
			break
		}

		delay := g.Backoff(attempt)
		if hint := retryHint(err); hint > delay {
			delay = min(hint, maxHint)
		}
		g.log.Debug("upstream retry",
			logx.String("target", target),
			logx.String("params", params.String()),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if err := g.sleep(ctx, delay); err != nil {
			return err
		}
	}

	req := &DeferredRequest{
		ID:         uuid.NewString(),
		Pass:       p.ID,
		Target:     target,
		Params:     params,
		EnqueuedAt: g.now(),
		Attempts:   g.cfg.MaxAttempts,
		LastError:  errString(lastErr),
		call:       call,
	}
	p.mu.Lock()
	p.deferred = append(p.deferred, req)
	p.mu.Unlock()
	g.pending.Add(1)

	g.log.Warn("upstream deferred",
		logx.String("target", target),
		logx.String("params", params.String()),
		logx.Int("attempts", req.Attempts),
		logx.Err(lastErr),
	)
	eventbus.Emit(g.bus, "gate.deferred", *req)
	return ErrDeferred
}

func (g *Gate) attempt(ctx context.Context, target string, call Call) error {
	if err := g.limiter(target).Wait(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	err := call(cctx)
	if err != nil && ctx.Err() == nil && cctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
		// The call gave up on its own terms after its deadline passed.
		err = errors.Join(err, context.DeadlineExceeded)
	}
	return err
}

// Drain gives every request deferred on p exactly one more attempt after a
// random delay in [DeferredMin, DeferredMax]. Requests that fail again are
// reported and not retried in this cycle. Requests left unattempted because
// ctx ended stay queued.
func (p *Pass) Drain(ctx context.Context) Report {
	g := p.g
	p.mu.Lock()
	queue := p.deferred
	p.deferred = nil
	p.mu.Unlock()
	g.pending.Add(-int64(len(queue)))

	var rep Report
	for i, req := range queue {
		if err := g.sleep(ctx, g.deferredDelay()); err != nil {
			p.requeue(queue[i:])
			return rep
		}
		rep.Attempted++
		req.Attempts++
		err := g.attempt(ctx, req.Target, req.call)
		if err == nil {
			rep.Recovered++
			g.log.Info("deferred request recovered", logx.String("target", req.Target), logx.String("params", req.Params.String()))
			eventbus.Emit(g.bus, "gate.recovered", req.ID)
			continue
		}
		if ctx.Err() != nil {
			p.requeue(queue[i:])
			return rep
		}
		item := FailedItem{
			ID:        req.ID,
			Target:    req.Target,
			Params:    req.Params,
			LastError: err.Error(),
			FailedAt:  g.now(),
			Attempts:  req.Attempts,
		}
		rep.Failed = append(rep.Failed, item)
		g.mu.Lock()
		g.failed = append(g.failed, item)
		g.mu.Unlock()
		g.log.Warn("deferred request failed", logx.String("target", req.Target), logx.String("params", req.Params.String()), logx.Err(err))
		eventbus.Emit(g.bus, "gate.failed", item)
	}
	return rep
}

// Pending is the number of deferred requests queued across all passes.
func (g *Gate) Pending() int { return int(g.pending.Load()) }

// Pending is the number of requests deferred on p and not yet drained.
func (p *Pass) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deferred)
}

// Failed returns every item that failed its deferred attempt since the last
// ResetFailed.
func (g *Gate) Failed() []FailedItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]FailedItem(nil), g.failed...)
}

func (g *Gate) ResetFailed() {
	g.mu.Lock()
	g.failed = nil
	g.mu.Unlock()
}

func (p *Pass) requeue(rest []*DeferredRequest) {
	p.mu.Lock()
	p.deferred = append(append([]*DeferredRequest(nil), rest...), p.deferred...)
	p.mu.Unlock()
	p.g.pending.Add(int64(len(rest)))
}

func (g *Gate) limiter(target string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[target]
	if !ok {
		limit := rate.Inf
		if g.cfg.RatePerSec > 0 {
			limit = rate.Limit(g.cfg.RatePerSec)
		}
		lim = rate.NewLimiter(limit, g.cfg.Burst)
		g.limiters[target] = lim
	}
	return lim
}

func (g *Gate) deferredDelay() time.Duration {
	span := g.cfg.DeferredMax - g.cfg.DeferredMin
	if span <= 0 {
		return g.cfg.DeferredMin
	}
	return g.cfg.DeferredMin + time.Duration(g.randFloat()*float64(span))
}

func (g *Gate) randFloat() float64 {
	g.rmu.Lock()
	defer g.rmu.Unlock()
	return g.rng.Float64()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
