// Package scheduler fires daily slots at local wall-clock times and recovers
// slots missed while the process was down or the destination unreachable.
//
// Each fire recomputes the next occurrence from the current time in the
// configured zone, so DST changes never drift the schedule. A failed or
// skipped run is not recorded; the next missed-run sweep picks it up.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"digestbot/internal/eventbus"
	"digestbot/internal/ledger"
	logx "digestbot/pkg/logx"
)

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

func WithBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

type Scheduler struct {
	cfg    Config
	loc    *time.Location
	slots  []Slot
	byID   map[string]Slot
	specs  map[string]cron.Schedule
	states map[string]*runState

	ledger *ledger.Ledger
	job    Job
	ready  Readiness
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	ctx     context.Context
	started bool
	timers  map[string]*time.Timer
	next    map[string]time.Time

	sweepMu sync.Mutex
}

func New(cfg Config, slots []Slot, l *ledger.Ledger, job Job, ready Readiness, log logx.Logger, opts ...Option) (*Scheduler, error) {
	if err := ledger.Validate(slots); err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("scheduler: job is required")
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 60 * time.Minute
	}
	if cfg.SweepDelay < 0 {
		cfg.SweepDelay = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cfg:    cfg,
		loc:    loc,
		slots:  append([]Slot(nil), slots...),
		byID:   make(map[string]Slot, len(slots)),
		specs:  make(map[string]cron.Schedule, len(slots)),
		states: make(map[string]*runState, len(slots)),
		ledger: l,
		job:    job,
		ready:  ready,
		log:    log,
		now:    time.Now,
		sleep:  sleepCtx,
		timers: map[string]*time.Timer{},
		next:   map[string]time.Time{},
	}
	for _, sl := range slots {
		expr := fmt.Sprintf("CRON_TZ=%s %d %d * * *", loc.String(), sl.Minute, sl.Hour)
		sched, err := parser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", sl.ID, err)
		}
		s.byID[sl.ID] = sl
		s.specs[sl.ID] = sched
		s.states[sl.ID] = &runState{}
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

func (s *Scheduler) Location() *time.Location { return s.loc }

func (s *Scheduler) Slots() []Slot { return append([]Slot(nil), s.slots...) }

// NextFire returns the first occurrence of slotID strictly after t. A slot
// whose wall-clock time does not exist on a spring-forward day fires at the
// normalized instant (02:30 becomes 03:30) instead of skipping the day.
func (s *Scheduler) NextFire(slotID string, t time.Time) (time.Time, error) {
	sched, ok := s.specs[slotID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
	}
	next := sched.Next(t).In(s.loc)

	sl := s.byID[slotID]
	y, m, d := t.In(s.loc).Date()
	want := time.Date(y, m, d, sl.Hour, sl.Minute, 0, 0, s.loc)
	if !want.After(t) {
		want = time.Date(y, m, d+1, sl.Hour, sl.Minute, 0, 0, s.loc)
	}
	if next.After(want) && !sameDay(next, want) {
		return want, nil
	}
	return next, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

// Start arms one timer per slot. It does not sweep; the ready hook does.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	now := s.now()
	for _, sl := range s.slots {
		s.arm(sl.ID, now)
	}
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("slots", len(s.slots)), logx.Duration("grace", s.cfg.Grace))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// arm schedules the next fire of slotID after the later of now and after.
func (s *Scheduler) arm(slotID string, after time.Time) {
	now := s.now()
	if now.After(after) {
		after = now
	}
	at, err := s.NextFire(slotID, after)
	if err != nil {
		s.log.Error("cannot arm slot", logx.String("slot", slotID), logx.Err(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if old := s.timers[slotID]; old != nil {
		old.Stop()
	}
	s.next[slotID] = at
	s.timers[slotID] = time.AfterFunc(at.Sub(now), func() { s.onFire(slotID, at) })
	s.log.Debug("slot armed", logx.String("slot", slotID), logx.Time("at", at))
}

// Next returns the armed fire time of slotID.
func (s *Scheduler) Next(slotID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.next[slotID]
	return t, ok
}

func (s *Scheduler) onFire(slotID string, scheduled time.Time) {
	s.arm(slotID, scheduled)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	if s.ready != nil && !s.ready.IsReady() {
		s.log.Warn("destination not ready; slot left for missed-run sweep", logx.String("slot", slotID), logx.Time("scheduled", scheduled))
		eventbus.Emit(s.bus, "slot.skipped", slotID)
		return
	}
	_ = s.runSlot(ctx, slotID, TriggerTimer, scheduled)
}

// RunSlot runs slotID now. A second trigger for a slot that is still running
// returns ErrSlotBusy. Job errors and panics are logged and returned; the
// slot is not recorded.
func (s *Scheduler) RunSlot(ctx context.Context, slotID string, trigger Trigger) error {
	sl, ok := s.byID[slotID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
	}
	return s.runSlot(ctx, slotID, trigger, ledger.LastOccurrence(sl, s.now().In(s.loc)))
}

func (s *Scheduler) runSlot(ctx context.Context, slotID string, trigger Trigger, scheduled time.Time) (err error) {
	sl, ok := s.byID[slotID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
	}
	log := s.log.With(logx.String("slot", slotID), logx.String("trigger", string(trigger)))

	st := s.states[slotID]
	if !st.tryAcquire() {
		log.Warn("slot already running; trigger dropped")
		eventbus.Emit(s.bus, "slot.skipped", slotID)
		return ErrSlotBusy
	}
	defer st.release()

	prev := s.ledger.GetRun(ctx, slotID)
	if trigger == TriggerSweep && !prev.LastRunAt.IsZero() && !prev.LastRunAt.Before(scheduled) {
		log.Info("slot recorded since the sweep started; skipped", logx.Time("last_run", prev.LastRunAt))
		return errAlreadyRecorded
	}

	started := s.now()
	run := Run{
		Slot:      sl,
		Trigger:   trigger,
		Scheduled: scheduled,
		Started:   started,
		Previous:  prev,
		Commit:    s.commitFunc(sl, log),
	}
	log.Info("slot fired", logx.Time("scheduled", scheduled))
	eventbus.Emit(s.bus, "slot.fired", slotID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("slot run panicked; run not recorded", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			eventbus.Emit(s.bus, "slot.failed", slotID)
			err = fmt.Errorf("slot %s: panic: %v", slotID, r)
		}
	}()

	if err := s.job(ctx, run); err != nil {
		log.Error("slot run failed; run not recorded", logx.Duration("took", s.now().Sub(started)), logx.Err(err))
		eventbus.Emit(s.bus, "slot.failed", slotID)
		return fmt.Errorf("slot %s: %w", slotID, err)
	}
	log.Info("slot run finished", logx.Duration("took", s.now().Sub(started)))
	return nil
}

func (s *Scheduler) commitFunc(sl Slot, log logx.Logger) func(hash string) {
	var once sync.Once
	return func(hash string) {
		once.Do(func() {
			at := s.now()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.ledger.Record(ctx, sl.ID, at, hash); err != nil {
				log.Error("run record write failed", logx.Err(err))
				return
			}
			log.Info("run recorded", logx.Time("at", at), logx.String("hash", hash))
			eventbus.Emit(s.bus, "slot.recorded", sl.ID)
		})
	}
}

// CheckMissedRuns runs, one after another, every slot the ledger reports as
// pending for the current time. It returns the ids it ran.
func (s *Scheduler) CheckMissedRuns(ctx context.Context) []string {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if s.ready != nil && !s.ready.IsReady() {
		s.log.Debug("missed-run sweep skipped; destination not ready")
		return nil
	}
	now := s.now().In(s.loc)
	pending := s.ledger.GetPendingSlots(ctx, now, s.cfg.Grace, s.slots)
	if len(pending) == 0 {
		s.log.Debug("missed-run sweep: nothing pending")
		return nil
	}
	s.log.Info("missed-run sweep", logx.Strings("pending", pending))

	ran := make([]string, 0, len(pending))
	for i, id := range pending {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.SweepDelay); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		sl := s.byID[id]
		if err := s.runSlot(ctx, id, TriggerSweep, ledger.LastOccurrence(sl, now)); errors.Is(err, errAlreadyRecorded) {
			continue
		}
		ran = append(ran, id)
	}
	return ran
}

func (s *Scheduler) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Timezone: s.loc.String(), Grace: s.cfg.Grace}
	now := s.now()
	for _, sl := range s.slots {
		info := SlotInfo{Slot: sl, Running: s.states[sl.ID].running()}
		if t, ok := s.Next(sl.ID); ok {
			info.Next = t
		} else if t, err := s.NextFire(sl.ID, now); err == nil {
			info.Next = t
		}
		rec := s.ledger.GetRun(ctx, sl.ID)
		info.LastRunAt = rec.LastRunAt
		info.LastHash = rec.LastContentHash
		snap.Slots = append(snap.Slots, info)
	}
	return snap
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
