package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"digestbot/internal/config"
	"digestbot/internal/runtime/supervisor"
	logx "digestbot/pkg/logx"
)

// Start arms the slot timers and brings up the destination. Every time the
// destination becomes ready (first connect and each reconnect) the outbox is
// flushed and missed slots are swept, in that order.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := cfg.Resolve()
		return err
	})

	a.conn.OnReady(a.onReady)

	a.sched.Start(a.sup.Context())

	if a.tg != nil {
		if err := a.tg.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.sup.Go0("console.ready", a.console.Start)
	}

	a.sup.GoRestart("outbox.flush", a.flushLoop, supervisor.WithRestartBackoff(time.Second, time.Minute))
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	if a.status.Enabled() {
		a.sup.GoRestart("status.serve", a.status.Run, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}
	startNotify(a.sup, a.log.With(logx.String("comp", "systemd")))

	a.log.Info("app started",
		logx.Int("slots", len(a.rt.Slots)),
		logx.Int("sources", len(a.rt.Sources)),
		logx.String("timezone", a.sched.Location().String()),
	)
	return nil
}

func (a *App) onReady(ctx context.Context) {
	rep := a.outbox.Flush(ctx)
	if rep.Remaining > 0 {
		a.log.Warn("outbox not drained on ready", logx.Int("remaining", rep.Remaining))
	}
	ran := a.sched.CheckMissedRuns(ctx)
	if len(ran) > 0 {
		a.log.Info("missed slots recovered", logx.Strings("slots", ran))
	}
}

// flushLoop retries queued messages between reconnects, for the case where
// the adapter never lost readiness but a send still failed.
func (a *App) flushLoop(ctx context.Context) error {
	t := time.NewTicker(a.rt.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if a.outbox.Depth() == 0 || !a.conn.IsReady() {
				continue
			}
			a.outbox.Flush(ctx)
		}
	}
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// reloadLoop applies the logging section live and reports other changes as
// needing a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			changed := config.Changed(last, next)
			last = next
			if len(changed) == 0 {
				continue
			}
			a.logs.Apply(config.LoggingRuntime(next.Logging))
			if restart := config.RestartRequired(changed); len(restart) > 0 {
				a.log.Warn("config sections changed; restart required to apply",
					logx.String("sections", strings.Join(restart, ",")))
			}
			a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
		}
	}
}

// Stop cancels background work, stops timers and the adapter, then closes
// storage. Each step is bounded so one stuck component cannot hold shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	if a.tg != nil {
		step("telegram", 2*time.Second, a.tg.Stop)
	}
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	if q := a.outbox.Depth(); q > 0 {
		a.log.Warn("stopped with undelivered messages", logx.Int("queued", q))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}
