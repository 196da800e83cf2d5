package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"digestbot/internal/broadcast"
	"digestbot/internal/config"
	"digestbot/internal/eventbus"
	"digestbot/internal/fingerprint"
	"digestbot/internal/gate"
	"digestbot/internal/ledger"
	"digestbot/internal/observability/status"
	"digestbot/internal/outbox"
	"digestbot/internal/runtime/supervisor"
	"digestbot/internal/scheduler"
	"digestbot/internal/sources"
	"digestbot/internal/storage"
	"digestbot/internal/transport"
	"digestbot/internal/transport/console"
	telegram "digestbot/internal/transport/telegram/adapter"
	logx "digestbot/pkg/logx"
)

// App wires the digest pipeline: collector, gate, renderer, outbox, ledger
// and scheduler around one destination adapter.
type App struct {
	cfgm *config.Manager
	rt   *config.Runtime

	sup *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	conn    transport.Adapter
	tg      *telegram.Adapter
	console *console.Adapter

	ledger *ledger.Ledger
	gate   *gate.Gate
	outbox *outbox.Outbox
	sched  *scheduler.Scheduler
	runner *broadcast.Runner
	status *status.Server
}

type Option func(*options)

type options struct {
	out    io.Writer
	client *http.Client
	quiet  bool
}

// WithOutput sets where the console destination prints when no bot token is
// configured. Defaults to stdout.
func WithOutput(w io.Writer) Option { return func(o *options) { o.out = w } }

// WithHTTPClient sets the client used to fetch sources.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithQuietLogs discards log output regardless of the logging section.
func WithQuietLogs() Option { return func(o *options) { o.quiet = true } }

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{out: os.Stdout, client: &http.Client{}}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logCfg := rt.Logging
	if o.quiet {
		logCfg = quietLogging()
	}
	logSvc, log := logx.New(logCfg)
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, rt: rt, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(o); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(o options) error {
	rt := a.rt
	root := a.logs.Logger()

	if rt.Telegram.Token != "" {
		tg, err := telegram.New(rt.Telegram, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.tg = tg
		a.conn = tg
		a.logs.SetSender(tg)
	} else {
		a.console = console.New(o.out)
		a.conn = a.console
		a.log.Warn("no telegram token; printing digests to stdout")
	}

	store, err := storage.Open(rt.Storage, root.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store
	a.ledger = ledger.New(store, root.With(logx.String("comp", "ledger")))

	var windowStore storage.Store
	if rt.DedupPersist {
		windowStore = store
	}
	window := fingerprint.NewWindow(rt.DedupWindow, rt.DedupEntries, windowStore, root.With(logx.String("comp", "dedup")))
	hasher := fingerprint.NewHasher(rt.DedupSources, rt.DisplayLength)

	a.gate = gate.New(rt.Gate, root.With(logx.String("comp", "gate")), gate.WithBus(a.bus))
	collector := sources.New(rt.Title, rt.Sources, a.gate, o.client, root.With(logx.String("comp", "sources")))

	a.outbox = outbox.New(rt.Outbox, a.conn, root.With(logx.String("comp", "outbox")), outbox.WithBus(a.bus))

	dest := rt.Channel
	if dest == "" {
		dest = "stdout"
	}
	a.runner = &broadcast.Runner{
		Collector:   collector,
		Renderer:    broadcast.TextRenderer{MaxItems: rt.MaxItems},
		Hasher:      hasher,
		Window:      window,
		Out:         a.outbox,
		Destination: dest,
		Log:         root.With(logx.String("comp", "broadcast")),
		Bus:         a.bus,
	}

	sched, err := scheduler.New(rt.Scheduler, rt.Slots, a.ledger, a.runner.Job(), a.conn,
		root.With(logx.String("comp", "scheduler")), scheduler.WithBus(a.bus))
	if err != nil {
		_ = store.Close()
		return err
	}
	a.sched = sched
	a.status = status.New(rt.Status, a, root.With(logx.String("comp", "status")))
	return nil
}

func quietLogging() logx.Config {
	return logx.Config{Level: "disabled", Console: true}
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Outbox() *outbox.Outbox { return a.outbox }

// Runs returns every ledger record, sorted by slot id.
func (a *App) Runs(ctx context.Context) ([]ledger.RunRecord, error) { return a.ledger.Runs(ctx) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunOnce executes one slot manually and flushes the outbox until the run is
// delivered, queued for good or ctx ends. The ready hooks are not
// registered, so no missed-run sweep happens.
func (a *App) RunOnce(ctx context.Context, slotID string, wait time.Duration) (outbox.Status, error) {
	if a.tg != nil {
		if err := a.tg.Start(ctx); err != nil {
			return outbox.Status{}, err
		}
		defer func() { _ = a.tg.Stop(context.Background()) }()
		if !waitReady(ctx, a.conn, wait) {
			a.log.Warn("destination not ready; the digest will be queued", logx.Duration("waited", wait))
		}
	}

	err := a.sched.RunSlot(ctx, slotID, scheduler.TriggerManual)
	if err != nil && !errors.Is(err, broadcast.ErrNoContent) {
		return a.outbox.Status(), err
	}

	deadline := time.Now().Add(wait)
	for a.outbox.Depth() > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		if a.conn.IsReady() && a.outbox.Flush(ctx).Remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(250 * time.Millisecond):
		}
	}
	return a.outbox.Status(), err
}

func waitReady(ctx context.Context, conn transport.Adapter, wait time.Duration) bool {
	if conn.IsReady() {
		return true
	}
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	deadline := time.After(wait)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return conn.IsReady()
		case <-t.C:
			if conn.IsReady() {
				return true
			}
		}
	}
}

// Close releases storage and logging for commands that never called Start.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		err = errors.Join(err, a.logs.Close())
	}
	return err
}
