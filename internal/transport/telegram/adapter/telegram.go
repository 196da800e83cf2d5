// Package adapter delivers digests to a Telegram channel through telebot.
//
// The adapter does not poll for updates. Reachability is tracked by a probe
// loop (getMe); every not-ready to ready transition runs the ready hooks.
package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"digestbot/internal/runtime/supervisor"
	kit "digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

type Config struct {
	Token          string
	APIURL         string // empty means the public Bot API
	ParseMode      string
	DisablePreview bool

	ProbeInterval time.Duration // while ready
	RetryInterval time.Duration // while not ready
	ProbeTimeout  time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 20 * time.Second
	}
	return c
}

// api is the slice of *tele.Bot the adapter uses.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Raw(method string, payload interface{}) ([]byte, error)
}

type Adapter struct {
	kit.ReadyHooks

	cfg Config
	log logx.Logger
	bot api

	ready  atomic.Bool
	kick   chan struct{}
	firing atomic.Bool

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg = cfg.withDefaults()
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.SendTimeout},
	})
	if err != nil {
		return nil, err
	}
	return newWithAPI(cfg, b, log), nil
}

func newWithAPI(cfg Config, bot api, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg.withDefaults(), log: log, bot: bot, kick: make(chan struct{}, 1)}
}

func (a *Adapter) IsReady() bool { return a.ready.Load() }

// Start launches the probe loop. The first successful probe fires the ready
// hooks.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(false),
	)
	a.sup.GoRestart("telegram.probe", a.probeLoop,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) probeLoop(ctx context.Context) error {
	for {
		a.probe(ctx)

		wait := a.cfg.ProbeInterval
		if !a.IsReady() {
			wait = a.cfg.RetryInterval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-a.kick:
			t.Stop()
		case <-t.C:
		}
	}
}

func (a *Adapter) probe(ctx context.Context) {
	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Raw("getMe", map[string]string{})
		done <- err
	}()

	var err error
	t := time.NewTimer(a.cfg.ProbeTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
		err = context.DeadlineExceeded
	case err = <-done:
	}

	if err != nil {
		if a.ready.Swap(false) {
			a.log.Warn("telegram unreachable", logx.Err(err))
		} else {
			a.log.Debug("telegram probe failed", logx.Err(err))
		}
		return
	}
	if !a.ready.Swap(true) {
		a.log.Info("telegram ready")
		a.fireReady(ctx)
	}
}

// fireReady runs the hooks off the probe loop. A transition that arrives
// while hooks are still running is dropped; the running pass covers it.
func (a *Adapter) fireReady(ctx context.Context) {
	if !a.firing.CompareAndSwap(false, true) {
		return
	}
	run := func(c context.Context) {
		defer a.firing.Store(false)
		a.Fire(c)
	}
	a.runMu.Lock()
	sup := a.sup
	a.runMu.Unlock()
	if sup == nil {
		run(ctx)
		return
	}
	sup.Go0("telegram.on_ready", run)
}

func (a *Adapter) markUnavailable(err error) {
	if a.ready.Swap(false) {
		a.log.Warn("telegram send failed; marking unavailable", logx.Err(err))
	}
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// SendToChannel sends text to channelID ("@name" or a numeric chat id),
// splitting it at the message size limit. Connectivity failures are
// reported as kit.ErrUnavailable.
func (a *Adapter) SendToChannel(ctx context.Context, channelID, text string) error {
	if !a.IsReady() {
		return kit.ErrUnavailable
	}
	to := recipient(strings.TrimSpace(channelID))
	opt := &tele.SendOptions{ParseMode: a.cfg.ParseMode, DisableWebPagePreview: a.cfg.DisablePreview}
	for _, chunk := range splitTelegramText(text, telegramTextLimit, a.cfg.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(to, chunk, opt); err != nil {
			if isConnectivity(err) {
				a.markUnavailable(err)
				return kit.Unavailable(err)
			}
			return err
		}
	}
	return nil
}

type recipient string

func (r recipient) Recipient() string { return string(r) }

// isConnectivity separates "try again later" from "this message is wrong":
// transport errors, flood control and Bot API 5xx are transient.
func isConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return true
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500 || apiErr.Code == http.StatusTooManyRequests
	}
	return true
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and avoids splitting inside HTML tags when parseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
