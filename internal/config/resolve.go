package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"digestbot/internal/gate"
	"digestbot/internal/ledger"
	"digestbot/internal/observability/status"
	"digestbot/internal/outbox"
	"digestbot/internal/scheduler"
	"digestbot/internal/sources"
	"digestbot/internal/storage"
	"digestbot/internal/transport/telegram/adapter"
	logx "digestbot/pkg/logx"
)

// TokenEnv overrides telegram.token when the file leaves it empty.
const TokenEnv = "DIGESTBOT_TELEGRAM_TOKEN"

const (
	defaultTitle         = "Daily digest"
	defaultJitter        = 0.1
	defaultFlushInterval = time.Minute
	defaultDedupWindow   = 5 * time.Minute
	defaultDedupEntries  = 1024
)

// Runtime is the resolved, typed form of Config.
type Runtime struct {
	Logging   logx.Config
	Telegram  adapter.Config
	Channel   string
	Scheduler scheduler.Config
	Slots     []scheduler.Slot
	Gate      gate.Config
	Outbox    outbox.Config
	Storage   storage.Config
	Sources   []sources.Source
	Status    status.Config

	Title         string
	MaxItems      int
	FlushInterval time.Duration

	DedupWindow   time.Duration
	DedupEntries  int
	DedupPersist  bool
	DisplayLength int
	DedupSources  []string
}

// Resolve validates c and applies defaults.
func (c *Config) Resolve() (*Runtime, error) {
	if c == nil {
		return nil, errors.New("config is nil")
	}
	rt := &Runtime{
		Logging: LoggingRuntime(c.Logging),
		Title:   strings.TrimSpace(c.Digest.Title),
	}
	if rt.Title == "" {
		rt.Title = defaultTitle
	}
	if c.Digest.MaxItems < 0 {
		return nil, errors.New("digest.max_items: must be >= 0")
	}
	rt.MaxItems = c.Digest.MaxItems

	if err := c.resolveTelegram(rt); err != nil {
		return nil, err
	}
	if err := c.resolveScheduler(rt); err != nil {
		return nil, err
	}
	if err := c.resolveGate(rt); err != nil {
		return nil, err
	}
	if err := c.resolveOutbox(rt); err != nil {
		return nil, err
	}
	if err := c.resolveDedup(rt); err != nil {
		return nil, err
	}
	if err := c.resolveStorage(rt); err != nil {
		return nil, err
	}
	if err := c.resolveSources(rt); err != nil {
		return nil, err
	}
	rt.Status = status.Config{
		Enabled: c.Status.Enabled,
		Addr:    strings.TrimSpace(c.Status.Addr),
		Token:   strings.TrimSpace(c.Status.Token),
		Pprof:   c.Status.Pprof,
	}
	return rt, nil
}

// LoggingRuntime maps the logging section onto logx.Config. It is also used
// on hot reload.
func LoggingRuntime(l LoggingConfig) logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Channel: logx.ChannelConfig{
			Enabled:    l.Telegram.Enabled,
			ChannelID:  l.Telegram.Chat,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func (c *Config) resolveTelegram(rt *Runtime) error {
	t := c.Telegram
	token := strings.TrimSpace(t.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(TokenEnv))
	}
	probe, err := ParseDurationOrDefault("telegram.probe_interval", t.ProbeInterval, 30*time.Second)
	if err != nil {
		return err
	}
	send, err := ParseDurationOrDefault("telegram.send_timeout", t.SendTimeout, 20*time.Second)
	if err != nil {
		return err
	}
	rt.Channel = strings.TrimSpace(t.Channel)
	if token != "" && rt.Channel == "" {
		return errors.New("telegram.channel: required when a token is set")
	}
	rt.Telegram = adapter.Config{
		Token:          token,
		APIURL:         strings.TrimSpace(t.APIURL),
		ParseMode:      t.ParseMode,
		DisablePreview: t.DisablePreview,
		ProbeInterval:  probe,
		SendTimeout:    send,
	}
	return nil
}

func (c *Config) resolveScheduler(rt *Runtime) error {
	s := c.Scheduler
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	grace, err := ParseDurationOrDefault("scheduler.grace_window", s.GraceWindow, 60*time.Minute)
	if err != nil {
		return err
	}
	sweep, err := ParseDurationField("scheduler.sweep_delay", s.SweepDelay)
	if err != nil {
		return err
	}
	rt.Scheduler = scheduler.Config{Timezone: strings.TrimSpace(s.Timezone), Grace: grace, SweepDelay: sweep}

	if len(s.Slots) == 0 {
		return errors.New("scheduler.slots: at least one slot is required")
	}
	slots := make([]scheduler.Slot, 0, len(s.Slots))
	for i, sc := range s.Slots {
		h, m, err := ParseClock(sc.Time)
		if err != nil {
			return fmt.Errorf("scheduler.slots[%d].time: %w", i, err)
		}
		slots = append(slots, scheduler.Slot{
			ID:     strings.TrimSpace(sc.ID),
			Label:  strings.TrimSpace(sc.Label),
			Hour:   h,
			Minute: m,
		})
	}
	if err := ledger.Validate(slots); err != nil {
		return fmt.Errorf("scheduler.slots: %w", err)
	}
	rt.Slots = slots
	return nil
}

func (c *Config) resolveGate(rt *Runtime) error {
	g := c.Gate
	backoff := make([]time.Duration, 0, len(g.Backoff))
	for i, raw := range g.Backoff {
		d, err := ParseDurationField(fmt.Sprintf("gate.backoff[%d]", i), raw)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("gate.backoff[%d]: must be > 0", i)
		}
		backoff = append(backoff, d)
	}
	if g.MaxAttempts < 0 {
		return errors.New("gate.max_attempts: must be >= 0")
	}
	jitter := defaultJitter
	if g.Jitter != nil {
		jitter = *g.Jitter
	}
	if jitter < 0 || jitter >= 1 {
		return errors.New("gate.jitter: must be in [0, 1)")
	}
	callTimeout, err := ParseDurationField("gate.call_timeout", g.CallTimeout)
	if err != nil {
		return err
	}
	dmin, err := ParseDurationField("gate.deferred_min", g.DeferredMin)
	if err != nil {
		return err
	}
	dmax, err := ParseDurationField("gate.deferred_max", g.DeferredMax)
	if err != nil {
		return err
	}
	if dmin > 0 && dmax > 0 && dmax < dmin {
		return errors.New("gate.deferred_max: must be >= deferred_min")
	}
	rt.Gate = gate.Config{
		Backoff:     backoff,
		MaxAttempts: g.MaxAttempts,
		Jitter:      jitter,
		CallTimeout: callTimeout,
		DeferredMin: dmin,
		DeferredMax: dmax,
		RatePerSec:  g.RatePerSec,
		Burst:       g.Burst,
	}
	return nil
}

func (c *Config) resolveOutbox(rt *Runtime) error {
	o := c.Outbox
	if o.MaxAttempts < 0 {
		return errors.New("outbox.max_attempts: must be >= 0")
	}
	send, err := ParseDurationField("outbox.send_timeout", o.SendTimeout)
	if err != nil {
		return err
	}
	flush, err := ParseDurationOrDefault("outbox.flush_interval", o.FlushInterval, defaultFlushInterval)
	if err != nil {
		return err
	}
	rt.Outbox = outbox.Config{MaxAttempts: o.MaxAttempts, RatePerSec: o.RatePerSec, Burst: o.Burst, SendTimeout: send}
	rt.FlushInterval = flush
	return nil
}

func (c *Config) resolveDedup(rt *Runtime) error {
	d := c.Dedup
	window, err := ParseDurationOrDefault("dedup.window", d.Window, defaultDedupWindow)
	if err != nil {
		return err
	}
	rt.DedupWindow = window
	rt.DedupEntries = d.MaxEntries
	if rt.DedupEntries <= 0 {
		rt.DedupEntries = defaultDedupEntries
	}
	rt.DedupPersist = d.Persist
	rt.DisplayLength = d.DisplayLength
	if rt.DisplayLength < 0 || rt.DisplayLength > 64 {
		return errors.New("dedup.display_length: must be in [0, 64]")
	}
	rt.DedupSources = append([]string(nil), d.Sources...)
	return nil
}

func (c *Config) resolveStorage(rt *Runtime) error {
	s := c.Storage
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return err
	}
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	switch driver {
	case "", "file", "sqlite", "sqlite3", "memory", "mem":
	case "redis":
		if strings.TrimSpace(s.RedisAddr) == "" {
			return errors.New("storage.redis_addr: required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver: %w: %q", storage.ErrUnknownDriver, s.Driver)
	}
	rt.Storage = storage.Config{
		Driver:        driver,
		Path:          strings.TrimSpace(s.Path),
		BusyTimeout:   busy,
		RedisAddr:     strings.TrimSpace(s.RedisAddr),
		RedisPassword: s.RedisPassword,
		RedisDB:       s.RedisDB,
		KeyPrefix:     strings.TrimSpace(s.KeyPrefix),
	}
	return nil
}

func (c *Config) resolveSources(rt *Runtime) error {
	seen := map[string]bool{}
	out := make([]sources.Source, 0, len(c.Sources))
	for i, s := range c.Sources {
		name := strings.TrimSpace(s.Name)
		url := strings.TrimSpace(s.URL)
		if name == "" {
			return fmt.Errorf("sources[%d].name: required", i)
		}
		if url == "" {
			return fmt.Errorf("sources[%d].url: required", i)
		}
		if seen[name] {
			return fmt.Errorf("sources[%d].name: duplicate %q", i, name)
		}
		seen[name] = true
		if s.Limit < 0 {
			return fmt.Errorf("sources[%d].limit: must be >= 0", i)
		}
		section := strings.TrimSpace(s.Section)
		if section == "" {
			section = name
		}
		out = append(out, sources.Source{Name: name, Section: section, URL: url, Limit: s.Limit})
	}
	rt.Sources = out
	return nil
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(raw string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q: want HH:MM", raw)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", raw)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 || len(ms) != 2 {
		return 0, 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return hour, minute, nil
}
