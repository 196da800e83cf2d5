package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digestbot/internal/storage"
)

const sampleYAML = `
telegram:
  channel: "@news"
logging:
  level: debug
  console: true
scheduler:
  timezone: Europe/Berlin
  grace_window: 45m
  slots:
    - id: morning
      label: Morning
      time: "08:00"
    - id: evening
      time: "18:30"
gate:
  backoff: ["1s", "2s", "4s"]
  max_attempts: 3
dedup:
  window: 10m
  sources: [Reuters]
storage:
  driver: sqlite
  path: ./data/state.db
sources:
  - name: wire
    section: World
    url: http://127.0.0.1:9000/wire.json
    limit: 5
`

func TestDecodeYAMLAndResolve(t *testing.T) {
	t.Setenv(TokenEnv, "")
	cfg, err := Decode("digestbot.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	rt, err := cfg.Resolve()
	require.NoError(t, err)

	assert.Equal(t, "debug", rt.Logging.Level)
	assert.Equal(t, "Europe/Berlin", rt.Scheduler.Timezone)
	assert.Equal(t, 45*time.Minute, rt.Scheduler.Grace)
	require.Len(t, rt.Slots, 2)
	assert.Equal(t, 18, rt.Slots[1].Hour)
	assert.Equal(t, 30, rt.Slots[1].Minute)
	assert.Equal(t, "Morning", rt.Slots[0].Label)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rt.Gate.Backoff)
	assert.Equal(t, 3, rt.Gate.MaxAttempts)
	assert.InDelta(t, 0.1, rt.Gate.Jitter, 1e-9)

	assert.Equal(t, 10*time.Minute, rt.DedupWindow)
	assert.Equal(t, defaultDedupEntries, rt.DedupEntries)
	assert.Equal(t, []string{"Reuters"}, rt.DedupSources)

	assert.Equal(t, "sqlite", rt.Storage.Driver)
	assert.Equal(t, defaultFlushInterval, rt.FlushInterval)
	assert.Equal(t, defaultTitle, rt.Title)
	assert.Empty(t, rt.Telegram.Token)
	assert.Equal(t, "@news", rt.Channel)

	require.Len(t, rt.Sources, 1)
	assert.Equal(t, "World", rt.Sources[0].Section)
	assert.Equal(t, 5, rt.Sources[0].Limit)
}

func TestDecodeJSONRejectsUnknownField(t *testing.T) {
	t.Parallel()
	_, err := Decode("digestbot.json", []byte(`{"scheduler":{"slots":[]},"bogus":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestDecodeYAMLRejectsUnknownField(t *testing.T) {
	t.Parallel()
	_, err := Decode("digestbot.yml", []byte("scheduler:\n  grace: 1h\n"))
	require.Error(t, err)
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()
	_, err := Decode("digestbot.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestExplicitZeroJitter(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.json", []byte(`{"scheduler":{"slots":[{"id":"a","time":"07:00"}]},"gate":{"jitter":0}}`))
	require.NoError(t, err)
	rt, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Zero(t, rt.Gate.Jitter)
}

func TestTokenFromEnv(t *testing.T) {
	t.Setenv(TokenEnv, "123:abc")
	cfg := &Config{
		Telegram:  TelegramConfig{Channel: "@news"},
		Scheduler: SchedulerConfig{Slots: []SlotConfig{{ID: "a", Time: "07:00"}}},
	}
	rt, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", rt.Telegram.Token)
}

func TestResolveErrors(t *testing.T) {
	t.Setenv(TokenEnv, "")
	slot := []SlotConfig{{ID: "a", Time: "07:00"}}
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no slots", Config{}, "scheduler.slots"},
		{"bad time", Config{Scheduler: SchedulerConfig{Slots: []SlotConfig{{ID: "a", Time: "7"}}}}, "slots[0].time"},
		{"hour range", Config{Scheduler: SchedulerConfig{Slots: []SlotConfig{{ID: "a", Time: "24:00"}}}}, "slots[0].time"},
		{"duplicate slot", Config{Scheduler: SchedulerConfig{Slots: []SlotConfig{{ID: "a", Time: "07:00"}, {ID: "a", Time: "08:00"}}}}, "duplicate"},
		{"bad timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus", Slots: slot}}, "scheduler.timezone"},
		{"bad grace", Config{Scheduler: SchedulerConfig{GraceWindow: "soon", Slots: slot}}, "grace_window"},
		{"bad backoff", Config{Scheduler: SchedulerConfig{Slots: slot}, Gate: GateConfig{Backoff: []string{"0s"}}}, "gate.backoff[0]"},
		{"deferred range", Config{Scheduler: SchedulerConfig{Slots: slot}, Gate: GateConfig{DeferredMin: "1m", DeferredMax: "10s"}}, "deferred_max"},
		{"token without channel", Config{Telegram: TelegramConfig{Token: "x"}, Scheduler: SchedulerConfig{Slots: slot}}, "telegram.channel"},
		{"unknown driver", Config{Scheduler: SchedulerConfig{Slots: slot}, Storage: StorageConfig{Driver: "etcd"}}, "storage.driver"},
		{"redis without addr", Config{Scheduler: SchedulerConfig{Slots: slot}, Storage: StorageConfig{Driver: "redis"}}, "redis_addr"},
		{"source without url", Config{Scheduler: SchedulerConfig{Slots: slot}, Sources: []SourceConfig{{Name: "a"}}}, "sources[0].url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cfg.Resolve()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestUnknownDriverWrapsSentinel(t *testing.T) {
	t.Setenv(TokenEnv, "")
	cfg := Config{
		Scheduler: SchedulerConfig{Slots: []SlotConfig{{ID: "a", Time: "07:00"}}},
		Storage:   StorageConfig{Driver: "etcd"},
	}
	_, err := cfg.Resolve()
	assert.ErrorIs(t, err, storage.ErrUnknownDriver)
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	h, m, err := ParseClock(" 06:05 ")
	require.NoError(t, err)
	assert.Equal(t, 6, h)
	assert.Equal(t, 5, m)

	for _, bad := range []string{"", "6", "06:5", "06:60", "-1:00", "aa:bb"} {
		_, _, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestChanged(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}, Scheduler: SchedulerConfig{GraceWindow: "1h"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Scheduler: SchedulerConfig{GraceWindow: "2h"}}

	changed := Changed(a, b)
	assert.Equal(t, []string{"logging", "scheduler"}, changed)
	assert.Equal(t, []string{"scheduler"}, RestartRequired(changed))
	assert.Empty(t, Changed(a, a))
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "digestbot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644))

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Same(t, cfg, m.Get())

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Unchanged content publishes nothing.
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatal("unexpected publish for unchanged file")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644))
	m.reload(context.Background())
	select {
	case got := <-ch:
		assert.Equal(t, "debug", got.Logging.Level)
	default:
		t.Fatal("expected a publish")
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestManagerKeepsCurrentOnBadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "digestbot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644))

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":`), 0o644))
	m.reload(context.Background())
	assert.Equal(t, "info", m.Get().Logging.Level)
}

func TestManagerValidatorRejects(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "digestbot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644))

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		_, err := cfg.Resolve()
		return err
	})

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"warn"}}`), 0o644))
	m.reload(context.Background())
	assert.Equal(t, "info", m.Get().Logging.Level)
}

func TestManagerWatchPicksUpChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "digestbot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644))

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Rewrite until the watcher is up and delivers.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-ch:
			assert.Equal(t, "error", got.Logging.Level)
			cancel()
			require.NoError(t, <-done)
			return
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"error"}}`), 0o644))
		case <-deadline:
			t.Fatal("watch did not publish")
		}
	}
}

func TestExampleConfigResolves(t *testing.T) {
	t.Setenv(TokenEnv, "")
	m := NewManager(filepath.Join("..", "..", "configs", "digestbot.example.yaml"))
	cfg, err := m.Load()
	require.NoError(t, err)
	rt, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Len(t, rt.Slots, 2)
	assert.Len(t, rt.Sources, 2)
	assert.Equal(t, 40*time.Second, rt.Gate.DeferredMax)
	assert.True(t, rt.DedupPersist)
}
