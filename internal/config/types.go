package config

// Config is the on-disk document. Durations are Go duration strings ("90s",
// "1h"); Resolve turns it into typed per-component settings.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Digest    DigestConfig    `json:"digest"`
	Gate      GateConfig      `json:"gate"`
	Outbox    OutboxConfig    `json:"outbox"`
	Dedup     DedupConfig     `json:"dedup"`
	Storage   StorageConfig   `json:"storage"`
	Sources   []SourceConfig  `json:"sources"`
	Status    StatusConfig    `json:"status"`
}

// TelegramConfig selects the destination. With an empty token the digest is
// printed to stdout instead.
type TelegramConfig struct {
	Token          string `json:"token,omitempty"`
	Channel        string `json:"channel"`
	APIURL         string `json:"api_url,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	ProbeInterval  string `json:"probe_interval,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  bool              `json:"console"`
	File     LogFileConfig     `json:"file"`
	Telegram TelegramLogConfig `json:"telegram"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TelegramLogConfig forwards WARN+ records to an operator chat.
type TelegramLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Chat       string `json:"chat"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	Timezone    string       `json:"timezone"`
	GraceWindow string       `json:"grace_window"`
	SweepDelay  string       `json:"sweep_delay,omitempty"`
	Slots       []SlotConfig `json:"slots"`
}

// SlotConfig is one daily fire time, "HH:MM" in the scheduler timezone.
type SlotConfig struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Time  string `json:"time"`
}

type DigestConfig struct {
	Title    string `json:"title,omitempty"`
	MaxItems int    `json:"max_items,omitempty"`
}

// GateConfig tunes upstream retries. Jitter is a pointer so an explicit 0
// disables it; omitted means 0.1.
type GateConfig struct {
	Backoff     []string `json:"backoff,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
	Jitter      *float64 `json:"jitter,omitempty"`
	CallTimeout string   `json:"call_timeout,omitempty"`
	DeferredMin string   `json:"deferred_min,omitempty"`
	DeferredMax string   `json:"deferred_max,omitempty"`
	RatePerSec  float64  `json:"rate_per_sec,omitempty"`
	Burst       int      `json:"burst,omitempty"`
}

type OutboxConfig struct {
	MaxAttempts   int     `json:"max_attempts,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
	FlushInterval string  `json:"flush_interval,omitempty"`
}

type DedupConfig struct {
	Window        string   `json:"window,omitempty"`
	MaxEntries    int      `json:"max_entries,omitempty"`
	Persist       bool     `json:"persist,omitempty"`
	DisplayLength int      `json:"display_length,omitempty"`
	Sources       []string `json:"sources,omitempty"`
}

// StorageConfig selects the state driver: file (default), sqlite, redis or
// memory.
type StorageConfig struct {
	Driver        string `json:"driver,omitempty"`
	Path          string `json:"path,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
}

type SourceConfig struct {
	Name    string `json:"name"`
	Section string `json:"section,omitempty"`
	URL     string `json:"url"`
	Limit   int    `json:"limit,omitempty"`
}

// StatusConfig enables the operator HTTP endpoint (/healthz, /status and
// optionally /debug/pprof/).
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}
