package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "15m").
// Secrets (tokens) may be left empty here and supplied from the environment;
// see ApplyEnv.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Reminder ReminderConfig `json:"reminder"`
	Source   SourceConfig   `json:"source"`
	Surface  SurfaceConfig  `json:"surface"`
	HTTP     HTTPConfig     `json:"http"`
	Push     PushConfig     `json:"push"`

	// Notifier is optional; omitted means runtime defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	// Storage is optional; omitted means no persistent dedup or audit.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console (default) | json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ReminderConfig controls the foreground registry.
//
// Defaults:
//   - timezone: the host's local zone
//   - dispatch_timeout: "15s"
//   - title_prefix: "Time to take: "
type ReminderConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	TitlePrefix     string `json:"title_prefix,omitempty"`
}

// SourceConfig selects where medicines come from and how often they are
// re-read.
//
// Example:
//
//	"source": { "kind": "http", "base_url": "https://api.example.com/api", "sync": "every:15m" }
type SourceConfig struct {
	Kind       string `json:"kind"` // http | file
	BaseURL    string `json:"base_url,omitempty"`
	Token      string `json:"token,omitempty"` // do not log
	File       string `json:"file,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`

	// Sync is a scheduler spec ("every:15m", "cron:*/30 * * * *", "07:00").
	// Empty means "every:15m"; "off" disables periodic sync.
	Sync string `json:"sync,omitempty"`
}

// SurfaceConfig selects the notification surface.
type SurfaceConfig struct {
	Kind     string                `json:"kind"` // console | telegram | none
	Telegram TelegramSurfaceConfig `json:"telegram"`
}

type TelegramSurfaceConfig struct {
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// HTTPConfig is the local API (session routes and push ingress).
// An empty addr disables the listener.
type HTTPConfig struct {
	Addr              string `json:"addr"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`

	// Pprof mounts the runtime profiler at /debug/pprof/. A non-loopback
	// addr requires PprofToken.
	Pprof      bool   `json:"pprof,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"` // do not log
}

// PushConfig controls the background channel.
type PushConfig struct {
	Enabled         bool   `json:"enabled"`
	AppURL          string `json:"app_url,omitempty"`
	InboxSize       int    `json:"inbox_size,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
}

// NotifierConfig controls dedup, retries and rate limiting for both
// notifier instances.
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec: 3
//   - retry_max: 3, retry_base: "500ms", retry_max_delay: "10s"
//   - send_timeout: "10s"
//   - dedup_window: "10m", dedup_max_entries: 512
//   - history_size: 100
type NotifierConfig struct {
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./reminderd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // none | file | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}
