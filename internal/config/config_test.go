package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
reminder:
  timezone: Europe/Berlin
  dispatch_timeout: 20s
source:
  kind: http
  base_url: https://api.example.com/api
  sync: every:10m
surface:
  kind: console
http:
  addr: 127.0.0.1:8088
push:
  enabled: true
notifier:
  rate_per_sec: 5
  retry_max: 2
  retry_base: 250ms
  retry_max_delay: 5s
  dedup_window: 10m
  dedup_max_entries: 256
  persist_dedup: true
storage:
  driver: sqlite
  path: ./reminderd.db
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reminder.Timezone != "Europe/Berlin" || cfg.Source.Sync != "every:10m" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Notifier == nil || cfg.Notifier.DedupMaxEntries != 256 || !cfg.Notifier.PersistDedup {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Fatalf("Location = %v, %v", loc, err)
	}
}

func TestParseIsStrict(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"source":{"kind":"file","file":"m.json"},"telegram":{}}`,
		"trailing.json": `{"source":{"kind":"file","file":"m.json"}}{}`,
		"unknown.yaml":  "source:\n  kind: file\n  file: m.json\n  interval: 5m\n",
	}
	for name, body := range cases {
		p := writeFile(t, dir, name, body)
		if _, err := NewConfigManager(p).Parse(); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no source", Config{}, "source.kind is required"},
		{"bad timezone", Config{Source: SourceConfig{Kind: "file", File: "m"}, Reminder: ReminderConfig{Timezone: "Mars/Olympus"}}, "reminder.timezone"},
		{"telegram needs token", Config{Source: SourceConfig{Kind: "file", File: "m"}, Surface: SurfaceConfig{Kind: "telegram"}}, "surface.telegram.token"},
		{"push needs http", Config{Source: SourceConfig{Kind: "file", File: "m"}, Push: PushConfig{Enabled: true}}, "push.enabled requires http.addr"},
		{"bad duration", Config{Source: SourceConfig{Kind: "http", BaseURL: "x", Timeout: "soon"}}, "source.timeout"},
		{"persist without storage", Config{Source: SourceConfig{Kind: "file", File: "m"}, Notifier: &NotifierConfig{PersistDedup: true}}, "persist_dedup requires"},
		{"public pprof needs token", Config{Source: SourceConfig{Kind: "file", File: "m"}, HTTP: HTTPConfig{Addr: ":8080", Pprof: true}}, "http.pprof_token"},
		{"unknown driver", Config{Source: SourceConfig{Kind: "file", File: "m"}, Storage: &StorageConfig{Driver: "redis"}}, "storage.driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want %q", err, tc.want)
			}
		})
	}

	ok := Config{Source: SourceConfig{Kind: "file", File: "meds.yaml"}}
	if err := Validate(&ok); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MEDTEST_SOURCE_TOKEN", "tok")
	t.Setenv("MEDTEST_TELEGRAM_CHAT_ID", "-100123")
	t.Setenv("MEDTEST_TIMEZONE", "Asia/Tokyo")
	t.Setenv("MEDTEST_STORAGE_PATH", "/var/lib/reminderd/db")

	cfg := Config{Reminder: ReminderConfig{Timezone: "UTC"}, Source: SourceConfig{Token: "file-token"}}
	if err := ApplyEnv(&cfg, "MEDTEST"); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Source.Token != "tok" || cfg.Surface.Telegram.ChatID != -100123 || cfg.Reminder.Timezone != "Asia/Tokyo" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/var/lib/reminderd/db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}

	t.Setenv("MEDTEST_TELEGRAM_CHAT_ID", "not-a-number")
	if err := ApplyEnv(&cfg, "MEDTEST"); err == nil {
		t.Fatalf("expected error for bad chat id")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", "MEDTEST_DOTENV_KEY=from-file\n")
	t.Setenv("MEDTEST_DOTENV_KEY", "")
	os.Unsetenv("MEDTEST_DOTENV_KEY")

	if err := LoadDotEnv(p, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("MEDTEST_DOTENV_KEY"); got != "from-file" {
		t.Fatalf("env = %q", got)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Source: SourceConfig{Kind: "http", Token: "one"}, Reminder: ReminderConfig{Timezone: "UTC"}}
	b := &Config{Source: SourceConfig{Kind: "http", Token: "two"}, Reminder: ReminderConfig{Timezone: "Asia/Tokyo"}, Notifier: &NotifierConfig{RatePerSec: 1}}

	changed, attrs := SummarizeConfigChange(a, b)
	want := []string{"notifier", "reminder", "source"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got, _ := SummarizeConfigChange(a, a); len(got) != 0 {
		t.Fatalf("identical configs reported %v", got)
	}
	if r := RestartRequired([]string{"logging", "http", "storage"}); strings.Join(r, ",") != "http,storage" {
		t.Fatalf("RestartRequired = %v", r)
	}
}

func TestReloadPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"source":{"kind":"file","file":"a.json"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if ok, err := m.Reload(context.Background()); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	writeFile(t, dir, "config.json", `{"source":{"kind":"bogus"}}`)
	if ok, err := m.Reload(context.Background()); ok || err == nil {
		t.Fatalf("invalid reload = %v, %v", ok, err)
	}

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Source.File == "veto.json" {
			return os.ErrPermission
		}
		return nil
	})
	writeFile(t, dir, "config.json", `{"source":{"kind":"file","file":"veto.json"}}`)
	if ok, _ := m.Reload(context.Background()); ok {
		t.Fatalf("validator veto ignored")
	}

	writeFile(t, dir, "config.json", `{"source":{"kind":"file","file":"b.json"}}`)
	if ok, err := m.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("reload = %v, %v", ok, err)
	}
	select {
	case c := <-ch:
		if c.Source.File != "b.json" {
			t.Fatalf("published %+v", c.Source)
		}
	default:
		t.Fatalf("nothing published")
	}
	if m.Get().Source.File != "b.json" {
		t.Fatalf("Get = %+v", m.Get().Source)
	}
}

func TestWatchPicksUpEdits(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"source":{"kind":"file","file":"a.json"}}`)
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-ch:
			if c.Source.File == "b.json" {
				return
			}
		case <-tick.C:
			// The watcher may not be registered yet; keep rewriting.
			writeFile(t, dir, "config.json", `{"source":{"kind":"file","file":"b.json"}}`)
		case <-deadline:
			t.Fatalf("watch did not publish the edit")
		}
	}
}
