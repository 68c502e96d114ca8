package app

import (
	"fmt"
	"strings"
	"time"

	"medreminder/internal/config"
	"medreminder/internal/medsource"
	"medreminder/internal/notifier"
	"medreminder/internal/push"
	"medreminder/internal/reminder"
	"medreminder/internal/scheduler"
	"medreminder/internal/storage"
	"medreminder/internal/surface/console"
	"medreminder/internal/surface/telegram"
	logx "medreminder/pkg/logx"
)

const (
	defaultSyncSpec       = "every:15m"
	defaultSourceTimeout  = 10 * time.Second
	defaultShutdownWindow = 5 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifierConfig fills the defaults documented on config.NotifierConfig.
// A nil section gets all of them; an explicit section keeps its counts
// (retry_max: 0 disables retries).
func mapNotifierConfig(cfg *config.Config, haveStore bool) (notifier.Config, error) {
	out := notifier.Config{
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		SendTimeout:     10 * time.Second,
		DedupWindow:     10 * time.Minute,
		DedupMaxEntries: 512,
		HistorySize:     100,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	if n.RatePerSec > 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	out.RetryMax = n.RetryMax
	if n.DedupMaxEntries > 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	if n.HistorySize > 0 {
		out.HistorySize = n.HistorySize
	}

	var err error
	if out.RetryBase, err = config.DurationOr("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.DurationOr("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.DurationOr("notifier.send_timeout", n.SendTimeout, out.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if strings.TrimSpace(n.DedupWindow) != "" {
		if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			return notifier.Config{}, err
		}
		// "0s" is an explicit opt-out of the window.
		if out.DedupWindow <= 0 {
			out.DedupWindow = notifier.DedupDisabled
		}
	}
	out.PersistDedup = n.PersistDedup && haveStore
	return out, nil
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return reminder.Config{}, err
	}
	timeout, err := config.DurationOr("reminder.dispatch_timeout", cfg.Reminder.DispatchTimeout, 15*time.Second)
	if err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{
		Location:        loc,
		DispatchTimeout: timeout,
		TitlePrefix:     cfg.Reminder.TitlePrefix,
	}, nil
}

func mapPushConfig(cfg *config.Config) (push.Config, error) {
	timeout, err := config.DurationOr("push.dispatch_timeout", cfg.Push.DispatchTimeout, 15*time.Second)
	if err != nil {
		return push.Config{}, err
	}
	return push.Config{
		AppURL:          cfg.Push.AppURL,
		InboxSize:       cfg.Push.InboxSize,
		DispatchTimeout: timeout,
	}, nil
}

// syncSpec returns the scheduler spec for periodic medicine syncs, or
// false when they are disabled.
func syncSpec(cfg *config.Config) (string, bool, error) {
	spec := strings.TrimSpace(cfg.Source.Sync)
	if spec == "" {
		spec = defaultSyncSpec
	}
	if strings.EqualFold(spec, "off") {
		return "", false, nil
	}
	if _, err := scheduler.ParseSchedule(spec); err != nil {
		return "", false, fmt.Errorf("source.sync: %w", err)
	}
	return spec, true, nil
}

func buildSurface(cfg *config.Config, log logx.Logger) (notifier.Surface, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Surface.Kind)) {
	case "", "console":
		return console.New(logx.Stdout()), nil
	case "none":
		return nil, nil
	case "telegram":
		tc := cfg.Surface.Telegram
		timeout, err := config.ParseDurationField("surface.telegram.timeout", tc.Timeout)
		if err != nil {
			return nil, err
		}
		s, err := telegram.New(telegram.Config{
			Token:    tc.Token,
			ChatID:   tc.ChatID,
			ThreadID: tc.ThreadID,
			APIURL:   tc.APIURL,
			Timeout:  timeout,
		}, log.With(logx.String("comp", "surface.telegram")))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown surface.kind: %s", cfg.Surface.Kind)
	}
}

func buildSource(cfg *config.Config, log logx.Logger) (medsource.Source, error) {
	sc := cfg.Source
	log = log.With(logx.String("comp", "medsource"))
	switch strings.ToLower(strings.TrimSpace(sc.Kind)) {
	case "http":
		timeout, err := config.DurationOr("source.timeout", sc.Timeout, defaultSourceTimeout)
		if err != nil {
			return nil, err
		}
		c, err := medsource.NewClient(medsource.ClientConfig{
			BaseURL:    sc.BaseURL,
			Token:      sc.Token,
			Timeout:    timeout,
			RetryCount: sc.RetryCount,
		}, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "file":
		return medsource.File{Path: sc.File, Log: log}, nil
	default:
		return nil, fmt.Errorf("unknown source.kind: %s", sc.Kind)
	}
}

// SourceFromConfig builds the configured medicine source for one-shot
// commands that do not start the daemon.
func SourceFromConfig(cfg *config.Config, log logx.Logger) (medsource.Source, error) {
	return buildSource(cfg, log)
}
