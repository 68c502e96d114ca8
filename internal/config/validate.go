package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Location resolves reminder.timezone. Empty means the host zone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Reminder.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("reminder.timezone: %w", err)
	}
	return loc, nil
}

// Validate checks everything that can be checked without side effects.
// All problems are reported together.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		add(fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	_, err := c.Location()
	add(err)
	dur("reminder.dispatch_timeout", c.Reminder.DispatchTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Source.Kind)) {
	case "http":
		if strings.TrimSpace(c.Source.BaseURL) == "" {
			add(errors.New("source.base_url is required for kind http"))
		}
	case "file":
		if strings.TrimSpace(c.Source.File) == "" {
			add(errors.New("source.file is required for kind file"))
		}
	case "":
		add(errors.New("source.kind is required (http or file)"))
	default:
		add(fmt.Errorf("source.kind: unknown kind %q", c.Source.Kind))
	}
	dur("source.timeout", c.Source.Timeout)
	if c.Source.RetryCount < 0 {
		add(errors.New("source.retry_count must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Surface.Kind)) {
	case "", "console", "none":
	case "telegram":
		if strings.TrimSpace(c.Surface.Telegram.Token) == "" {
			add(errors.New("surface.telegram.token is required (or MEDREMINDER_TELEGRAM_TOKEN)"))
		}
		if c.Surface.Telegram.ChatID == 0 {
			add(errors.New("surface.telegram.chat_id is required"))
		}
		dur("surface.telegram.timeout", c.Surface.Telegram.Timeout)
	default:
		add(fmt.Errorf("surface.kind: unknown kind %q", c.Surface.Kind))
	}

	dur("http.read_header_timeout", c.HTTP.ReadHeaderTimeout)
	dur("http.shutdown_timeout", c.HTTP.ShutdownTimeout)
	if c.HTTP.Pprof && strings.TrimSpace(c.HTTP.PprofToken) == "" && !isLoopback(c.HTTP.Addr) {
		add(errors.New("http.pprof on a non-loopback addr requires http.pprof_token"))
	}
	if c.Push.Enabled && strings.TrimSpace(c.HTTP.Addr) == "" {
		add(errors.New("push.enabled requires http.addr"))
	}
	if c.Push.InboxSize < 0 {
		add(errors.New("push.inbox_size must be >= 0"))
	}
	dur("push.dispatch_timeout", c.Push.DispatchTimeout)

	if n := c.Notifier; n != nil {
		if n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 || n.HistorySize < 0 {
			add(errors.New("notifier: counts must be >= 0"))
		}
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
		dur("notifier.dedup_window", n.DedupWindow)
		if n.PersistDedup && (c.Storage == nil || isNone(c.Storage.Driver)) {
			add(errors.New("notifier.persist_dedup requires a storage driver"))
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path is required for driver %q", s.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	return errors.Join(errs...)
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func isNone(driver string) bool {
	d := strings.ToLower(strings.TrimSpace(driver))
	return d == "" || d == "none"
}

// ParseDurationField parses an optional non-negative duration; empty is zero.
// path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// DurationOr is ParseDurationField with def for empty or zero values.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
