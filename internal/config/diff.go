package config

import (
	"reflect"
	"sort"
	"strings"

	logx "medreminder/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Tokens are never included, only whether
// they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reminder, newCfg.Reminder) {
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.String("reminder.timezone", strings.TrimSpace(newCfg.Reminder.Timezone)),
			logx.String("reminder.dispatch_timeout", strings.TrimSpace(newCfg.Reminder.DispatchTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.kind", newCfg.Source.Kind),
			logx.String("source.sync", strings.TrimSpace(newCfg.Source.Sync)),
			logx.Bool("source.token_set", strings.TrimSpace(newCfg.Source.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Surface, newCfg.Surface) {
		changed = append(changed, "surface")
		attrs = append(attrs,
			logx.String("surface.kind", newCfg.Surface.Kind),
			logx.Bool("surface.telegram.token_set", strings.TrimSpace(newCfg.Surface.Telegram.Token) != ""),
			logx.Int64("surface.telegram.chat_id", newCfg.Surface.Telegram.ChatID),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr), logx.Bool("http.pprof", newCfg.HTTP.Pprof))
	}

	if oldCfg.Push != newCfg.Push {
		changed = append(changed, "push")
		attrs = append(attrs, logx.Bool("push.enabled", newCfg.Push.Enabled))
	}

	// Nil notifier means runtime defaults; compare effective values.
	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.String("notifier.dedup_window", newN.DedupWindow),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	// Nil storage means disabled.
	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

// RestartRequired reports sections whose changes only take effect after a
// restart (listeners, surfaces, storage handles).
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "http", "push", "surface", "storage":
			out = append(out, s)
		}
	}
	return out
}
