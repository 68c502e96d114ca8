package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces environment overrides (MEDREMINDER_SOURCE_TOKEN, ...).
const EnvPrefix = "MEDREMINDER"

// envOverrides lists the settings that may come from the environment.
// Empty values leave the file setting alone.
type envOverrides struct {
	LogLevel       string `envconfig:"LOG_LEVEL"`
	Timezone       string `envconfig:"TIMEZONE"`
	SourceBaseURL  string `envconfig:"SOURCE_BASE_URL"`
	SourceToken    string `envconfig:"SOURCE_TOKEN"`
	TelegramToken  string `envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID int64  `envconfig:"TELEGRAM_CHAT_ID"`
	HTTPAddr       string `envconfig:"HTTP_ADDR"`
	StoragePath    string `envconfig:"STORAGE_PATH"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config, prefix string) error {
	var env envOverrides
	if err := envconfig.Process(prefix, &env); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, env.LogLevel)
	set(&cfg.Reminder.Timezone, env.Timezone)
	set(&cfg.Source.BaseURL, env.SourceBaseURL)
	set(&cfg.Source.Token, env.SourceToken)
	set(&cfg.Surface.Telegram.Token, env.TelegramToken)
	set(&cfg.HTTP.Addr, env.HTTPAddr)
	if env.TelegramChatID != 0 {
		cfg.Surface.Telegram.ChatID = env.TelegramChatID
	}
	if strings.TrimSpace(env.StoragePath) != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "sqlite"}
		}
		cfg.Storage.Path = strings.TrimSpace(env.StoragePath)
	}
	return nil
}
