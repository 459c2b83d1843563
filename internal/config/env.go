package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envOverlay lists the settings taken from the environment. Non-empty values
// win over the file.
type envOverlay struct {
	TelegramToken string `env:"RELAY_TELEGRAM_TOKEN"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisURL      string `env:"REDIS_URL"`
	SealIdentity  string `env:"RELAY_SEAL_IDENTITY"`
	HTTPAddr      string `env:"RELAY_HTTP_ADDR"`
	HTTPToken     string `env:"RELAY_HTTP_TOKEN"`
	LogLevel      string `env:"RELAY_LOG_LEVEL"`
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overlays environment settings onto cfg.
//
// DATABASE_URL fills storage.url for the postgres family and selects postgres
// when storage is omitted. REDIS_URL fills storage.url for the redis driver.
func ApplyEnv(cfg *Config) error {
	ov, err := env.ParseAs[envOverlay]()
	if err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	if ov.TelegramToken != "" {
		cfg.Transport.Telegram.Token = ov.TelegramToken
	}
	if ov.HTTPAddr != "" {
		cfg.HTTP.Addr = ov.HTTPAddr
	}
	if ov.HTTPToken != "" {
		cfg.HTTP.Token = ov.HTTPToken
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}

	if cfg.Storage == nil && ov.DatabaseURL != "" {
		cfg.Storage = &StorageConfig{Driver: "postgres"}
	}
	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "postgres", "postgresql", "supabase":
			if ov.DatabaseURL != "" {
				st.URL = ov.DatabaseURL
			}
		case "redis":
			if ov.RedisURL != "" {
				st.URL = ov.RedisURL
			}
		}
		if ov.SealIdentity != "" {
			if st.Seal == nil {
				st.Seal = &SealConfig{}
			}
			st.Seal.Identity = ov.SealIdentity
		}
	}
	return nil
}
