package app

import (
	"fmt"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/delivery"
	"relaybot/internal/httpapi"
	"relaybot/internal/jobs"
	"relaybot/internal/ratelimit"
	"relaybot/internal/readiness"
	"relaybot/internal/relay"
	"relaybot/internal/storage"
	"relaybot/internal/transport/loopback"
	"relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"
)

const (
	defaultNotifyLimit = 20
	defaultSweepSpec   = "@every 1h"
	defaultCheckpoint  = "@every 15m"
	jobOff             = "off"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func transportDriver(cfg *config.Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	if d == "" {
		return "telegram"
	}
	return d
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Transport.Telegram
	poll, err := config.ParseDurationOrDefault("transport.telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	heartbeat, err := config.ParseDurationField("transport.telegram.heartbeat", tc.Heartbeat)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:         strings.TrimSpace(tc.Token),
		PollTimeout:   poll,
		APIURL:        strings.TrimSpace(tc.APIURL),
		ContactPrompt: tc.ContactPrompt,
		Heartbeat:     heartbeat,
	}, nil
}

func mapLoopbackConfig(cfg *config.Config) (loopback.Config, error) {
	lc := cfg.Transport.Loopback
	pairAfter, err := config.ParseDurationField("transport.loopback.pair_after", lc.PairAfter)
	if err != nil {
		return loopback.Config{}, err
	}
	return loopback.Config{PairAfter: pairAfter, Recipients: lc.Recipients}, nil
}

// mapStorageConfig reports enabled=false when credentials are not persisted.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}

	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	dial, err := config.ParseDurationField("storage.dial_timeout", sc.DialTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}

	out := storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		URL:         strings.TrimSpace(sc.URL),
		Table:       strings.TrimSpace(sc.Table),
		KeyPrefix:   sc.KeyPrefix,
		BusyTimeout: busy,
		DialTimeout: dial,
	}
	if sc.Seal != nil {
		out.Seal = storage.SealConfig{Identity: strings.TrimSpace(sc.Seal.Identity), Compress: sc.Seal.Compress}
	}

	switch driver {
	case "file", "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required for driver %q", driver)
		}
	case "postgres", "postgresql", "supabase", "redis":
		if out.URL == "" {
			return storage.Config{}, false, fmt.Errorf("storage.url is required for driver %q", driver)
		}
	case "memory":
	default:
		return storage.Config{}, false, fmt.Errorf("storage.driver: unknown %q", sc.Driver)
	}
	return out, true, nil
}

func mapSessionConfig(cfg *config.Config) (readiness.Config, error) {
	sc := cfg.Session
	reconnect, err := config.ParseDurationField("session.reconnect_delay", sc.ReconnectDelay)
	if err != nil {
		return readiness.Config{}, err
	}
	initTimeout, err := config.ParseDurationField("session.init_timeout", sc.InitTimeout)
	if err != nil {
		return readiness.Config{}, err
	}
	persist, err := config.ParseDurationField("session.persist_timeout", sc.PersistTimeout)
	if err != nil {
		return readiness.Config{}, err
	}
	grace, err := config.ParseDurationField("session.shutdown_grace", sc.ShutdownGrace)
	if err != nil {
		return readiness.Config{}, err
	}
	return readiness.Config{
		CredentialKey:  strings.TrimSpace(sc.Key),
		ReconnectDelay: reconnect,
		InitTimeout:    initTimeout,
		PersistTimeout: persist,
		ShutdownGrace:  grace,
	}, nil
}

func mapQueueConfig(cfg *config.Config) (delivery.Config, error) {
	qc := cfg.Queue
	if qc.MaxAttempts < 0 {
		return delivery.Config{}, fmt.Errorf("queue.max_attempts must be >= 0")
	}
	if qc.MaxDepth < 0 {
		return delivery.Config{}, fmt.Errorf("queue.max_depth must be >= 0")
	}
	if qc.RatePerSec < 0 {
		return delivery.Config{}, fmt.Errorf("queue.rate_per_sec must be >= 0")
	}
	retry, err := config.ParseDurationField("queue.retry_base", qc.RetryBase)
	if err != nil {
		return delivery.Config{}, err
	}
	spacing, err := config.ParseDurationField("queue.spacing", qc.Spacing)
	if err != nil {
		return delivery.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("queue.send_timeout", qc.SendTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		MaxAttempts: qc.MaxAttempts,
		RetryBase:   retry,
		Spacing:     spacing,
		SendTimeout: sendTimeout,
		RatePerSec:  qc.RatePerSec,
		MaxDepth:    qc.MaxDepth,
	}, nil
}

func mapWindow(path string, wc config.WindowConfig, defLimit int) (ratelimit.Config, error) {
	if wc.Limit < 0 {
		return ratelimit.Config{}, fmt.Errorf("%s.limit must be >= 0", path)
	}
	window, err := config.ParseDurationOrDefault(path+".window", wc.Window, ratelimit.DefaultWindow)
	if err != nil {
		return ratelimit.Config{}, err
	}
	limit := wc.Limit
	if limit == 0 {
		limit = defLimit
	}
	return ratelimit.Config{Limit: limit, Window: window}, nil
}

func mapRateLimits(cfg *config.Config) (login, notify ratelimit.Config, err error) {
	login, err = mapWindow("rate_limit.login", cfg.RateLimit.Login, ratelimit.DefaultLimit)
	if err != nil {
		return
	}
	notify, err = mapWindow("rate_limit.notify", cfg.RateLimit.Notify, defaultNotifyLimit)
	return
}

func mapDispatcherConfig(cfg *config.Config) (relay.Config, error) {
	dc := cfg.Dispatcher
	loginTimeout, err := config.ParseDurationField("dispatcher.login_timeout", dc.LoginTimeout)
	if err != nil {
		return relay.Config{}, err
	}
	if cc := strings.TrimPrefix(strings.TrimSpace(dc.CountryCode), "+"); cc != "" {
		for _, r := range cc {
			if r < '0' || r > '9' {
				return relay.Config{}, fmt.Errorf("dispatcher.country_code: digits only, got %q", dc.CountryCode)
			}
		}
	}
	return relay.Config{
		CountryCode:        dc.CountryCode,
		Brand:              dc.Brand,
		AcceptWhenNotReady: dc.AcceptWhenNotReady,
		LoginTimeout:       loginTimeout,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, bool, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", hc.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", hc.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	return httpapi.Config{
		Addr:         strings.TrimSpace(hc.Addr),
		Token:        strings.TrimSpace(hc.Token),
		Pprof:        hc.Pprof,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, !hc.Disabled, nil
}

// jobSpecs returns the effective sweep and checkpoint specs; "" means disabled.
func jobSpecs(cfg *config.Config) (sweep, checkpoint string) {
	pick := func(raw, def string) string {
		s := strings.TrimSpace(raw)
		switch {
		case s == "":
			return def
		case strings.EqualFold(s, jobOff):
			return ""
		}
		return s
	}
	return pick(cfg.Jobs.Sweep, defaultSweepSpec), pick(cfg.Jobs.Checkpoint, defaultCheckpoint)
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	tz := strings.TrimSpace(cfg.Jobs.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return jobs.Config{}, fmt.Errorf("jobs.timezone: invalid %q: %w", tz, err)
		}
	}
	return jobs.Config{Timezone: tz}, nil
}

// validate runs every mapper so a bad hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	switch transportDriver(cfg) {
	case "telegram":
		if _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
	case "loopback":
		if _, err := mapLoopbackConfig(cfg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("transport.driver: unknown %q", cfg.Transport.Driver)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSessionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRateLimits(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapJobsConfig(cfg); err != nil {
		return err
	}
	sweep, checkpoint := jobSpecs(cfg)
	scratch := jobs.New(jobs.Config{}, logx.Nop())
	if sweep != "" {
		if err := scratch.Add("sweep", sweep, 0, nopJob); err != nil {
			return fmt.Errorf("jobs.sweep: %w", err)
		}
	}
	if checkpoint != "" {
		if err := scratch.Add("checkpoint", checkpoint, 0, nopJob); err != nil {
			return fmt.Errorf("jobs.checkpoint: %w", err)
		}
	}
	return nil
}
