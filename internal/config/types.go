package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "1h"); empty or zero means the default.
// Secrets are normally supplied through the environment, see env.go.
type Config struct {
	Transport  TransportConfig  `json:"transport"`
	Session    SessionConfig    `json:"session"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Queue      QueueConfig      `json:"queue"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	HTTP       HTTPConfig       `json:"http"`
	Logging    LoggingConfig    `json:"logging"`
	Jobs       JobsConfig       `json:"jobs"`
}

// TransportConfig selects the messaging transport.
//
//	"transport": { "driver": "telegram", "telegram": { "poll_timeout": "10s" } }
//
// driver: "telegram" (default) or "loopback" for local runs without a network.
type TransportConfig struct {
	Driver   string         `json:"driver"`
	Telegram TelegramConfig `json:"telegram"`
	Loopback LoopbackConfig `json:"loopback"`
}

type TelegramConfig struct {
	Token         string `json:"token,omitempty"` // prefer RELAY_TELEGRAM_TOKEN
	PollTimeout   string `json:"poll_timeout,omitempty"`
	APIURL        string `json:"api_url,omitempty"`
	ContactPrompt string `json:"contact_prompt,omitempty"`
	Heartbeat     string `json:"heartbeat,omitempty"`
}

type LoopbackConfig struct {
	// PairAfter completes pairing automatically; empty waits forever.
	PairAfter  string   `json:"pair_after,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// SessionConfig tunes the readiness monitor.
//
// Defaults: key "relay-main-session", reconnect_delay 10s, init_timeout 90s,
// persist_timeout 10s, shutdown_grace 5s.
type SessionConfig struct {
	Key            string `json:"key,omitempty"`
	ReconnectDelay string `json:"reconnect_delay,omitempty"`
	InitTimeout    string `json:"init_timeout,omitempty"`
	PersistTimeout string `json:"persist_timeout,omitempty"`
	ShutdownGrace  string `json:"shutdown_grace,omitempty"`
}

// StorageConfig selects where the session credential lives. Omitted or
// driver "none" keeps nothing across restarts.
//
//	"storage": { "driver": "sqlite", "path": "./relaybot.db" }
//	"storage": { "driver": "postgres" }   // URL from DATABASE_URL
//	"storage": { "driver": "redis", "key_prefix": "relay:" }   // URL from REDIS_URL
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	URL         string      `json:"url,omitempty"` // do not log
	Table       string      `json:"table,omitempty"`
	KeyPrefix   string      `json:"key_prefix,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	DialTimeout string      `json:"dial_timeout,omitempty"` // postgres, redis
	Seal        *SealConfig `json:"seal,omitempty"`
}

// SealConfig encrypts (age X25519) and/or compresses (zstd) credentials at rest.
type SealConfig struct {
	Identity string `json:"identity,omitempty"` // AGE-SECRET-KEY-1...; prefer RELAY_SEAL_IDENTITY
	Compress bool   `json:"compress"`
}

// RateLimitConfig holds the per-recipient admission windows. Login links
// default to 3 per hour, other notifications to 20 per hour.
type RateLimitConfig struct {
	Login  WindowConfig `json:"login"`
	Notify WindowConfig `json:"notify"`
}

type WindowConfig struct {
	Limit  int    `json:"limit,omitempty"`
	Window string `json:"window,omitempty"`
}

// QueueConfig paces outbound delivery.
//
// Defaults: max_attempts 3, retry_base 1s (linear), spacing 2s, send_timeout 30s,
// rate_per_sec 0 (unlimited), max_depth 10000.
type QueueConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	RetryBase   string  `json:"retry_base,omitempty"`
	Spacing     string  `json:"spacing,omitempty"`
	SendTimeout string  `json:"send_timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	MaxDepth    int     `json:"max_depth,omitempty"`
}

type DispatcherConfig struct {
	CountryCode        string `json:"country_code,omitempty"` // default "249"
	Brand              string `json:"brand,omitempty"`
	AcceptWhenNotReady bool   `json:"accept_when_not_ready,omitempty"`
	LoginTimeout       string `json:"login_timeout,omitempty"`
}

// HTTPConfig controls the API server. Bind to loopback unless a token is set.
type HTTPConfig struct {
	Disabled     bool   `json:"disabled,omitempty"`
	Addr         string `json:"addr,omitempty"`  // default "127.0.0.1:8080"
	Token        string `json:"token,omitempty"` // bearer token for /api (do not log)
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// JobsConfig schedules housekeeping with cron specs ("@every 1h", "0 */6 * * *").
// An explicit "off" disables a job.
type JobsConfig struct {
	Sweep      string `json:"sweep,omitempty"`      // default "@every 1h"
	Checkpoint string `json:"checkpoint,omitempty"` // default "@every 15m"
	Timezone   string `json:"timezone,omitempty"`
}
