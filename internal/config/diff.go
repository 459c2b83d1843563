package config

import (
	"reflect"
	"sort"
	"strings"

	logx "relaybot/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"transport": true,
	"session":   true,
	"storage":   true,
	"http":      true,
}

// SummarizeChange lists the sections that differ between two configs along
// with log-safe attributes. Tokens, URLs and identities are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Transport, newCfg.Transport
	if ot.Driver != nt.Driver || ot.Telegram.Token != nt.Telegram.Token ||
		ot.Telegram.PollTimeout != nt.Telegram.PollTimeout || ot.Telegram.APIURL != nt.Telegram.APIURL ||
		ot.Telegram.ContactPrompt != nt.Telegram.ContactPrompt || ot.Telegram.Heartbeat != nt.Telegram.Heartbeat ||
		!reflect.DeepEqual(ot.Loopback, nt.Loopback) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", nt.Driver),
			logx.Bool("transport.token_changed", ot.Telegram.Token != nt.Telegram.Token),
		)
	}

	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs, logx.String("session.key", newCfg.Session.Key))
	}

	if o, ns := storageSummary(oldCfg.Storage), storageSummary(newCfg.Storage); o != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.driver),
			logx.Bool("storage.url_set", ns.urlSet),
			logx.Bool("storage.sealed", ns.sealed),
		)
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.login.limit", newCfg.RateLimit.Login.Limit),
			logx.String("rate_limit.login.window", newCfg.RateLimit.Login.Window),
			logx.Int("rate_limit.notify.limit", newCfg.RateLimit.Notify.Limit),
			logx.String("rate_limit.notify.window", newCfg.RateLimit.Notify.Window),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
			logx.String("queue.spacing", newCfg.Queue.Spacing),
			logx.Any("queue.rate_per_sec", newCfg.Queue.RatePerSec),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.country_code", newCfg.Dispatcher.CountryCode),
			logx.Bool("dispatcher.accept_when_not_ready", newCfg.Dispatcher.AcceptWhenNotReady),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.String("jobs.sweep", newCfg.Jobs.Sweep),
			logx.String("jobs.checkpoint", newCfg.Jobs.Checkpoint),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

type storageSum struct {
	driver, path, table, prefix, busy, dial string
	urlSet, sealed, compress                bool
	secrets                                 string
}

func storageSummary(sc *StorageConfig) storageSum {
	if sc == nil {
		return storageSum{}
	}
	s := storageSum{
		driver: strings.ToLower(strings.TrimSpace(sc.Driver)),
		path:   sc.Path,
		table:  sc.Table,
		prefix: sc.KeyPrefix,
		busy:   sc.BusyTimeout,
		dial:   sc.DialTimeout,
		urlSet: strings.TrimSpace(sc.URL) != "",
	}
	s.secrets = sc.URL
	if sc.Seal != nil {
		s.sealed = strings.TrimSpace(sc.Seal.Identity) != ""
		s.compress = sc.Seal.Compress
		s.secrets += "|" + sc.Seal.Identity
	}
	return s
}
