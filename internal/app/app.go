package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaybot/internal/config"
	"relaybot/internal/delivery"
	"relaybot/internal/eventbus"
	"relaybot/internal/httpapi"
	"relaybot/internal/jobs"
	"relaybot/internal/ratelimit"
	"relaybot/internal/readiness"
	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/internal/transport/loopback"
	"relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"
)

const (
	jobSweep      = "ratelimit.sweep"
	jobCheckpoint = "session.checkpoint"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.CredentialStore

	tr      transport.Transport
	monitor *readiness.Monitor
	queue   *delivery.Queue
	login   *ratelimit.Limiter
	notify  *ratelimit.Limiter
	relay   *relay.Dispatcher
	http    *httpapi.Service
	jobs    *jobs.Scheduler

	sweepSpec      string
	checkpointSpec string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.Component("app")
	cfgm.SetLogger(log.Component("config"))

	tr, err := newTransport(cfg, log)
	if err != nil {
		return nil, err
	}

	var store storage.CredentialStore = storage.NewNop()
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.Component("storage"))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("credential storage enabled",
			logx.String("driver", sc.Driver),
			logx.Bool("sealed", sc.Seal.Enabled()))
	} else {
		appLog.Warn("credential storage disabled; pairing is required after every restart")
	}

	// Everything below only maps validated config; close the store on the way out.
	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()

	rcfg, err := mapSessionConfig(cfg)
	if err != nil {
		return fail(err)
	}
	monitor := readiness.New(rcfg, tr, store, bus, log.Component("readiness"))

	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return fail(err)
	}
	queue := delivery.New(qcfg, tr, monitor, bus, log.Component("delivery"))

	loginCfg, notifyCfg, err := mapRateLimits(cfg)
	if err != nil {
		return fail(err)
	}
	login := ratelimit.New(loginCfg)
	notify := ratelimit.New(notifyCfg)

	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return fail(err)
	}
	disp := relay.New(dcfg, monitor, tr, queue, login, notify, log.Component("relay"))

	var httpSvc *httpapi.Service
	if hc, enabled, err := mapHTTPConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		httpSvc = httpapi.New(hc, disp, log.Component("http"))
	}

	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		return fail(err)
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		tr:      tr,
		monitor: monitor,
		queue:   queue,
		login:   login,
		notify:  notify,
		relay:   disp,
		http:    httpSvc,
		jobs:    jobs.New(jcfg, log.Component("jobs")),
	}
	if err := a.scheduleJobs(cfg); err != nil {
		return fail(err)
	}
	return a, nil
}

func newTransport(cfg *config.Config, log logx.Logger) (transport.Transport, error) {
	switch transportDriver(cfg) {
	case "loopback":
		lc, err := mapLoopbackConfig(cfg)
		if err != nil {
			return nil, err
		}
		return loopback.New(lc, log.Component("loopback")), nil
	case "telegram":
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		return telegram.New(tc, log.Component("telegram"))
	default:
		return nil, fmt.Errorf("transport.driver: unknown %q", cfg.Transport.Driver)
	}
}

// Relay exposes the dispatcher for embedding callers.
func (a *App) Relay() *relay.Dispatcher { return a.relay }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	a.monitor.OnTransition(a.onTransition)

	a.queue.Start(a.sup.Context())
	if err := a.monitor.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.http != nil {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}
	a.jobs.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	notifySystemd(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// onTransition runs on the monitor goroutine; it must stay quick.
func (a *App) onTransition(tr readiness.Transition) {
	if tr.To == readiness.Ready {
		a.queue.Kick()
	}
	notifySystemd(a.log, "STATUS=session "+tr.To.String())
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, attrs...)...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that apply on restart only", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if loginCfg, notifyCfg, err := mapRateLimits(newCfg); err != nil {
		a.log.Warn("invalid rate_limit config; keeping previous", logx.Err(err))
	} else {
		a.login.Apply(loginCfg)
		a.notify.Apply(notifyCfg)
	}
	if qcfg, err := mapQueueConfig(newCfg); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.queue.Apply(qcfg)
	}
	if dcfg, err := mapDispatcherConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.relay.Apply(dcfg)
	}
	if jcfg, err := mapJobsConfig(newCfg); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	} else {
		a.jobs.Apply(jcfg)
		if err := a.scheduleJobs(newCfg); err != nil {
			a.log.Warn("jobs not rescheduled", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
}

// scheduleJobs registers the housekeeping jobs whose spec changed.
func (a *App) scheduleJobs(cfg *config.Config) error {
	sweep, checkpoint := jobSpecs(cfg)
	if sweep != a.sweepSpec {
		if err := a.setJob(jobSweep, sweep, a.sweepLimits); err != nil {
			return err
		}
		a.sweepSpec = sweep
	}
	if checkpoint != a.checkpointSpec {
		if err := a.setJob(jobCheckpoint, checkpoint, a.checkpointSession); err != nil {
			return err
		}
		a.checkpointSpec = checkpoint
	}
	return nil
}

func (a *App) setJob(name, spec string, fn jobs.Func) error {
	if spec == "" {
		if a.jobs.Remove(name) {
			a.log.Info("job disabled", logx.String("job", name))
		}
		return nil
	}
	return a.jobs.Add(name, spec, time.Minute, fn)
}

func (a *App) sweepLimits(context.Context) error {
	n := a.login.Sweep() + a.notify.Sweep()
	if n > 0 {
		a.log.Debug("expired rate windows removed", logx.Int("count", n))
	}
	return nil
}

func (a *App) checkpointSession(ctx context.Context) error {
	err := a.monitor.Checkpoint(ctx)
	if errors.Is(err, readiness.ErrNotReady) {
		return nil
	}
	return err
}

func nopJob(context.Context) error { return nil }

func notifySystemd(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("systemd notify failed", logx.String("state", state), logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Inbound first so nothing new is admitted while the queue drains.
	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	step("jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("delivery", 2*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("readiness", 8*time.Second, func(c context.Context) error { return a.monitor.Stop(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
