// Package jobs runs named housekeeping functions on cron schedules.
//
// Specs accept the robfig/cron grammar with optional seconds and descriptors
// ("*/5 * * * *", "@hourly", "@every 15m") plus bare durations ("15m").
// Interval jobs get a random first-run spread so restarts do not line
// everything up. A run that is still going when its next tick fires is skipped.
package jobs

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "relaybot/pkg/logx"
)

const maxStartupSpread = 30 * time.Second

type Config struct {
	Timezone string
}

type Func func(ctx context.Context) error

type job struct {
	name    string
	spec    string
	timeout time.Duration
	fn      Func

	entryID cron.EntryID
	running atomic.Bool

	mu      sync.Mutex
	runs    int
	lastRun time.Time
	lastErr error
}

// Entry is a point-in-time view of a registered job.
type Entry struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	LastRun time.Time `json:"last_run"`
	LastErr string    `json:"last_error,omitempty"`
	Runs    int       `json:"runs"`
}

type Scheduler struct {
	log    logx.Logger
	parser cron.Parser

	mu   sync.Mutex
	cfg  Config
	loc  *time.Location
	c    *cron.Cron
	ctx  context.Context
	jobs map[string]*job
}

func New(cfg Config, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*job{},
	}
}

// Add registers or replaces a job. A running scheduler picks it up immediately.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn Func) error {
	spec = normalizeSpec(spec)
	if _, err := s.schedule(spec); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	j := &job{name: name, spec: spec, timeout: timeout, fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok && s.c != nil {
		s.c.Remove(old.entryID)
	}
	s.jobs[name] = j
	if s.c != nil {
		return s.registerLocked(j)
	}
	return nil
}

func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, name)
	return true
}

// normalizeSpec turns a bare duration into an @every descriptor.
func normalizeSpec(spec string) string {
	spec = strings.TrimSpace(spec)
	if d, err := time.ParseDuration(spec); err == nil && d > 0 {
		return "@every " + d.String()
	}
	return spec
}

func (s *Scheduler) schedule(spec string) (cron.Schedule, error) {
	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		every, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || every <= 0 {
			return nil, fmt.Errorf("invalid interval %q", spec)
		}
		return withSpread(every, time.Now()), nil
	}
	return s.parser.Parse(spec)
}

// spreadSchedule delays the first run of an interval by a random amount.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func withSpread(every time.Duration, now time.Time) cron.Schedule {
	spread := min(every, maxStartupSpread)
	return &spreadSchedule{base: cron.Every(every), first: now.Add(every + rand.N(spread))}
}

func (s *Scheduler) registerLocked(j *job) error {
	sched, err := s.schedule(j.spec)
	if err != nil {
		return err
	}
	ctx := s.ctx
	j.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.run(ctx, j) }))
	return nil
}

// Run executes a job now, outside its schedule.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not registered", name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	if ctx == nil || ctx.Err() != nil {
		return nil
	}
	if !j.running.CompareAndSwap(false, true) {
		s.log.Debug("job still running; tick skipped", logx.String("job", j.name))
		return nil
	}
	defer j.running.Store(false)

	rctx := ctx
	if j.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return j.fn(rctx)
	}()

	j.mu.Lock()
	j.runs++
	j.lastRun = start
	j.lastErr = err
	j.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("job done", logx.String("job", j.name), logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	s.loc = loadLocation(s.cfg.Timezone, s.log)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		if err := s.registerLocked(j); err != nil {
			s.log.Warn("job not scheduled", logx.String("job", j.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("job scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Apply swaps the config; a timezone change reschedules every job.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !tzChanged {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
}

// Stop halts triggering and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("job scheduler stopped")
}

func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := Entry{Name: j.name, Spec: j.spec}
		if s.c != nil {
			e.Next = s.c.Entry(j.entryID).Next
		}
		j.mu.Lock()
		e.Runs, e.LastRun = j.runs, j.lastRun
		if j.lastErr != nil {
			e.LastErr = j.lastErr.Error()
		}
		j.mu.Unlock()
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
