package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// PollerConfig holds the dependencies for the ingestion poller.
type PollerConfig struct {
	Runner *Runner
	Logger *slog.Logger

	// DefaultSchedule is the cron expression used for sources without their
	// own. Empty means every minute.
	DefaultSchedule string

	// Schedules maps source type to a per-source cron expression.
	Schedules map[string]string

	// Interval is the tick resolution; defaults to 30 seconds.
	Interval time.Duration
}

// Poller fires ingestion runs on cron schedules. Each registered source
// gets its own schedule; a tick runs every source that has come due.
type Poller struct {
	runner   *Runner
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	next map[string]time.Time // source type -> next due time
	spec map[string]cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(cfg PollerConfig) (*Poller, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	defaultExpr := cfg.DefaultSchedule
	if defaultExpr == "" {
		defaultExpr = "* * * * *"
	}

	p := &Poller{
		runner:   cfg.Runner,
		logger:   logger,
		interval: interval,
		next:     map[string]time.Time{},
		spec:     map[string]cronlib.Schedule{},
	}

	now := time.Now()
	for _, name := range cfg.Runner.registry.Names() {
		expr := cfg.Schedules[name]
		if expr == "" {
			expr = defaultExpr
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, err
		}
		p.spec[name] = sched
		p.next[name] = sched.Next(now)
	}
	return p, nil
}

// Reschedule replaces the cron schedules, picking up config changes without
// a restart. Sources keep their position in the current minute; the next
// due time is recomputed from now.
func (p *Poller) Reschedule(defaultSchedule string, schedules map[string]string) error {
	if defaultSchedule == "" {
		defaultSchedule = "* * * * *"
	}

	parsed := map[string]cronlib.Schedule{}
	now := time.Now()
	for _, name := range p.runner.registry.Names() {
		expr := schedules[name]
		if expr == "" {
			expr = defaultSchedule
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return err
		}
		parsed[name] = sched
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.spec = parsed
	p.next = map[string]time.Time{}
	for name, sched := range parsed {
		p.next[name] = sched.Next(now)
	}
	return nil
}

// Start begins the poller loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("ingestion poller started", "sources", len(p.spec), "tick", p.interval)
}

// Stop cancels the poller loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("ingestion poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, time.Now())
		}
	}
}

// tick runs every source whose schedule has come due.
func (p *Poller) tick(ctx context.Context, now time.Time) {
	for _, name := range p.dueSources(now) {
		if _, ok := p.runner.Run(ctx, name); !ok {
			p.logger.Warn("scheduled source no longer registered", "source", name)
		}
	}
}

func (p *Poller) dueSources(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var due []string
	for name, at := range p.next {
		if !at.After(now) {
			due = append(due, name)
			p.next[name] = p.spec[name].Next(now)
		}
	}
	sort.Strings(due)
	return due
}
