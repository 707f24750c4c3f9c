package pipeline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/inflow/internal/consolidate"
	"github.com/basket/inflow/internal/persistence"
	"github.com/basket/inflow/internal/sources"
)

type tickSource struct {
	name    string
	fetches int
}

func (s *tickSource) Name() string { return s.name }

func (s *tickSource) Fetch(_ context.Context) ([]sources.RawItem, error) {
	s.fetches++
	return nil, nil
}

func (s *tickSource) Normalize(item sources.RawItem) (sources.NormalizedItem, error) {
	return sources.NormalizedItem{SourceType: s.name, SourceID: item.SourceID}, nil
}

func (s *tickSource) ShouldCreate(_ sources.NormalizedItem) bool { return true }

func (s *tickSource) ShouldUpdate(_ sources.NormalizedItem, _ *persistence.Task) bool { return true }

func (s *tickSource) HealthCheck(_ context.Context) error { return nil }

func newPollerFixture(t *testing.T, srcs ...sources.Source) *Runner {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "inflow.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := consolidate.New(store, nil, logger, 15*time.Minute, 500)
	registry := sources.NewRegistry()
	for _, src := range srcs {
		if err := registry.Register(src); err != nil {
			t.Fatalf("register source: %v", err)
		}
	}
	return NewRunner(store, engine, registry, nil, nil, logger, nil)
}

func TestNewPoller_RejectsBadCron(t *testing.T) {
	runner := newPollerFixture(t, &tickSource{name: "webhook"})
	_, err := NewPoller(PollerConfig{
		Runner:    runner,
		Schedules: map[string]string{"webhook": "not a cron"},
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPoller_TickRunsDueSourcesOnce(t *testing.T) {
	tg := &tickSource{name: "telegram"}
	cal := &tickSource{name: "calendar"}
	runner := newPollerFixture(t, tg, cal)

	p, err := NewPoller(PollerConfig{
		Runner:          runner,
		DefaultSchedule: "* * * * *",
		Schedules:       map[string]string{"calendar": "0 * * * *"}, // hourly
	})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	base := time.Now()

	// Two minutes out the every-minute schedule is due.
	p.tick(context.Background(), base.Add(2*time.Minute))
	if tg.fetches != 1 {
		t.Fatalf("telegram fetches = %d, want 1", tg.fetches)
	}

	// A tick at the same instant must not re-fire an already-consumed slot.
	p.tick(context.Background(), base.Add(2*time.Minute))
	if tg.fetches != 1 {
		t.Fatalf("telegram fetches after idle tick = %d, want 1", tg.fetches)
	}

	// Far enough out the hourly schedule fires too.
	p.tick(context.Background(), base.Add(2*time.Hour))
	if tg.fetches != 2 || cal.fetches == 0 {
		t.Fatalf("fetches = tg:%d cal:%d", tg.fetches, cal.fetches)
	}
}

func TestPoller_RescheduleReplacesSchedules(t *testing.T) {
	cal := &tickSource{name: "calendar"}
	runner := newPollerFixture(t, cal)

	p, err := NewPoller(PollerConfig{
		Runner:    runner,
		Schedules: map[string]string{"calendar": "0 * * * *"}, // hourly
	})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	if err := p.Reschedule("", map[string]string{"calendar": "bad"}); err == nil {
		t.Fatal("expected parse error for bad schedule")
	}
	// Rejected reschedule keeps the old spec.
	p.tick(context.Background(), time.Now().Add(2*time.Minute))
	if cal.fetches != 0 {
		t.Fatalf("fetches = %d, hourly schedule should not fire yet", cal.fetches)
	}

	if err := p.Reschedule("* * * * *", nil); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	p.tick(context.Background(), time.Now().Add(2*time.Minute))
	if cal.fetches != 1 {
		t.Fatalf("fetches = %d, want 1 after switching to every-minute", cal.fetches)
	}
}

func TestPoller_StartStop(t *testing.T) {
	runner := newPollerFixture(t, &tickSource{name: "webhook"})
	p, err := NewPoller(PollerConfig{Runner: runner, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	p.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	p.Stop() // must not hang or panic
}
