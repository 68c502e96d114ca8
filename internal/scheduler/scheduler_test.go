package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"medreminder/internal/eventbus"
	logx "medreminder/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw   string
		kind  SpecKind
		cron  string
		every time.Duration
		bad   bool
	}{
		{raw: "*/15 * * * *", kind: SpecCron, cron: "*/15 * * * *"},
		{raw: "@hourly", kind: SpecCron, cron: "@hourly"},
		{raw: "cron: 0 7 * * *", kind: SpecCron, cron: "0 7 * * *"},
		{raw: "15m", kind: SpecInterval, every: 15 * time.Minute},
		{raw: "01:30", kind: SpecInterval, every: 90 * time.Minute},
		{raw: "every:2h", kind: SpecInterval, every: 2 * time.Hour},
		{raw: "interval: 00:05", kind: SpecInterval, every: 5 * time.Minute},
		{raw: "", bad: true},
		{raw: "soon", bad: true},
		{raw: "0s", bad: true},
		{raw: "01:75", bad: true},
		{raw: "cron:", bad: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.raw)
		if tt.bad {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) expected error, got %+v", tt.raw, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
		}
		if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.raw, got)
		}
	}
	p, _ := ParseSchedule("15m")
	if p.CronSpec() != "@every 15m0s" {
		t.Fatalf("CronSpec = %q", p.CronSpec())
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), nil)
	err := s.Add("sync", "61 * * * *", 0, func(context.Context) error { return nil })
	if err == nil {
		t.Fatalf("expected error for invalid cron")
	}
}

func TestRunNowPublishesAndPreventsOverlap(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(logx.Nop(), bus)
	release := make(chan struct{})
	started := make(chan struct{})
	boom := errors.New("backend down")
	err := s.Add("medicines.sync", "15m", time.Second, func(ctx context.Context) error {
		close(started)
		<-release
		return boom
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "medicines.sync") }()
	<-started

	if err := s.RunNow(context.Background(), "medicines.sync"); !errors.Is(err, ErrRunning) {
		t.Fatalf("overlapping RunNow err = %v, want ErrRunning", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, boom) {
		t.Fatalf("RunNow err = %v, want %v", err, boom)
	}

	select {
	case ev := <-events:
		je, ok := ev.Data.(JobEvent)
		if ev.Type != eventbus.SchedulerRun || !ok || je.Name != "medicines.sync" || je.Error != boom.Error() {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no scheduler.run event")
	}

	if err := s.RunNow(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("RunNow unknown err = %v", err)
	}
}

func TestEntriesReportNextRun(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), nil)
	noop := func(context.Context) error { return nil }
	if err := s.Add("b.interval", "10m", 0, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("a.cron", "0 3 * * *", 0, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	before := time.Now()
	s.Start(ctx)
	defer s.Stop(context.Background())

	// cron computes Next asynchronously after Start.
	deadline := time.Now().Add(2 * time.Second)
	for {
		es := s.Entries()
		if len(es) != 2 {
			t.Fatalf("entries = %d", len(es))
		}
		if !es[0].Next.IsZero() && !es[1].Next.IsZero() {
			if es[0].Name != "a.cron" || es[1].Name != "b.interval" {
				t.Fatalf("unexpected order %+v", es)
			}
			if es[1].Spread >= 10*time.Minute {
				t.Fatalf("spread %s exceeds interval", es[1].Spread)
			}
			if es[1].Next.Before(before.Add(10 * time.Minute)) {
				t.Fatalf("first interval run %s is earlier than one interval away", es[1].Next)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Next not populated: %+v", es)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !s.Remove("a.cron") || s.Remove("a.cron") {
		t.Fatalf("Remove semantics broken")
	}
}
