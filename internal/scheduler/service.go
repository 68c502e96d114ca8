package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"medreminder/internal/eventbus"
	logx "medreminder/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrRunning    = errors.New("job already running")
)

// JobEvent is published on the bus after every run.
type JobEvent struct {
	Name  string        `json:"name"`
	At    time.Time     `json:"at"`
	Took  time.Duration `json:"took"`
	Error string        `json:"error,omitempty"`
}

// Entry describes a registered job.
type Entry struct {
	Name    string
	Spec    string
	Next    time.Time
	Spread  time.Duration
	Running bool
}

type job struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	run     func(ctx context.Context) error

	entryID cron.EntryID
	spread  time.Duration
	running bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	loc *time.Location

	parser  cron.Parser
	c       *cron.Cron
	started bool
	ctx     context.Context
	jobs    map[string]*job
}

func New(log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
		loc: time.Local,
		// Both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ctx:    context.Background(),
		jobs:   map[string]*job{},
	}
}

// Add registers (or replaces) a named job. It takes effect immediately if the
// service is running.
func (s *Service) Add(name, spec string, timeout time.Duration, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" || run == nil {
		return errors.New("job name and func are required")
	}
	p, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	if p.Kind == SpecCron {
		if _, err := s.parser.Parse(p.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", p.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok && s.c != nil {
		s.c.Remove(old.entryID)
	}
	j := &job{name: name, spec: p, timeout: timeout, run: run}
	s.jobs[name] = j
	if s.c != nil {
		s.scheduleLocked(j)
	}
	return nil
}

func (s *Service) Remove(name string) bool {
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

// Start begins triggering. Jobs run with a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.started = true
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering and waits for in-flight runs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// SetLocation re-registers every job in loc so cron specs follow the new zone.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	s.mu.Lock()
	if s.loc.String() == loc.String() {
		s.mu.Unlock()
		return
	}
	s.loc = loc
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	// in-flight runs take s.mu when they finish
	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && s.c == nil {
		s.startLocked()
		s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
	}
}

// RunNow executes a job synchronously, honoring the no-overlap rule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := Entry{Name: j.name, Spec: j.spec.CronSpec(), Spread: j.spread, Running: j.running}
		if s.c != nil {
			e.Next = s.c.Entry(j.entryID).Next
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Service) startLocked() {
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		s.scheduleLocked(j)
	}
	s.c.Start()
}

func (s *Service) scheduleLocked(j *job) {
	fire := cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if err := s.execute(ctx, j); errors.Is(err, ErrRunning) {
			s.log.Warn("tick skipped, previous run still in flight", logx.String("job", j.name))
		}
	})

	if j.spec.Kind == SpecInterval {
		sched, spread := withStartupSpread(j.spec.Every, time.Now().In(s.loc), j.name)
		j.spread = spread
		j.entryID = s.c.Schedule(sched, fire)
		return
	}
	j.spread = 0
	id, err := s.c.AddJob(j.spec.Cron, fire)
	if err != nil {
		// Add validated the expression already.
		s.log.Error("cron schedule rejected", logx.String("job", j.name), logx.Err(err))
		return
	}
	j.entryID = id
}

func (s *Service) execute(ctx context.Context, j *job) error {
	s.mu.Lock()
	if j.running {
		s.mu.Unlock()
		return ErrRunning
	}
	j.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		j.running = false
		s.mu.Unlock()
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return j.run(ctx)
	}()
	took := time.Since(start)

	ev := JobEvent{Name: j.name, At: start, Took: took}
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("job", j.name), logx.Duration("took", took))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerRun, Time: start, Data: ev})
	}
	return err
}
