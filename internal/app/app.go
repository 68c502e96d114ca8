package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"medreminder/internal/config"
	"medreminder/internal/eventbus"
	"medreminder/internal/medsource"
	"medreminder/internal/notifier"
	"medreminder/internal/push"
	"medreminder/internal/reminder"
	"medreminder/internal/runtime/supervisor"
	"medreminder/internal/scheduler"
	"medreminder/internal/storage"
	logx "medreminder/pkg/logx"
)

const syncJobName = "medicines.sync"

// App wires the foreground session (registry plus its own notifier), the
// background push worker (with a separate notifier), the periodic medicine
// sync and the local HTTP API. The two notifiers share only the store and
// the surface.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock reminder.Clock

	surface notifier.Surface
	fg      *notifier.Service
	bg      *notifier.Service
	reg     *reminder.Registry
	sched   *scheduler.Service

	push    *push.Worker
	windows *push.Windows

	srcMu  sync.RWMutex
	source medsource.Source
	fixed  bool // source injected by an Option; config changes keep it

	syncMu    sync.Mutex
	loggedOut atomic.Bool

	httpCfg config.HTTPConfig
	handler http.Handler
	srv     *http.Server
	addr    string
}

type options struct {
	clock      reminder.Clock
	surface    notifier.Surface
	hasSurface bool
	source     medsource.Source
}

type Option func(*options)

// WithClock drives reminder timers and dedup stamps from c.
func WithClock(c reminder.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSurface replaces the configured surface; nil means unavailable.
func WithSurface(s notifier.Surface) Option {
	return func(o *options) { o.surface, o.hasSurface = s, true }
}

// WithSource replaces the configured medicine source.
func WithSource(s medsource.Source) Option {
	return func(o *options) { o.source = s }
}

// New builds every component from the committed config (loading it first if
// needed). Nothing runs until Start.
func New(cfgm *config.ConfigManager, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		clock:   o.clock,
		httpCfg: cfg.HTTP,
	}
	if a.clock == nil {
		a.clock = reminder.RealClock()
	}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		logSvc.Close()
		return nil, err
	}

	// Storage (optional)
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if enabled {
		st, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if o.hasSurface {
		a.surface = o.surface
	} else if a.surface, err = buildSurface(cfg, logSvc.Logger()); err != nil {
		return fail(err)
	}
	if a.surface == nil {
		log.Warn("no notification surface; reminders are disabled")
	}

	if o.source != nil {
		a.source, a.fixed = o.source, true
	} else if a.source, err = buildSource(cfg, logSvc.Logger()); err != nil {
		return fail(err)
	}

	ncfg, err := mapNotifierConfig(cfg, a.store != nil)
	if err != nil {
		return fail(err)
	}
	var nopts []notifier.Option
	if o.clock != nil {
		nopts = append(nopts, notifier.WithClock(a.clock.Now))
	}
	root := logSvc.Logger()
	a.fg = notifier.New(ncfg, a.surface, root.With(logx.String("comp", "notifier.fg")), a.bus, a.store, nopts...)
	a.bg = notifier.New(ncfg, a.surface, root.With(logx.String("comp", "notifier.bg")), a.bus, a.store, nopts...)

	rcfg, err := mapReminderConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.reg = reminder.New(rcfg, a.clock, a.fg, root)
	a.sched = scheduler.New(root, a.bus)
	a.sched.SetLocation(rcfg.Location)

	if cfg.Push.Enabled {
		pcfg, err := mapPushConfig(cfg)
		if err != nil {
			return fail(err)
		}
		var popts []push.Option
		if o.clock != nil {
			popts = append(popts, push.WithClock(a.clock.Now))
		}
		a.windows = push.NewWindows()
		a.push = push.New(pcfg, a.bg, a.windows, root, popts...)
	}

	a.handler = a.routes()
	return a, nil
}

// Handler is the local API, also served on http.addr after Start.
func (a *App) Handler() http.Handler { return a.handler }

// Addr is the bound listener address, empty when HTTP is disabled.
func (a *App) Addr() string { return a.addr }

func (a *App) Registry() *reminder.Registry { return a.reg }

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg, a.store != nil); err != nil {
			return err
		}
		if _, err := mapReminderConfig(cfg); err != nil {
			return err
		}
		if cfg.Push.Enabled {
			if _, err := mapPushConfig(cfg); err != nil {
				return err
			}
		}
		_, _, err := syncSpec(cfg)
		return err
	})

	if _, err := a.fg.EnsurePermission(ctx); err != nil {
		a.log.Warn("notification permission not settled", logx.Err(err))
	}

	// Bus subscription first so a revocation during the initial sync is seen.
	events, unsubscribe := a.bus.Subscribe(64)
	a.sup.Go("eventbus", func(c context.Context) error {
		defer unsubscribe()
		for {
			select {
			case <-c.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				a.onEvent(ev)
			}
		}
	})

	cfg := a.cfgm.Get()
	if err := a.scheduleSync(cfg); err != nil {
		return err
	}
	a.sched.Start(runCtx)

	if res, err := a.Sync(ctx); err != nil {
		a.log.Warn("initial sync failed", logx.Err(err))
	} else {
		a.log.Info("initial sync done", logx.Int("medicines", res.Medicines), logx.Int("pending", res.Pending))
	}

	if a.push != nil {
		if err := a.push.Install(ctx); err != nil {
			return fmt.Errorf("push install: %w", err)
		}
		a.sup.GoRestart("push.worker", a.push.Run, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	if err := a.serveHTTP(); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(1)
	prev := cfg
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, prev, next)
				prev = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady, sdStatus("%d reminders pending", a.reg.Len()))
	a.log.Info("app started", logx.String("addr", a.addr), logx.Bool("push", a.push != nil))
	return nil
}

func (a *App) serveHTTP() error {
	addr := strings.TrimSpace(a.httpCfg.Addr)
	if addr == "" {
		return nil
	}
	readHeader, err := config.DurationOr("http.read_header_timeout", a.httpCfg.ReadHeaderTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	a.addr = ln.Addr().String()
	a.srv = &http.Server{Handler: a.handler, ReadHeaderTimeout: readHeader}
	srv := a.srv
	a.sup.Go("http", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	a.log.Info("http listening", logx.String("addr", a.addr))
	return nil
}

// scheduleSync registers, replaces or removes the periodic sync job.
func (a *App) scheduleSync(cfg *config.Config) error {
	spec, on, err := syncSpec(cfg)
	if err != nil {
		return err
	}
	if !on {
		if a.sched.Remove(syncJobName) {
			a.log.Info("periodic sync disabled")
		}
		return nil
	}
	timeout, err := config.DurationOr("source.timeout", cfg.Source.Timeout, defaultSourceTimeout)
	if err != nil {
		return err
	}
	// retries run inside one job; leave room for them
	return a.sched.Add(syncJobName, spec, 4*timeout, a.syncJob)
}

func (a *App) syncJob(ctx context.Context) error {
	if a.loggedOut.Load() {
		return nil
	}
	_, err := a.Sync(ctx)
	return err
}

func (a *App) onEvent(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.NotifierRevoked:
		a.log.Warn("notification permission revoked; cancelling all reminders", logx.Int("pending", a.reg.Len()))
		a.reg.CancelAll()
		a.sdNotify(sdStatus("permission revoked"))
	case eventbus.NotifierFailed:
		a.log.Warn("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
	default:
		a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sdNotify(daemon.SdNotifyReloading)
	defer a.sdNotify(daemon.SdNotifyReady)

	resync := false
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(next))
		case "notifier":
			ncfg, err := mapNotifierConfig(next, a.store != nil)
			if err != nil {
				a.log.Warn("notifier config rejected", logx.Err(err))
				continue
			}
			a.fg.Apply(ncfg)
			a.bg.Apply(ncfg)
		case "reminder":
			rcfg, err := mapReminderConfig(next)
			if err != nil {
				a.log.Warn("reminder config rejected", logx.Err(err))
				continue
			}
			a.reg.SetLocation(rcfg.Location)
			a.sched.SetLocation(rcfg.Location)
			if prev.Reminder.DispatchTimeout != next.Reminder.DispatchTimeout || prev.Reminder.TitlePrefix != next.Reminder.TitlePrefix {
				a.log.Warn("reminder.dispatch_timeout and reminder.title_prefix apply after restart")
			}
		case "source":
			if err := a.scheduleSync(next); err != nil {
				a.log.Warn("sync schedule rejected", logx.Err(err))
			}
			if a.fixed {
				continue
			}
			src, err := buildSource(next, a.logs.Logger())
			if err != nil {
				a.log.Warn("source config rejected", logx.Err(err))
				continue
			}
			a.srcMu.Lock()
			a.source = src
			a.srcMu.Unlock()
			resync = true
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if r := config.RestartRequired(sections); len(r) > 0 {
		a.log.Warn("config changes need a restart", logx.String("sections", strings.Join(r, ",")))
	}

	if resync && !a.loggedOut.Load() {
		if _, err := a.Sync(ctx); err != nil {
			a.log.Warn("sync after source change failed", logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	shutdown, err := config.DurationOr("http.shutdown_timeout", a.httpCfg.ShutdownTimeout, defaultShutdownWindow)
	if err != nil {
		shutdown = defaultShutdownWindow
	}
	step("http", shutdown, func(c context.Context) error {
		if a.srv == nil {
			return nil
		}
		return a.srv.Shutdown(c)
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("reminders", time.Second, func(context.Context) error { a.reg.CancelAll(); return nil })

	// Supervised loops (push worker drain, config watch) may still write to
	// the store, so wait for them before closing it.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
