package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"medreminder/internal/eventbus"
	"medreminder/internal/storage"
	logx "medreminder/pkg/logx"
)

// Service dispatches reminders to one Surface. It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	surface Surface
	bus     eventbus.Bus
	store   storage.Store
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time

	// permission state; pmu is held across the interactive request
	pmu          sync.Mutex
	perm         Permission
	asked        bool
	warnedDenied bool
	warnedAbsent bool

	dmu   sync.Mutex
	dedup map[string]time.Time // key -> suppress until

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Service)

// WithClock replaces time.Now for dedup windows and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Service. A nil surface means the platform has no notification
// API: every dispatch reports StatusPlatformUnavailable.
func New(cfg Config, surface Surface, log logx.Logger, bus eventbus.Bus, store storage.Store, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		surface: surface,
		bus:     bus,
		store:   store,
		now:     time.Now,
		dedup:   map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	switch {
	case cfg.DedupWindow == 0:
		cfg.DedupWindow = 10 * time.Minute
	case cfg.DedupWindow < 0:
		cfg.DedupWindow = DedupDisabled
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 512
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Ready reports whether dispatches can currently succeed: ErrPlatformUnavailable
// without a surface, ErrPermissionDenied once the user said no.
func (s *Service) Ready() error {
	if s.surface == nil {
		return ErrPlatformUnavailable
	}
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if s.perm == PermissionDenied {
		return ErrPermissionDenied
	}
	return nil
}

func (s *Service) Permission() Permission {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return s.perm
}

// EnsurePermission asks the surface at most once per Service. Only a definitive
// answer consumes the request; a transport error leaves it pending.
func (s *Service) EnsurePermission(ctx context.Context) (Permission, error) {
	if s.surface == nil {
		return PermissionDefault, ErrPlatformUnavailable
	}
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if s.asked || s.perm != PermissionDefault {
		return s.perm, nil
	}
	p, err := s.surface.RequestPermission(ctx)
	if errors.Is(err, ErrPermissionDenied) {
		p, err = PermissionDenied, nil
	}
	if err != nil {
		return s.perm, fmt.Errorf("request permission: %w", err)
	}
	s.asked = true
	s.perm = p
	s.log.Info("notification permission", logx.String("permission", p.String()))
	return p, nil
}

// Revoke records a hard denial reported by the surface after permission was
// granted (for example the user blocked the bot).
func (s *Service) Revoke(reason error) {
	s.pmu.Lock()
	was := s.perm
	s.perm = PermissionDenied
	s.asked = true
	s.pmu.Unlock()
	if was == PermissionDenied {
		return
	}
	s.log.Warn("notification permission revoked", logx.Err(reason))
	s.publish(eventbus.NotifierRevoked, Request{}, "", "", reason)
}

// Dispatch shows r unless it is a duplicate or the surface is unusable.
// It never panics and never returns a Go error; the outcome is in Result.
func (s *Service) Dispatch(ctx context.Context, r Request) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	key, tag := r.Identity.Key(), r.Identity.Tag()
	res := Result{Key: key, Tag: tag}

	if s.surface == nil {
		s.pmu.Lock()
		first := !s.warnedAbsent
		s.warnedAbsent = true
		s.pmu.Unlock()
		if first {
			s.log.Error("no notification surface configured; reminders are disabled")
		}
		res.Status, res.Err = StatusPlatformUnavailable, ErrPlatformUnavailable
		return s.finish(ctx, r, res, eventbus.NotifierUnavailable)
	}

	perm, err := s.EnsurePermission(ctx)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return s.finish(ctx, r, res, eventbus.NotifierFailed)
	}
	if perm != PermissionGranted {
		s.pmu.Lock()
		first := !s.warnedDenied
		s.warnedDenied = true
		s.pmu.Unlock()
		if first {
			s.log.Warn("notification permission not granted; reminders will not be shown", logx.String("permission", perm.String()))
		}
		res.Status, res.Err = StatusPermissionDenied, ErrPermissionDenied
		return s.finish(ctx, r, res, eventbus.NotifierDenied)
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if !s.reserve(ctx, key, cfg) {
		res.Status, res.Err = StatusDuplicate, ErrDuplicate
		return s.finish(ctx, r, res, eventbus.NotifierDeduped)
	}

	n := Notification{
		Tag:   tag,
		Title: r.Title,
		Body:  r.Body,
		At:    s.now(),
		Data: map[string]string{
			"key":            key,
			"medicine_id":    r.Identity.MedicineID,
			"schedule_index": strconv.Itoa(r.Identity.ScheduleIndex),
			"source":         r.Source,
			"time":           strconv.FormatInt(s.now().UnixMilli(), 10),
		},
	}
	if r.Identity.Synthetic() {
		n.Data["synthetic"] = "true"
	}
	if err := s.showWithRetry(ctx, cfg, n); err != nil {
		s.release(key)
		if errors.Is(err, ErrPermissionDenied) {
			s.Revoke(err)
			res.Status, res.Err = StatusPermissionDenied, err
			return s.finish(ctx, r, res, eventbus.NotifierDenied)
		}
		res.Status, res.Err = StatusFailed, err
		return s.finish(ctx, r, res, eventbus.NotifierFailed)
	}

	s.persist(ctx, key, cfg)
	s.appendHistory(HistoryItem{At: n.At, Key: key, Tag: tag, Title: r.Title, Body: r.Body, Source: r.Source})
	res.Status = StatusShown
	return s.finish(ctx, r, res, eventbus.NotifierShown)
}

// Close removes a shown notification from the surface.
func (s *Service) Close(ctx context.Context, tag string) error {
	if s.surface == nil {
		return ErrPlatformUnavailable
	}
	return s.surface.Close(ctx, tag)
}

// Snapshot returns recently shown notifications, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) showWithRetry(ctx context.Context, cfg Config, n Notification) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := s.surface.Show(callCtx, n)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		lastErr = err
		s.log.Debug("show failed", logx.String("tag", n.Tag), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// reserve claims key for the dedup window. It returns false when the key is
// still suppressed in memory or in the shared store.
func (s *Service) reserve(ctx context.Context, key string, cfg Config) bool {
	if cfg.DedupWindow <= 0 {
		return true
	}
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		qctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		until, ok, err := s.store.GetDedup(qctx, key)
		cancel()
		if err != nil {
			s.log.Debug("dedup lookup failed", logx.String("key", key), logx.Err(err))
		}
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	s.dmu.Lock()
	defer s.dmu.Unlock()
	// recheck: a concurrent dispatch may have claimed it meanwhile
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(cfg.DedupWindow)
	s.pruneLocked(now, cfg.DedupMaxEntries)
	return true
}

func (s *Service) release(key string) {
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}

// pruneLocked drops expired keys, then evicts earliest expiries above max.
func (s *Service) pruneLocked(now time.Time, max int) {
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for max > 0 && len(s.dedup) > max {
		var (
			oldest string
			at     time.Time
		)
		for k, until := range s.dedup {
			if oldest == "" || until.Before(at) {
				oldest, at = k, until
			}
		}
		delete(s.dedup, oldest)
	}
}

func (s *Service) persist(ctx context.Context, key string, cfg Config) {
	if !cfg.PersistDedup || s.store == nil || cfg.DedupWindow <= 0 {
		return
	}
	s.dmu.Lock()
	until := s.dedup[key]
	s.dmu.Unlock()
	if until.IsZero() {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
	defer cancel()
	if err := s.store.PutDedup(pctx, key, until); err != nil {
		s.log.Debug("dedup persist failed", logx.String("key", key), logx.Err(err))
	}
}

func (s *Service) appendHistory(it HistoryItem) {
	s.mu.Lock()
	max := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

// finish logs, publishes and audits one outcome.
func (s *Service) finish(ctx context.Context, r Request, res Result, typ string) Result {
	s.log.Debug("dispatch",
		logx.String("key", res.Key),
		logx.String("source", r.Source),
		logx.String("status", string(res.Status)),
		logx.Bool("synthetic", r.Identity.Synthetic()),
	)
	s.publish(typ, r, res.Key, res.Tag, res.Err)

	if s.store != nil {
		d := storage.Delivery{
			At:            s.now(),
			Key:           res.Key,
			Tag:           res.Tag,
			MedicineID:    r.Identity.MedicineID,
			ScheduleIndex: r.Identity.ScheduleIndex,
			Source:        r.Source,
			Status:        string(res.Status),
			Title:         r.Title,
		}
		if res.Err != nil && res.Status != StatusDuplicate {
			d.Error = res.Err.Error()
		}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
		if err := s.store.AppendDelivery(actx, d); err != nil {
			s.log.Debug("delivery audit failed", logx.Err(err))
		}
		cancel()
	}
	return res
}

func (s *Service) publish(typ string, r Request, key, tag string, err error) {
	if s.bus == nil {
		return
	}
	now := s.now()
	ev := NotificationEvent{
		Key:           key,
		Tag:           tag,
		MedicineID:    r.Identity.MedicineID,
		ScheduleIndex: r.Identity.ScheduleIndex,
		Source:        r.Source,
		At:            now,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped, with
// 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
