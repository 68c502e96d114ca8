// Package reminder owns the pending reminder timers of the foreground
// session: one timer per (medicine, schedule index), re-armed from the fired
// instant every time it goes off.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"medreminder/internal/notifier"
	"medreminder/internal/schedule"
	logx "medreminder/pkg/logx"
)

var ErrNotPending = errors.New("no pending reminder")

// Dispatcher is the part of the notifier the registry needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, r notifier.Request) notifier.Result
	Ready() error
}

type Config struct {
	// Location for wall-clock schedules; nil means time.Local.
	Location        *time.Location
	DispatchTimeout time.Duration
	// TitlePrefix precedes the medicine name in the title. Default "Time to take: ".
	TitlePrefix string
}

// Pending is a snapshot row.
type Pending struct {
	MedicineID    string    `json:"medicine_id"`
	MedicineName  string    `json:"medicine_name"`
	ScheduleIndex int       `json:"schedule_index"`
	Schedule      string    `json:"schedule"`
	Next          time.Time `json:"next"`
}

type key struct {
	med string
	idx int
}

type entry struct {
	med   schedule.Medicine
	idx   int
	sched schedule.Schedule
	next  time.Time
	timer Timer
	ver   uint64
}

type Registry struct {
	mu      sync.Mutex
	clock   Clock
	disp    Dispatcher
	log     logx.Logger
	cfg     Config
	loc     *time.Location
	ver     uint64
	pending map[key]*entry
}

func New(cfg Config, clock Clock, disp Dispatcher, log logx.Logger) *Registry {
	if clock == nil {
		clock = RealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 15 * time.Second
	}
	if cfg.TitlePrefix == "" {
		cfg.TitlePrefix = "Time to take: "
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Registry{
		clock:   clock,
		disp:    disp,
		log:     log.With(logx.String("comp", "reminder")),
		cfg:     cfg,
		loc:     loc,
		pending: map[key]*entry{},
	}
}

// Rebuild cancels every pending timer and arms one per valid schedule.
// Invalid schedules are skipped and reported in the joined error. When the
// dispatcher cannot deliver at all, nothing is armed and its error is returned.
func (r *Registry) Rebuild(ctx context.Context, meds []schedule.Medicine) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelAllLocked()

	if r.disp == nil {
		return notifier.ErrPlatformUnavailable
	}
	if err := r.disp.Ready(); err != nil {
		r.log.Warn("reminders disabled", logx.Err(err))
		return err
	}

	now := r.clock.Now().In(r.loc)
	var errs []error
	for _, m := range meds {
		for i, s := range m.Schedules {
			next, err := schedule.NextOccurrence(s, now)
			if err != nil {
				r.log.Warn("schedule skipped", logx.String("medicine", m.ID), logx.Int("index", i), logx.Err(err))
				errs = append(errs, fmt.Errorf("medicine %s schedule %d: %w", m.ID, i, err))
				continue
			}
			r.armLocked(&entry{med: m, idx: i, sched: s}, next)
		}
	}
	r.log.Info("reminders rebuilt", logx.Int("medicines", len(meds)), logx.Int("pending", len(r.pending)), logx.Int("skipped", len(errs)))
	return errors.Join(errs...)
}

// OnFire fires the pending reminder for the key now, as if its timer had
// matured: one dispatch, then re-arm from the scheduled instant.
func (r *Registry) OnFire(medicineID string, scheduleIndex int) error {
	r.mu.Lock()
	e := r.pending[key{medicineID, scheduleIndex}]
	if e == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s/%d", ErrNotPending, medicineID, scheduleIndex)
	}
	e.timer.Stop()
	req := r.fireLocked(e)
	r.mu.Unlock()

	res := r.dispatch(req)
	switch res.Status {
	case notifier.StatusShown, notifier.StatusDuplicate:
		return nil
	default:
		return res.Err
	}
}

// Cancel drops every pending reminder of a medicine and returns how many.
func (r *Registry) Cancel(medicineID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, e := range r.pending {
		if k.med == medicineID {
			e.timer.Stop()
			delete(r.pending, k)
			n++
		}
	}
	return n
}

// CancelAll drops every pending reminder (logout, permission revoked).
func (r *Registry) CancelAll() {
	r.mu.Lock()
	n := len(r.pending)
	r.cancelAllLocked()
	r.mu.Unlock()
	if n > 0 {
		r.log.Info("reminders canceled", logx.Int("count", n))
	}
}

// SetLocation moves every pending reminder to a new time zone.
func (r *Registry) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if loc.String() == r.loc.String() {
		return
	}
	r.loc = loc
	now := r.clock.Now().In(loc)
	for _, e := range r.pending {
		e.timer.Stop()
		next, err := schedule.NextOccurrence(e.sched, now)
		if err != nil {
			delete(r.pending, key{e.med.ID, e.idx})
			continue
		}
		r.armLocked(e, next)
	}
	r.log.Info("reminders moved to new time zone", logx.String("tz", loc.String()), logx.Int("pending", len(r.pending)))
}

func (r *Registry) Location() *time.Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loc
}

// Snapshot lists pending reminders by next fire time.
func (r *Registry) Snapshot() []Pending {
	r.mu.Lock()
	out := make([]Pending, 0, len(r.pending))
	for _, e := range r.pending {
		out = append(out, Pending{
			MedicineID:    e.med.ID,
			MedicineName:  e.med.Name,
			ScheduleIndex: e.idx,
			Schedule:      e.sched.String(),
			Next:          e.next,
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		if out[i].MedicineID != out[j].MedicineID {
			return out[i].MedicineID < out[j].MedicineID
		}
		return out[i].ScheduleIndex < out[j].ScheduleIndex
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) cancelAllLocked() {
	for k, e := range r.pending {
		e.timer.Stop()
		delete(r.pending, k)
	}
}

// armLocked replaces whatever is pending for e's key. The version stamp makes
// a superseded timer that already started running return without effect.
func (r *Registry) armLocked(e *entry, next time.Time) {
	k := key{e.med.ID, e.idx}
	if old := r.pending[k]; old != nil && old.timer != nil {
		old.timer.Stop()
	}
	r.ver++
	ver := r.ver
	e.ver = ver
	e.next = next
	d := next.Sub(r.clock.Now())
	if d < 0 {
		d = 0
	}
	e.timer = r.clock.AfterFunc(d, func() { r.timerFired(k, ver) })
	r.pending[k] = e
}

func (r *Registry) timerFired(k key, ver uint64) {
	r.mu.Lock()
	e := r.pending[k]
	if e == nil || e.ver != ver {
		r.mu.Unlock()
		return
	}
	req := r.fireLocked(e)
	r.mu.Unlock()
	r.dispatch(req)
}

// fireLocked builds the dispatch request for e and re-arms it before the
// registry lock is released.
func (r *Registry) fireLocked(e *entry) notifier.Request {
	fired := e.next
	req := notifier.Request{
		Identity: schedule.Identity{MedicineID: e.med.ID, ScheduleIndex: e.idx, FireAt: fired},
		Source:   notifier.SourceForeground,
	}
	req.Title, req.Body = r.render(e.med)

	now := r.clock.Now().In(r.loc)
	next, err := schedule.NextOccurrence(e.sched, fired.In(r.loc))
	if err == nil && !next.After(now) {
		late := next
		next, err = schedule.NextOccurrence(e.sched, now)
		r.log.Warn("fired late, skipping missed occurrences",
			logx.String("medicine", e.med.ID),
			logx.Int("index", e.idx),
			logx.Time("missed_from", late),
		)
	}
	if err != nil {
		delete(r.pending, key{e.med.ID, e.idx})
		return req
	}
	r.armLocked(e, next)
	return req
}

func (r *Registry) render(m schedule.Medicine) (title, body string) {
	title = r.cfg.TitlePrefix + m.Name
	body = m.Dosage
	if in := strings.TrimSpace(m.Instructions); in != "" {
		if body != "" {
			body += "\n"
		}
		body += in
	}
	return title, body
}

func (r *Registry) dispatch(req notifier.Request) notifier.Result {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DispatchTimeout)
	defer cancel()
	res := r.disp.Dispatch(ctx, req)
	r.log.Info("reminder fired",
		logx.String("medicine", req.Identity.MedicineID),
		logx.Int("index", req.Identity.ScheduleIndex),
		logx.Time("at", req.Identity.FireAt),
		logx.String("status", string(res.Status)),
	)
	return res
}
