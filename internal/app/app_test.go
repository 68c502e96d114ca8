package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"medreminder/internal/config"
	"medreminder/internal/eventbus"
	"medreminder/internal/medsource"
	"medreminder/internal/notifier"
	"medreminder/internal/reminder"
	"medreminder/internal/schedule"
	"medreminder/internal/surface/console"
)

const medicinesJSON = `{
  "medicines": [
    {"id": "asp", "name": "Aspirin", "dosage": "1 tablet",
     "schedules": [{"time": "08:00", "days": ["Mon","Tue","Wed","Thu","Fri","Sat","Sun"]}]},
    {"id": "vit", "name": "Vitamin D", "dosage": "1 drop",
     "schedules": [{"time": "21:00", "days": ["Sun"]}, {"time": "7:61", "days": ["Mon"]}]}
  ]
}`

// Monday 07:59 UTC.
var start = time.Date(2024, 1, 1, 7, 59, 0, 0, time.UTC)

type fixture struct {
	app     *App
	clock   *reminder.ManualClock
	surface *console.Surface
	dir     string
}

func newFixture(t *testing.T, extra string, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	meds := filepath.Join(dir, "medicines.json")
	if err := os.WriteFile(meds, []byte(medicinesJSON), 0o600); err != nil {
		t.Fatalf("write medicines: %v", err)
	}
	body := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "reminder": {"timezone": "UTC"},
  "source": {"kind": "file", "file": %q, "sync": "off"}%s
}`, meds, extra)
	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	clock := reminder.NewManualClock(start)
	surface := console.New(nil)
	opts = append([]Option{WithClock(clock), WithSurface(surface)}, opts...)
	a, err := New(config.NewConfigManager(cfgPath), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{app: a, clock: clock, surface: surface, dir: dir}
}

func TestSyncArmsValidSchedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	res, err := f.app.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Medicines != 2 || res.Pending != 2 || len(res.Invalid) != 1 {
		t.Fatalf("Sync = %+v", res)
	}
	if !strings.Contains(res.Invalid[0], "medicine vit schedule 1") {
		t.Fatalf("invalid = %v", res.Invalid)
	}

	f.clock.Advance(time.Minute)
	active := f.surface.Active()
	if len(active) != 1 || active[0].Title != "Time to take: Aspirin" || active[0].Body != "1 tablet" {
		t.Fatalf("active = %+v", active)
	}
	for _, p := range f.app.Reminders() {
		if p.MedicineID == "asp" && !p.Next.Equal(start.Add(24*time.Hour+time.Minute)) {
			t.Fatalf("aspirin re-armed at %v", p.Next)
		}
	}
}

func TestLogoutCancelsUntilLogin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	if _, err := f.app.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	f.app.Logout()
	if n := f.app.Registry().Len(); n != 0 {
		t.Fatalf("pending after logout = %d", n)
	}
	if _, err := f.app.Sync(context.Background()); !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Sync after logout = %v", err)
	}
	if err := f.app.syncJob(context.Background()); err != nil {
		t.Fatalf("periodic sync after logout = %v", err)
	}
	f.clock.Advance(time.Hour)
	if got := f.surface.Active(); len(got) != 0 {
		t.Fatalf("shown after logout: %+v", got)
	}

	f.app.Login("")
	if res, err := f.app.Sync(context.Background()); err != nil || res.Pending != 2 {
		t.Fatalf("Sync after login = %+v, %v", res, err)
	}
}

type flakySource struct {
	mu   sync.Mutex
	meds []schedule.Medicine
	err  error
}

func (s *flakySource) Medicines(context.Context) ([]schedule.Medicine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meds, s.err
}

func (s *flakySource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func TestSourceErrors(t *testing.T) {
	t.Parallel()
	src := &flakySource{meds: []schedule.Medicine{{
		ID: "m1", Name: "Metformin",
		Schedules: []schedule.Schedule{{Hour: 9, Minute: 0, Days: schedule.EveryDay}},
	}}}
	f := newFixture(t, "", WithSource(src))
	if res, err := f.app.Sync(context.Background()); err != nil || res.Pending != 1 {
		t.Fatalf("Sync = %+v, %v", res, err)
	}

	src.fail(errors.New("connection refused"))
	if _, err := f.app.Sync(context.Background()); err == nil {
		t.Fatalf("expected fetch error")
	}
	if n := f.app.Registry().Len(); n != 1 {
		t.Fatalf("transient failure dropped reminders: %d pending", n)
	}

	src.fail(fmt.Errorf("%w: 401", medsource.ErrUnauthorized))
	if _, err := f.app.Sync(context.Background()); !errors.Is(err, medsource.ErrUnauthorized) {
		t.Fatalf("Sync = %v, want ErrUnauthorized", err)
	}
	if n := f.app.Registry().Len(); n != 0 {
		t.Fatalf("unauthorized kept %d reminders", n)
	}
}

func TestSyncReportsExpiredContext(t *testing.T) {
	t.Parallel()
	src := &flakySource{meds: []schedule.Medicine{{
		ID: "m1", Name: "Metformin",
		Schedules: []schedule.Schedule{{Hour: 9, Minute: 0, Days: schedule.EveryDay}},
	}}}
	f := newFixture(t, "", WithSource(src))

	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	if _, err := f.app.Sync(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Sync = %v, want DeadlineExceeded", err)
	}
	if n := f.app.Registry().Len(); n != 0 {
		t.Fatalf("expired sync armed %d reminders", n)
	}
}

func TestSyncWithoutSurface(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "", WithSurface(nil))
	if _, err := f.app.Sync(context.Background()); err == nil {
		t.Fatalf("expected platform unavailable")
	}
	if n := f.app.Registry().Len(); n != 0 {
		t.Fatalf("armed %d reminders without a surface", n)
	}
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestSessionRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	var res SyncResult
	if code := doJSON(t, http.MethodPost, srv.URL+"/app/sync", "", &res); code != http.StatusOK || res.Pending != 2 {
		t.Fatalf("sync = %d %+v", code, res)
	}
	var pending []reminder.Pending
	if code := doJSON(t, http.MethodGet, srv.URL+"/app/reminders", "", &pending); code != http.StatusOK || len(pending) != 2 {
		t.Fatalf("reminders = %d %+v", code, pending)
	}
	var health healthResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/healthz", "", &health); code != http.StatusOK || health.Pending != 2 || health.Status != "ok" {
		t.Fatalf("healthz = %d %+v", code, health)
	}

	if code := doJSON(t, http.MethodPost, srv.URL+"/app/logout", "", nil); code != http.StatusNoContent {
		t.Fatalf("logout = %d", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/app/sync", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("sync after logout = %d", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/app/sync", `{"token":"fresh"}`, &res); code != http.StatusOK || res.Pending != 2 {
		t.Fatalf("sync with token = %d %+v", code, res)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/app/deliveries?limit=x", "", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", code)
	}
	var status statusResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/app/status", "", &status); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartServesPushAndStops(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "reminderd.db")
	extra := fmt.Sprintf(`,
  "http": {"addr": "127.0.0.1:0", "pprof": true},
  "push": {"enabled": true},
  "notifier": {"persist_dedup": true},
  "storage": {"driver": "sqlite", "path": %q}`, storePath)
	f := newFixture(t, extra)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = f.app.Stop(context.Background(), StopAppStop)
		}
	}()
	if f.app.Registry().Len() != 2 {
		t.Fatalf("initial sync armed %d", f.app.Registry().Len())
	}

	base := "http://" + f.app.Addr()
	payload := `{"title":"Take Aspirin","body":"1 tablet","medicine_id":"asp","schedule_index":0,"fire_at":"2024-01-01T08:00:00Z"}`
	var out map[string]any
	if code := doJSON(t, http.MethodPost, base+"/sw/push", payload, &out); code != http.StatusOK || out["status"] != "shown" {
		t.Fatalf("push = %d %+v", code, out)
	}
	if code := doJSON(t, http.MethodPost, base+"/sw/push", payload, &out); code != http.StatusOK || out["status"] != "duplicate" {
		t.Fatalf("repeat push = %d %+v", code, out)
	}

	// The foreground timer for the same occurrence is suppressed by the
	// background delivery through the shared store.
	f.clock.Advance(time.Minute)
	if got := f.surface.Active(); len(got) != 1 || got[0].Title != "Take Aspirin" {
		t.Fatalf("active = %+v", got)
	}

	var deliveries []map[string]any
	if code := doJSON(t, http.MethodGet, base+"/app/deliveries", "", &deliveries); code != http.StatusOK || len(deliveries) == 0 {
		t.Fatalf("deliveries = %d %+v", code, deliveries)
	}

	if code := doJSON(t, http.MethodGet, base+"/debug/pprof/", "", nil); code != http.StatusOK {
		t.Fatalf("pprof index = %d", code)
	}

	f.app.bus.Publish(eventbus.Event{Type: eventbus.NotifierRevoked, Time: time.Now()})
	waitFor(t, "revocation to cancel reminders", func() bool { return f.app.Registry().Len() == 0 })

	stopped = true
	if err := f.app.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-f.app.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	if _, err := http.Post(base+"/healthz", "application/json", bytes.NewReader(nil)); err == nil {
		t.Fatalf("listener still open after Stop")
	}
}

func TestTimezoneReload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = f.app.Stop(context.Background(), StopAppStop) }()

	prev := f.app.cfgm.Get()
	next := *prev
	next.Reminder.Timezone = "Asia/Tokyo"
	f.app.applyConfig(ctx, prev, &next)
	if got := f.app.Registry().Location().String(); got != "Asia/Tokyo" {
		t.Fatalf("registry location = %s", got)
	}
	for _, p := range f.app.Reminders() {
		if p.Next.Location().String() != "Asia/Tokyo" {
			t.Fatalf("pending %s still in %s", p.MedicineID, p.Next.Location())
		}
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     *config.NotifierConfig
		store   bool
		check   func(t *testing.T, rate, retry int, window time.Duration, persist bool)
		wantErr bool
	}{
		{name: "defaults", check: func(t *testing.T, rate, retry int, window time.Duration, persist bool) {
			if rate != 3 || retry != 3 || window != 10*time.Minute || persist {
				t.Fatalf("got rate=%d retry=%d window=%v persist=%v", rate, retry, window, persist)
			}
		}},
		{name: "explicit zero retries and window", cfg: &config.NotifierConfig{DedupWindow: "0s", PersistDedup: true}, store: true,
			check: func(t *testing.T, rate, retry int, window time.Duration, persist bool) {
				if retry != 0 || window != notifier.DedupDisabled || !persist {
					t.Fatalf("got retry=%d window=%v persist=%v", retry, window, persist)
				}
			}},
		{name: "persist needs a store", cfg: &config.NotifierConfig{PersistDedup: true},
			check: func(t *testing.T, _, _ int, _ time.Duration, persist bool) {
				if persist {
					t.Fatalf("persist enabled without store")
				}
			}},
		{name: "bad duration", cfg: &config.NotifierConfig{RetryBase: "fast"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := mapNotifierConfig(&config.Config{Notifier: tc.cfg}, tc.store)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("mapNotifierConfig: %v", err)
			}
			tc.check(t, got.RatePerSec, got.RetryMax, got.DedupWindow, got.PersistDedup)
		})
	}
}

func TestSyncSpec(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		on      bool
		wantErr bool
	}{
		"":                {on: true},
		"off":             {},
		"every:5m":        {on: true},
		"cron:0 7 * * *":  {on: true},
		"every:yesterday": {wantErr: true},
	}
	for raw, want := range cases {
		_, on, err := syncSpec(&config.Config{Source: config.SourceConfig{Sync: raw}})
		if (err != nil) != want.wantErr || on != want.on {
			t.Fatalf("syncSpec(%q) = %v, %v", raw, on, err)
		}
	}
}
