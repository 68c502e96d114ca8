package app

import (
	"context"
	"errors"
	"fmt"

	"medreminder/internal/medsource"
	"medreminder/internal/notifier"
	"medreminder/internal/reminder"
	"medreminder/internal/schedule"
	logx "medreminder/pkg/logx"
)

// ErrLoggedOut is returned by Sync after Logout until a new token is set.
var ErrLoggedOut = errors.New("session logged out")

// SyncResult summarizes one fetch-and-rebuild.
type SyncResult struct {
	Medicines int      `json:"medicines"`
	Pending   int      `json:"pending"`
	Invalid   []string `json:"invalid,omitempty"`
}

type tokenSetter interface {
	SetToken(token string)
}

// Sync fetches medicines and rebuilds the foreground registry. Invalid
// schedules are skipped and listed in the result. A rejected credential
// cancels every reminder; any other fetch failure leaves the current timers
// untouched.
func (a *App) Sync(ctx context.Context) (SyncResult, error) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	if a.loggedOut.Load() {
		return SyncResult{}, ErrLoggedOut
	}

	a.srcMu.RLock()
	src := a.source
	a.srcMu.RUnlock()

	meds, err := src.Medicines(ctx)
	if errors.Is(err, medsource.ErrUnauthorized) {
		a.log.Warn("medicine source rejected the session; cancelling reminders", logx.Err(err))
		a.reg.CancelAll()
		return SyncResult{}, err
	}
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch medicines: %w", err)
	}

	res := SyncResult{Medicines: len(meds)}
	err = a.reg.Rebuild(ctx, meds)
	switch {
	case errors.Is(err, notifier.ErrPermissionDenied), errors.Is(err, notifier.ErrPlatformUnavailable):
		return res, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return res, err
	}
	res.Invalid = invalidSchedules(err)
	res.Pending = a.reg.Len()
	return res, nil
}

func invalidSchedules(err error) []string {
	if err == nil {
		return nil
	}
	var errs []error
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		errs = j.Unwrap()
	} else {
		errs = []error{err}
	}
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		if errors.Is(e, schedule.ErrInvalidSchedule) {
			out = append(out, e.Error())
		}
	}
	return out
}

// Login installs a new source credential and re-enables syncing. Sources
// without credentials (a local file) only get the latter.
func (a *App) Login(token string) {
	a.srcMu.RLock()
	src := a.source
	a.srcMu.RUnlock()
	if ts, ok := src.(tokenSetter); ok {
		ts.SetToken(token)
	}
	a.loggedOut.Store(false)
	a.log.Info("session credential updated")
}

// Logout cancels every pending reminder and stops syncing until Login.
func (a *App) Logout() {
	a.loggedOut.Store(true)
	a.srcMu.RLock()
	src := a.source
	a.srcMu.RUnlock()
	if ts, ok := src.(tokenSetter); ok {
		ts.SetToken("")
	}
	// waits out an in-flight sync so it cannot re-arm afterwards
	a.syncMu.Lock()
	a.reg.CancelAll()
	a.syncMu.Unlock()
	a.log.Info("session logged out")
}

func (a *App) Reminders() []reminder.Pending { return a.reg.Snapshot() }
