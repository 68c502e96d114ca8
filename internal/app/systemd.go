package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "medreminder/pkg/logx"
)

// sdNotify reports state to systemd. Outside a notify unit it is a no-op.
func (a *App) sdNotify(states ...string) {
	for _, st := range states {
		sent, err := daemon.SdNotify(false, st)
		if err != nil {
			a.log.Debug("sd_notify failed", logx.String("state", st), logx.Err(err))
			return
		}
		if !sent {
			return
		}
	}
}

func sdStatus(format string, args ...any) string {
	return "STATUS=" + fmt.Sprintf(format, args...)
}

// watchdog pings systemd at half the configured WatchdogSec. It returns at
// once when the unit has no watchdog.
func (a *App) watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	if every < time.Second {
		every = time.Second
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.sdNotify(daemon.SdNotifyWatchdog)
		}
	}
}
