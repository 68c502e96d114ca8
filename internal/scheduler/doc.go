// Package scheduler triggers the daemon's periodic jobs, chiefly the
// medicines resync that stands in for "session resume": on every tick the
// medicine list is fetched again and the reminder registry rebuilt.
//
// Schedules are cron expressions (robfig/cron, optional seconds field) or
// fixed intervals ("15m", "01:00", "every:30m"). Interval jobs get a small
// random startup spread so several daemons restarted together don't hit the
// backend at the same instant.
//
// A job never overlaps itself: a tick that arrives while the previous run is
// still in flight is skipped and logged.
package scheduler
