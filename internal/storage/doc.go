// Package storage persists the small amount of state the reminder engine
// shares across its foreground session, its background push worker and
// restarts:
//   - dedup suppress-until stamps keyed by reminder identity
//   - an append-only delivery audit (every dispatch outcome)
//
// Reminder timers themselves are never persisted; they are recomputed from the
// medicine list on every rebuild.
package storage
