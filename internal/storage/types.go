package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit + dedup snapshot/journal next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Delivery records one dispatch outcome.
type Delivery struct {
	At            time.Time `json:"at"`
	Key           string    `json:"key"`
	Tag           string    `json:"tag"`
	MedicineID    string    `json:"medicine_id"`
	ScheduleIndex int       `json:"schedule_index"`
	Source        string    `json:"source"`
	Status        string    `json:"status"`
	Title         string    `json:"title,omitempty"`
	Error         string    `json:"error,omitempty"`
}
