package notifier

import (
	"context"
	"errors"
	"time"

	"medreminder/internal/schedule"
)

var (
	ErrPermissionDenied    = errors.New("notification permission denied")
	ErrPlatformUnavailable = errors.New("notification platform unavailable")
	ErrDuplicate           = errors.New("duplicate reminder")
)

const (
	SourceForeground = "foreground"
	SourceBackground = "background"
)

type Status string

const (
	StatusShown               Status = "shown"
	StatusDuplicate           Status = "duplicate"
	StatusPermissionDenied    Status = "permission_denied"
	StatusPlatformUnavailable Status = "platform_unavailable"
	StatusFailed              Status = "failed"
)

type Permission int

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "default"
	}
}

// Request asks for one reminder to be shown.
type Request struct {
	Identity schedule.Identity
	Title    string
	Body     string
	Source   string
}

type Result struct {
	Status Status
	Key    string
	Tag    string
	Err    error
}

// Notification is what a Surface renders.
type Notification struct {
	Tag   string
	Title string
	Body  string
	Data  map[string]string
	At    time.Time
}

// Surface is the platform notification API. Show with a tag that is already
// on screen replaces it. A Show or RequestPermission error wrapping
// ErrPermissionDenied is a hard denial and is not retried.
type Surface interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
	RequestPermission(ctx context.Context) (Permission, error)
}

// DedupDisabled as DedupWindow turns dedup off. A zero window means the default.
const DedupDisabled time.Duration = -1

// Config controls dedup, rate limiting and retries.
type Config struct {
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	HistorySize     int
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	Key    string    `json:"key"`
	Tag    string    `json:"tag"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	Source string    `json:"source"`
}

// NotificationEvent is the bus payload for notifier.* events.
type NotificationEvent struct {
	Key           string    `json:"key"`
	Tag           string    `json:"tag"`
	MedicineID    string    `json:"medicine_id"`
	ScheduleIndex int       `json:"schedule_index"`
	Source        string    `json:"source"`
	At            time.Time `json:"at"`
	Error         string    `json:"error,omitempty"`
}
