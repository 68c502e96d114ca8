package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownClient = errors.New("unknown client")

// Client is one open application window.
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controlled bool      `json:"controlled"`
	FocusedAt  time.Time `json:"focused_at,omitempty"`
}

// Clients is the set of windows the worker can reach.
type Clients interface {
	MatchAll(ctx context.Context) ([]Client, error)
	Focus(ctx context.Context, id string) (Client, error)
	OpenWindow(ctx context.Context, url string) (Client, error)
	Claim(ctx context.Context) (int, error)
}

// Windows is an in-memory Clients fed by the application as windows come
// and go. MatchAll preserves registration order.
type Windows struct {
	mu      sync.Mutex
	now     func() time.Time
	byID    map[string]*Client
	order   []string
	focused string
	claimed bool
}

func NewWindows() *Windows {
	return &Windows{now: time.Now, byID: map[string]*Client{}}
}

// Register adds or updates a window. An empty id gets a fresh one.
func (w *Windows) Register(id, url string) Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	c, ok := w.byID[id]
	if !ok {
		c = &Client{ID: id}
		w.byID[id] = c
		w.order = append(w.order, id)
	}
	c.URL = url
	c.Controlled = w.claimed
	return *c
}

func (w *Windows) Unregister(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.byID[id]; !ok {
		return false
	}
	delete(w.byID, id)
	for i, v := range w.order {
		if v == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	if w.focused == id {
		w.focused = ""
	}
	return true
}

func (w *Windows) MatchAll(context.Context) ([]Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Client, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, *w.byID[id])
	}
	return out, nil
}

func (w *Windows) Focus(_ context.Context, id string) (Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.byID[id]
	if !ok {
		return Client{}, ErrUnknownClient
	}
	c.FocusedAt = w.now()
	w.focused = id
	return *c, nil
}

// OpenWindow records a new window at url and focuses it.
func (w *Windows) OpenWindow(ctx context.Context, url string) (Client, error) {
	c := w.Register("", url)
	return w.Focus(ctx, c.ID)
}

// Claim takes control of every open window.
func (w *Windows) Claim(context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.claimed = true
	for _, c := range w.byID {
		c.Controlled = true
	}
	return len(w.byID), nil
}

// Focused returns the window focused last, if it is still open.
func (w *Windows) Focused() (Client, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.byID[w.focused]
	if !ok {
		return Client{}, false
	}
	return *c, true
}
