// Package console is a notification surface that prints reminders to a
// writer (usually stdout). It is always permitted and keeps the set of
// notifications currently "on screen" so a repeated tag replaces, not stacks.
package console

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"medreminder/internal/notifier"
)

// DefaultMaxActive bounds the on-screen set when no limit is given.
const DefaultMaxActive = 256

type Surface struct {
	mu     sync.Mutex
	w      io.Writer
	max    int
	active map[string]notifier.Notification
	order  []string
}

type Option func(*Surface)

// WithMaxActive caps how many notifications stay on screen; the oldest is
// dropped first.
func WithMaxActive(n int) Option {
	return func(s *Surface) {
		if n > 0 {
			s.max = n
		}
	}
}

func New(w io.Writer, opts ...Option) *Surface {
	if w == nil {
		w = io.Discard
	}
	s := &Surface{w: w, max: DefaultMaxActive, active: map[string]notifier.Notification{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Surface) Show(_ context.Context, n notifier.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	verb := "REMINDER"
	if _, ok := s.active[n.Tag]; ok {
		verb = "REMINDER (updated)"
	} else {
		s.order = append(s.order, n.Tag)
	}
	s.active[n.Tag] = n
	for len(s.order) > s.max {
		delete(s.active, s.order[0])
		s.order = s.order[1:]
	}
	_, err := fmt.Fprintf(s.w, "[%s] %s %s: %s\n", n.At.Format("15:04"), verb, n.Title, n.Body)
	return err
}

func (s *Surface) Close(_ context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[tag]; !ok {
		return nil
	}
	delete(s.active, tag)
	for i, t := range s.order {
		if t == tag {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Surface) RequestPermission(context.Context) (notifier.Permission, error) {
	return notifier.PermissionGranted, nil
}

// Active lists notifications currently shown, ordered by time.
func (s *Surface) Active() []notifier.Notification {
	s.mu.Lock()
	out := make([]notifier.Notification, 0, len(s.active))
	for _, n := range s.active {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
