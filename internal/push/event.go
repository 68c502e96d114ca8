package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"medreminder/internal/notifier"
)

// Event is one delivered push. Work registered with WaitUntil keeps the
// event open; Wait returns once the handler has run and every registered
// function has returned.
type Event struct {
	ID         string
	ReceivedAt time.Time

	raw     []byte
	ctx     context.Context
	handled chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	err     error
	payload Payload
	result  notifier.Result
}

func newEvent(raw []byte, at time.Time) *Event {
	return &Event{
		ID:         uuid.NewString(),
		ReceivedAt: at,
		raw:        raw,
		ctx:        context.Background(),
		handled:    make(chan struct{}),
	}
}

// WaitUntil runs fn in the background and holds the event open until it
// returns. The first non-nil error becomes the event's error.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(e.ctx); err != nil {
			e.mu.Lock()
			if e.err == nil {
				e.err = err
			}
			e.mu.Unlock()
		}
	}()
}

// Wait blocks until the event settles or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-e.handled
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Payload and Result are valid after Wait returns.
func (e *Event) Payload() Payload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.payload
}

func (e *Event) Result() notifier.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

func (e *Event) set(p Payload, r notifier.Result) {
	e.mu.Lock()
	e.payload, e.result = p, r
	e.mu.Unlock()
}

func (e *Event) abort(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
	e.finish()
}

func (e *Event) finish() {
	select {
	case <-e.handled:
	default:
		close(e.handled)
	}
}

// resultErr maps a dispatch outcome to the event error. A duplicate is an
// expected outcome, not a failure.
func resultErr(r notifier.Result) error {
	switch r.Status {
	case notifier.StatusShown, notifier.StatusDuplicate:
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return errors.New("push dispatch " + string(r.Status))
}
