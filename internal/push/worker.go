package push

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"medreminder/internal/notifier"
	logx "medreminder/pkg/logx"
)

var (
	ErrNotActive = errors.New("push worker is not active")
	ErrStopped   = errors.New("push worker stopped")
)

type State int32

const (
	StateInstalling State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "installing"
}

// Dispatcher is the notifier instance owned by the worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, r notifier.Request) notifier.Result
	Close(ctx context.Context, tag string) error
}

type Config struct {
	// AppURL is opened when a notification is clicked and no window is open.
	AppURL          string
	InboxSize       int
	DispatchTimeout time.Duration
}

type Worker struct {
	cfg     Config
	disp    Dispatcher
	clients Clients
	log     logx.Logger
	now     func() time.Time

	state   atomic.Int32
	running atomic.Bool
	inbox   chan *Event
}

type Option func(*Worker)

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func New(cfg Config, disp Dispatcher, clients Clients, log logx.Logger, opts ...Option) *Worker {
	if cfg.AppURL == "" {
		cfg.AppURL = "/"
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 16
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if clients == nil {
		clients = NewWindows()
	}
	w := &Worker{
		cfg:     cfg,
		disp:    disp,
		clients: clients,
		log:     log.With(logx.String("comp", "push")),
		now:     time.Now,
		inbox:   make(chan *Event, cfg.InboxSize),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Worker) State() State { return State(w.state.Load()) }

// Install activates the worker without waiting for open windows to go away
// and takes control of them.
func (w *Worker) Install(ctx context.Context) error {
	if w.State() == StateActive {
		return nil
	}
	n, err := w.clients.Claim(ctx)
	if err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}
	w.state.Store(int32(StateActive))
	w.log.Info("push worker active", logx.Int("clients", n))
	return nil
}

// Run handles push events one at a time until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("push worker already running")
	}
	defer w.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			w.drain(ctx.Err())
			return nil
		case ev := <-w.inbox:
			w.handlePush(ctx, ev)
		}
	}
}

// Push hands a raw push body to the worker. The returned event settles once
// the notification has been shown or has failed.
func (w *Worker) Push(ctx context.Context, raw []byte) (*Event, error) {
	if w.State() != StateActive {
		return nil, ErrNotActive
	}
	ev := newEvent(append([]byte(nil), raw...), w.now())
	select {
	case w.inbox <- ev:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) handlePush(ctx context.Context, ev *Event) {
	defer ev.finish()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("push handler panic", logx.String("event", ev.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			ev.abort(fmt.Errorf("push handler panic: %v", r))
		}
	}()

	p, err := DecodePayload(ev.raw)
	if err != nil {
		w.log.Warn("push payload decode failed; using text body", logx.String("event", ev.ID), logx.Err(err))
	}
	id := p.Identity(ev.ReceivedAt)
	req := notifier.Request{Identity: id, Title: p.Title, Body: p.Body, Source: notifier.SourceBackground}

	ev.ctx = ctx
	ev.WaitUntil(func(ctx context.Context) error {
		if w.disp == nil {
			res := notifier.Result{Status: notifier.StatusPlatformUnavailable, Key: id.Key(), Tag: id.Tag(), Err: notifier.ErrPlatformUnavailable}
			ev.set(p, res)
			return res.Err
		}
		dctx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
		defer cancel()
		res := w.disp.Dispatch(dctx, req)
		ev.set(p, res)
		w.log.Debug("push handled",
			logx.String("event", ev.ID),
			logx.String("key", res.Key),
			logx.String("status", string(res.Status)),
			logx.Bool("synthetic", id.Synthetic()),
		)
		return resultErr(res)
	})
}

// drain settles events still queued at shutdown.
func (w *Worker) drain(err error) {
	for {
		select {
		case ev := <-w.inbox:
			ev.abort(fmt.Errorf("%w: %v", ErrStopped, err))
		default:
			return
		}
	}
}

// Click closes the notification, then focuses the first open window or
// opens a new one at the app URL.
func (w *Worker) Click(ctx context.Context, tag string) (Client, error) {
	if w.disp != nil && tag != "" {
		if err := w.disp.Close(ctx, tag); err != nil {
			w.log.Debug("close notification failed", logx.String("tag", tag), logx.Err(err))
		}
	}
	list, err := w.clients.MatchAll(ctx)
	if err != nil {
		return Client{}, err
	}
	for _, c := range list {
		if c.URL == "" {
			continue
		}
		return w.clients.Focus(ctx, c.ID)
	}
	return w.clients.OpenWindow(ctx, w.cfg.AppURL)
}
