// Package telegram delivers reminders as Telegram messages to one chat.
//
// Platform semantics map onto the Bot API as follows:
//   - permission: the chat is reachable (getChat succeeds); a 403 or an
//     unknown chat is a denial
//   - tag collapse: a repeated tag edits the message sent for it earlier
//   - close: the message is deleted
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"medreminder/internal/notifier"
	logx "medreminder/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides https://api.telegram.org.
	APIURL  string
	Timeout time.Duration
	// MaxTracked bounds how many tags are remembered for edits.
	MaxTracked int
}

type Surface struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger

	mu    sync.Mutex
	msgs  map[string]int // tag -> message id
	order []string
}

func New(cfg Config, log logx.Logger) (*Surface, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:   cfg.APIURL,
		Token: cfg.Token,
		// Send-only: no poller, no getMe round trip at startup.
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Surface{
		cfg:  cfg,
		bot:  b,
		log:  log.With(logx.String("comp", "surface.telegram")),
		msgs: map[string]int{},
	}, nil
}

func (s *Surface) RequestPermission(ctx context.Context) (notifier.Permission, error) {
	if err := ctx.Err(); err != nil {
		return notifier.PermissionDefault, err
	}
	if _, err := s.bot.ChatByID(s.cfg.ChatID); err != nil {
		if forbidden(err) {
			s.log.Warn("chat unreachable", logx.Int64("chat_id", s.cfg.ChatID), logx.Err(err))
			return notifier.PermissionDenied, nil
		}
		return notifier.PermissionDefault, err
	}
	return notifier.PermissionGranted, nil
}

func (s *Surface) Show(ctx context.Context, n notifier.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := render(n)
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, ThreadID: s.cfg.ThreadID}

	if id, ok := s.lookup(n.Tag); ok {
		_, err := s.bot.Edit(s.ref(id), text, opts)
		switch {
		case err == nil, notModified(err):
			return nil
		case forbidden(err):
			return fmt.Errorf("%w: %v", notifier.ErrPermissionDenied, err)
		}
		// The old message may be gone; fall through to a fresh send.
		s.log.Debug("edit failed, sending new message", logx.String("tag", n.Tag), logx.Err(err))
	}

	msg, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, text, opts)
	if err != nil {
		if forbidden(err) {
			return fmt.Errorf("%w: %v", notifier.ErrPermissionDenied, err)
		}
		return err
	}
	s.track(n.Tag, msg.ID)
	return nil
}

func (s *Surface) Close(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	id, ok := s.msgs[tag]
	delete(s.msgs, tag)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.bot.Delete(s.ref(id))
}

func (s *Surface) ref(id int) *tele.Message {
	return &tele.Message{ID: id, Chat: &tele.Chat{ID: s.cfg.ChatID}}
}

func (s *Surface) lookup(tag string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.msgs[tag]
	return id, ok
}

func (s *Surface) track(tag string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[tag]; !ok {
		s.order = append(s.order, tag)
	}
	s.msgs[tag] = id
	for len(s.order) > s.cfg.MaxTracked {
		delete(s.msgs, s.order[0])
		s.order = s.order[1:]
	}
}

func render(n notifier.Notification) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(n.Title))
	b.WriteString("</b>")
	if n.Body != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(n.Body))
	}
	return b.String()
}

// forbidden reports a definitive "you may not message this chat".
func forbidden(err error) bool {
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrKickedFromGroup) || errors.Is(err, tele.ErrChatNotFound) {
		return true
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusForbidden {
		return true
	}
	return strings.Contains(err.Error(), "(403)")
}

func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
