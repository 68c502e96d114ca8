package medsource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"medreminder/internal/schedule"
	logx "medreminder/pkg/logx"
)

type ClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
}

// Client reads medicines from the CRUD backend.
type Client struct {
	http *resty.Client
	log  logx.Logger

	mu    sync.RWMutex
	token string
}

func NewClient(cfg ClientConfig, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("medicine source base_url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	c := resty.New().
		SetBaseURL(base).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		http:  c,
		log:   log.With(logx.String("comp", "medsource")),
		token: cfg.Token,
	}, nil
}

// SetToken replaces the bearer token after a login.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Medicines(ctx context.Context) ([]schedule.Medicine, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	req := c.http.R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	start := time.Now()
	resp, err := req.Get("/medicines")
	if err != nil {
		return nil, fmt.Errorf("get medicines: %w", err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, fmt.Errorf("%w (%d)", ErrUnauthorized, code)
	case code != http.StatusOK:
		return nil, fmt.Errorf("get medicines: status %d: %s", code, truncate(resp.String(), 200))
	}

	meds, err := decode(resp.Body(), c.log)
	if err != nil {
		return nil, err
	}
	c.log.Debug("medicines fetched", logx.Int("count", len(meds)), logx.Duration("took", time.Since(start)))
	return meds, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
