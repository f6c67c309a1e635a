// Package hubclient talks to a blitz hub: status over HTTP, session changes over the
// watch stream.
package hubclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/valyala/fasthttp"

	"github.com/park285/cheese-blitz/pkg/blitzdto"
)

// ErrNotFound is returned for an unknown game.
var ErrNotFound = errors.New("hub: not found")

type Client struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithDialer replaces the TCP dialer, e.g. with an in-memory listener.
func WithDialer(dial fasthttp.DialFunc) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Health(ctx context.Context) (*blitzdto.Health, error) {
	var h blitzdto.Health
	if _, err := c.getJSON(ctx, "/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Queue returns the waiting ticket, or false when nobody waits.
func (c *Client) Queue(ctx context.Context) (*blitzdto.QueueView, bool, error) {
	var q blitzdto.QueueView
	status, err := c.getJSON(ctx, "/v1/queue", &q)
	if err != nil {
		return nil, false, err
	}
	if status == fasthttp.StatusNoContent {
		return nil, false, nil
	}
	return &q, true, nil
}

func (c *Client) Game(ctx context.Context, id string) (*blitzdto.GameView, error) {
	var g blitzdto.GameView
	if _, err := c.getJSON(ctx, "/v1/games/"+url.PathEscape(strings.TrimSpace(id)), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", "application/json")

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else {
			status := resp.StatusCode()
			switch {
			case status == fasthttp.StatusNoContent:
				return status, nil
			case status >= 200 && status < 300:
				if out != nil {
					if err := json.Unmarshal(resp.Body(), out); err != nil {
						return status, fmt.Errorf("decode response: %w", err)
					}
				}
				return status, nil
			}
			body := decodeError(status, resp.Body())
			if status == fasthttp.StatusNotFound {
				return status, fmt.Errorf("%w: %s", ErrNotFound, body.Message)
			}
			if !body.Retryable && !shouldRetryStatus(status) {
				return status, body
			}
			lastErr = body
		}
		if attempt == attempts {
			break
		}
		if err := sleepWithContext(ctx, backoffDuration(attempt)); err != nil {
			return 0, lastErr
		}
	}
	return 0, lastErr
}

func decodeError(status int, body []byte) blitzdto.ErrorBody {
	var e blitzdto.ErrorBody
	if err := json.Unmarshal(body, &e); err != nil || e.Code == "" {
		e = blitzdto.ErrorBody{Code: blitzdto.CodeInternal, Message: fmt.Sprintf("hub status=%d body=%s", status, truncate(string(body), 512))}
	}
	return e
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func isClosedConn(err error) bool { return errors.Is(err, net.ErrClosed) }
