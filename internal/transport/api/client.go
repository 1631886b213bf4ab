package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/cheese-sync/internal/domain"
)

// Client calls the HTTP surface. It is used by the command-line tooling.
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

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithDialer replaces the TCP dialer, e.g. with an in-memory listener.
func WithDialer(dial func(addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the text summary of game.
func (c *Client) State(ctx context.Context, game string) (string, error) {
	body, _, err := c.do(ctx, fasthttp.MethodGet, "/api/state?game="+url.QueryEscape(game), nil, true)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Move submits a move. A rejection, an unknown game included, is returned
// as a Response with Result "rejected" and a nil error.
func (c *Client) Move(ctx context.Context, game, move string) (*Response, error) {
	return c.doJSON(ctx, "/api/move", MoveRequest{Game: game, Move: move})
}

func (c *Client) Reset(ctx context.Context, game string, cfg *domain.Configuration) (*Response, error) {
	return c.doJSON(ctx, "/api/reset", ResetRequest{Game: game, Configuration: cfg})
}

func (c *Client) End(ctx context.Context, game, reason, winner string) (*Response, error) {
	return c.doJSON(ctx, "/api/end", EndRequest{Game: game, Reason: reason, Winner: winner})
}

func (c *Client) doJSON(ctx context.Context, path string, in any) (*Response, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	// mutations are not retried
	body, status, err := c.do(ctx, fasthttp.MethodPost, path, payload, false)
	if err != nil && status != fasthttp.StatusUnprocessableEntity && status != fasthttp.StatusNotFound {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, retry bool) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	if payload != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 0 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else {
			status := resp.StatusCode()
			body := append([]byte(nil), resp.Body()...)
			if status >= 200 && status < 300 {
				return body, status, nil
			}
			lastErr = fmt.Errorf("api error: status=%d body=%s", status, truncate(string(body), 512))
			if !shouldRetryStatus(status) || attempt == attempts {
				return body, status, lastErr
			}
		}
		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return nil, 0, lastErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return nil, 0, lastErr
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
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
