// Package httpclient is the rate-limited, retrying HTTP transport shared by
// the GitHub and Salesforce clients.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cci/internal/logging"
	"cci/internal/metrics"
)

// Config configures a Client. Zero fields take the defaults noted.
type Config struct {
	// Service labels metrics and log lines ("github", "salesforce").
	Service string

	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout per attempt (default 30s).
	Timeout time.Duration

	// MaxRetries for 429/5xx responses and transport errors (default 3).
	MaxRetries int

	// RateLimit in requests per second (default 10) and burst (default 5).
	RateLimit float64
	RateBurst int

	Headers   map[string]string
	UserAgent string

	// Transport allows injecting a custom round tripper in tests.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger

	// backoff returns the wait before retry attempt n (0-based).
	backoff func(n int) time.Duration
}

// New builds a Client, filling defaults on cfg.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 5
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cci/1.0"
	}
	if cfg.Service == "" {
		cfg.Service = "http"
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		log:     logging.OrDiscard(cfg.Logger),
		backoff: func(n int) time.Duration { return time.Duration(1<<uint(n)) * 100 * time.Millisecond },
	}
}

// BaseURL is the configured base url.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// Request is one call. Path may be absolute (starting with http) or relative
// to the base url.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON unmarshals the body into target.
func (r *Response) JSON(target any) error {
	if err := json.Unmarshal(r.Body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// HTTPError is a response with status >= 400.
type HTTPError struct {
	StatusCode int
	Method     string
	URL        string
	Body       []byte
	Header     http.Header
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, msg)
}

// Retryable is true for rate limiting and server errors.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsNotFound reports whether err is an HTTP 404.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// Do executes req with rate limiting and retry. Non-2xx responses come back
// as *HTTPError together with the response.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		resp, err := c.doOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			return resp, err
		}
		c.log.Debug("retrying request", "stage", "http", "service", c.cfg.Service,
			"method", req.Method, "path", req.Path, "attempt", attempt+1, "err", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoff(attempt)):
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path == "" {
		return c.cfg.BaseURL
	}
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	full := c.resolve(req.Path)
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(full, "?") {
			sep = "&"
		}
		full += sep + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, full, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordHTTP(c.cfg.Service, 0, time.Since(start))
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	metrics.RecordHTTP(c.cfg.Service, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	if resp.StatusCode >= 400 {
		return out, &HTTPError{
			StatusCode: resp.StatusCode,
			Method:     req.Method,
			URL:        full,
			Body:       data,
			Header:     resp.Header,
		}
	}
	return out, nil
}

// Get performs a GET.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

// SendJSON performs method with a JSON-encoded body.
func (c *Client) SendJSON(ctx context.Context, method, path string, query url.Values, body any) (*Response, error) {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}
	return c.Do(ctx, &Request{
		Method:  method,
		Path:    path,
		Query:   query,
		Body:    data,
		Headers: map[string]string{"Content-Type": "application/json"},
	})
}
