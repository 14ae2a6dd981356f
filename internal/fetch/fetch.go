// Package fetch issues the HTTP request of a single fire.
//
// It knows nothing about templates or queries: the producer hands it a fully
// substituted Request and gets back the raw body plus the time the response
// arrived.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"datawatch/internal/task/job"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 8 << 20
	DefaultUserAgent    = "datawatch/1"

	formContentType = "application/x-www-form-urlencoded"
)

// Config controls the shared HTTP client.
type Config struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64

	// RateLimit caps requests per second across all producers. 0 disables it.
	RateLimit float64
	Burst     int
}

// Request is a fully substituted request.
type Request struct {
	Method  job.Method
	URL     string
	Body    string
	Headers []job.Header
	Timeout time.Duration // overrides Config.Timeout when > 0
}

// Response is a successful (2xx) response.
type Response struct {
	Status   int
	Body     []byte
	Received time.Time
}

// Client is safe for concurrent use by all producers.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client. Its Timeout is ignored;
// per-request deadlines come from the context.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithClock replaces time.Now for Response.Received.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// New returns a Client with defaults filled in.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
		now:  time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Timeout returns the effective deadline for r.
func (c *Client) Timeout(r Request) time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return c.cfg.Timeout
}

// Fetch performs r. Any failure, including a non-2xx status, is a
// *TransportError.
func (c *Client) Fetch(ctx context.Context, r Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout(r))
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, &TransportError{URL: r.URL, Err: fmt.Errorf("rate limit: %w", err)}
		}
	}

	var body io.Reader
	if r.Method == job.MethodPost && r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	method := string(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return Response{}, &TransportError{URL: r.URL, Err: err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if r.Method == job.MethodPost {
		req.Header.Set("Content-Type", formContentType)
	}
	for _, h := range r.Headers {
		req.Header.Add(h.Name, h.Value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// *url.Error repeats the full URL, secrets included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return Response{}, &TransportError{URL: r.URL, Err: err}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return Response{}, &TransportError{URL: r.URL, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	received := c.now()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &TransportError{URL: r.URL, Status: resp.StatusCode, Err: ErrStatus}
	}
	if n > c.cfg.MaxBodyBytes {
		return Response{}, &TransportError{URL: r.URL, Status: resp.StatusCode, Err: ErrBodyTooLarge}
	}
	return Response{Status: resp.StatusCode, Body: buf.Bytes(), Received: received}, nil
}
