package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	cb "github.com/sony/gobreaker"

	"github.com/sawpanic/boxscan/internal/net/ratelimit"
)

// maxBodyBytes bounds a response body; the full instrument dump is well below this.
const maxBodyBytes = 128 << 20

// Config configures the transport.
type Config struct {
	Name            string
	Timeout         time.Duration // whole request, including body read
	DialTimeout     time.Duration
	HostRPS         float64 // 0 disables per-host smoothing
	HostBurst       int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	UserAgent       string
}

// Request is a single synchronous HTTP call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response carries the status, body and headers of a completed call. Non-2xx
// statuses are returned as a Response, not as an error.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// Client executes requests with per-host pacing and circuit breaking.
type Client struct {
	cfg     Config
	http    *http.Client
	hosts   *ratelimit.HostLimiter
	breaker *Breaker
}

// New creates a Client. A nil transport gets a dialer honouring cfg.DialTimeout.
func New(cfg Config, transport http.RoundTripper) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "boxscan/1.0"
	}
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: cfg.DialTimeout,
		}
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
		hosts:   ratelimit.NewHostLimiter(cfg.HostRPS, cfg.HostBurst),
		breaker: NewBreaker(cfg.Name, cfg.BreakerFailures, cfg.BreakerTimeout),
	}
}

var errServerStatus = errors.New("server error status")

// Do performs req. Transport failures, an open breaker and pacing
// cancellation are returned as *TransportError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &TransportError{Host: req.URL, Type: "request", Err: err}
	}

	if err := c.hosts.Wait(ctx, u.Host); err != nil {
		return nil, &TransportError{Host: u.Host, Type: "rate_limit", Err: fmt.Errorf("host pacing wait failed: %w", err)}
	}

	var resp *Response
	_, err = c.breaker.Execute(func() (any, error) {
		var doErr error
		resp, doErr = c.roundTrip(ctx, req)
		if doErr != nil {
			return nil, doErr
		}
		if resp.Status >= 500 {
			return nil, errServerStatus
		}
		return nil, nil
	})

	switch {
	case err == nil, errors.Is(err, errServerStatus):
		return resp, nil
	case errors.Is(err, cb.ErrOpenState), errors.Is(err, cb.ErrTooManyRequests):
		return nil, &TransportError{Host: u.Host, Type: "circuit", Err: err}
	default:
		return nil, &TransportError{Host: u.Host, Type: "transport", Err: err}
	}
}

func (c *Client) roundTrip(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{Status: httpResp.StatusCode, Body: data, Header: httpResp.Header}, nil
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// HostStats exposes per-host pacing state.
func (c *Client) HostStats() map[string]ratelimit.HostStats {
	return c.hosts.Stats()
}

// TransportError describes a call that produced no HTTP response.
type TransportError struct {
	Host string `json:"host"`
	Type string `json:"type"` // "request", "rate_limit", "circuit", "transport"
	Err  error  `json:"-"`
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Host, e.Type, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsCircuitOpen reports whether the breaker rejected the call.
func (e *TransportError) IsCircuitOpen() bool {
	return e.Type == "circuit"
}
