// Package httpkit builds the HTTP clients used to reach model backends.
// Both provider clients share one transport shape: bounded dial and TLS
// timeouts, a small idle pool, and default headers that identify Aigent.
// Streaming generation relies on context cancellation rather than a
// client-wide timeout, so provider clients pass WithTimeout(0).
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/aigent/internal/buildinfo"
)

const (
	dialTimeout = 10 * time.Second
	tlsTimeout  = 10 * time.Second

	// headerTimeout bounds the wait for the first response byte. A local
	// model loading into memory can take a while before answering.
	headerTimeout = 120 * time.Second

	defaultTimeout = 30 * time.Second
)

// Option configures a client built by NewClient.
type Option func(*options)

type options struct {
	timeout    time.Duration
	headers    http.Header
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it, which
// streaming responses require.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHeader adds a header sent on every request that does not already
// carry it.
func WithHeader(key, value string) Option {
	return func(o *options) { o.headers.Set(key, value) }
}

// WithRetry retries dial failures (connection refused, host or network
// unreachable) up to n times. Nothing reached the backend on such a
// failure, so a generation request is never submitted twice.
func WithRetry(n int, delay time.Duration) Option {
	return func(o *options) {
		o.retries = n
		o.retryDelay = delay
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewClient builds an *http.Client for a model backend.
func NewClient(opts ...Option) *http.Client {
	o := &options{
		timeout: defaultTimeout,
		headers: http.Header{"User-Agent": {buildinfo.UserAgent()}},
	}
	for _, opt := range opts {
		opt(o)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          8,
		MaxIdleConnsPerHost:   4,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout: o.timeout,
		Transport: &backendTransport{
			base:    transport,
			headers: o.headers,
			retries: o.retries,
			delay:   o.retryDelay,
			logger:  o.logger,
		},
	}
}

// backendTransport applies default headers and retries dial failures.
type backendTransport struct {
	base    http.RoundTripper
	headers http.Header
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

func (t *backendTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = t.withHeaders(req)

	resp, err := t.base.RoundTrip(req)
	for attempt := 1; attempt <= t.retries && isDialFailure(err); attempt++ {
		// A body that cannot be rewound cannot be resent.
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			break
		}
		if t.logger != nil {
			t.logger.Debug("backend unreachable, retrying",
				"url", req.URL.Redacted(),
				"attempt", attempt,
				"error", err,
			)
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("rewind request body: %w", bodyErr)
			}
			retry.Body = body
		}
		resp, err = t.base.RoundTrip(retry)
	}
	return resp, err
}

// withHeaders returns req, cloned if any default header is missing.
func (t *backendTransport) withHeaders(req *http.Request) *http.Request {
	var cloned bool
	for key, values := range t.headers {
		if req.Header.Get(key) != "" || len(values) == 0 {
			continue
		}
		if !cloned {
			req = req.Clone(req.Context())
			cloned = true
		}
		req.Header.Set(key, values[0])
	}
	return req
}

// isDialFailure reports whether err means the backend was never reached.
func isDialFailure(err error) bool {
	if err == nil {
		return false
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes of an error response for use in
// a diagnostic, then drains and closes the remainder.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
