// Package httpkit builds the HTTP clients used for model provider
// streams and carries the server-sent-events reader both streaming
// transports use.
//
// Replayed target requests do not go through this package: they are
// written to the wire byte-for-byte by the replay client.
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

	"github.com/nugget/replay-agent/internal/buildinfo"
)

// Streaming client defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultResponseHeaderTimeout is generous because providers hold
	// back headers while reasoning.
	DefaultResponseHeaderTimeout = 120 * time.Second

	DefaultRetries    = 2
	DefaultRetryDelay = 500 * time.Millisecond
)

// StreamConfig configures a client built by [NewStreamingClient]. Zero
// values take the defaults above.
type StreamConfig struct {
	// Provider labels retry diagnostics.
	Provider              string
	ResponseHeaderTimeout time.Duration
	// Retries is the number of extra attempts after a dial-level
	// failure. Negative disables retries.
	Retries    int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// NewStreamingClient returns a client for long-lived provider streams.
// It has no overall timeout: a stream is bounded by its request
// context. Requests carry the replay-agent User-Agent unless they set
// one, and dial failures are retried.
func NewStreamingClient(cfg StreamConfig) *http.Client {
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		ForceAttemptHTTP2:     true,
	}

	var rt http.RoundTripper = &userAgentTransport{base: t, ua: buildinfo.UserAgent()}
	if cfg.Retries > 0 {
		rt = &retryTransport{
			base:     rt,
			count:    cfg.Retries,
			delay:    cfg.RetryDelay,
			provider: cfg.Provider,
			logger:   cfg.Logger,
		}
	}
	return &http.Client{Transport: rt}
}

// userAgentTransport injects the User-Agent header on every request
// unless one is already set.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// retryTransport retries requests that failed before reaching the
// provider. Requests whose body cannot be rewound are not retried.
type retryTransport struct {
	base     http.RoundTripper
	count    int
	delay    time.Duration
	provider string
	logger   *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !isRetryableError(err) {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, err
	}

	for attempt := 1; attempt <= t.count; attempt++ {
		if t.logger != nil {
			t.logger.Debug("retrying provider request after dial failure",
				"provider", t.provider,
				"url", req.URL.Redacted(),
				"attempt", attempt,
				"max_retries", t.count,
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

		retryReq := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retryReq.Body = body
		}

		resp, err = t.base.RoundTrip(retryReq)
		if err == nil || !isRetryableError(err) {
			return resp, err
		}
	}
	return resp, err
}

// isRetryableError reports dial-level errors that occur before any
// bytes reach the provider. ECONNRESET is excluded: the provider may
// already have accepted (and billed) the request.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
			return true
		}
	}
	return false
}

// ReadErrorBody reads up to limit bytes of an error response for the
// error message, then drains and closes rc so the connection can be
// reused. Returns "" if rc is nil.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1024))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
