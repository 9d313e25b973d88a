package replay

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/replay-agent/internal/config"
	"github.com/nugget/replay-agent/internal/draft"
	"github.com/nugget/replay-agent/internal/events"
)

// Defaults for the replay client.
const (
	DefaultSendTimeout      = 30 * time.Second
	DefaultMaxResponseBytes = 16 << 20
)

// ResponseRecorder stores a completed response and returns its id.
type ResponseRecorder interface {
	AddResponse(r *Response) string
}

// ClientOptions configure a [Client].
type ClientOptions struct {
	// Timeout bounds one complete exchange (dial, write, read).
	Timeout time.Duration
	// VerifyTLS enables certificate verification. Testing targets
	// commonly present self-signed certificates, so it is off by default.
	VerifyTLS bool
	// MaxResponseBytes caps how much of a response is read.
	MaxResponseBytes int64
}

// Client writes drafts to the target byte-for-byte over TCP or TLS and
// records the raw response. It implements [Sender]: Send returns as
// soon as the exchange has started, and completion is published on the
// event bus as [events.KindEntryUpdated].
type Client struct {
	recorder ResponseRecorder
	bus      *events.Bus
	logger   *slog.Logger
	opts     ClientOptions
	dialer   *net.Dialer
}

// NewClient creates a replay client.
func NewClient(recorder ResponseRecorder, bus *events.Bus, logger *slog.Logger, opts ClientOptions) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSendTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	return &Client{
		recorder: recorder,
		bus:      bus,
		logger:   logger.With("component", "replay"),
		opts:     opts,
		dialer:   &net.Dialer{Timeout: 10 * time.Second, KeepAlive: -1},
	}
}

// Send starts the exchange in the background. The exchange outlives
// ctx cancellation so a response that is already on its way is still
// recorded; it is bounded by the client timeout instead.
func (c *Client) Send(ctx context.Context, sessionID string, conn draft.Connection, raw []byte) error {
	if len(raw) == 0 {
		return errors.New("request is empty")
	}
	if conn.Host == "" || conn.Port <= 0 {
		return fmt.Errorf("invalid connection %q", conn.Addr())
	}

	payload := bytes.Clone(raw)
	go func() {
		ctx := context.WithoutCancel(ctx)
		resp, err := c.Do(ctx, sessionID, conn, payload)
		data := map[string]any{"session_id": sessionID}
		if err != nil {
			c.logger.Warn("replay failed", "session_id", sessionID, "addr", conn.Addr(), "error", err)
			data["error"] = err.Error()
		} else {
			data["response_id"] = resp.ID
		}
		c.bus.Publish(events.Event{
			Source: events.SourceReplay,
			Kind:   events.KindEntryUpdated,
			Data:   data,
		})
	}()
	return nil
}

// Do performs one exchange synchronously and records the response.
func (c *Client) Do(ctx context.Context, sessionID string, conn draft.Connection, raw []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	nc, err := c.dial(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer nc.Close()

	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { nc.SetDeadline(time.Now()) })
	defer stop()

	c.logger.Log(ctx, config.LevelTrace, "replay request", "session_id", sessionID, "raw", string(raw))

	if _, err := nc.Write(raw); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	rawResp, err := readResponse(nc, requestMethod(raw), c.opts.MaxResponseBytes)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("read response: %w", ctxErr)
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	resp := &Response{
		SessionID:  sessionID,
		Raw:        rawResp,
		RoundTrip:  time.Since(start),
		ReceivedAt: time.Now(),
	}
	resp.ID = c.recorder.AddResponse(resp)

	c.logger.Debug("replay complete",
		"session_id", sessionID,
		"response_id", resp.ID,
		"status", resp.StatusLine(),
		"bytes", len(rawResp),
		"elapsed", resp.RoundTrip.Round(time.Millisecond),
	)
	c.logger.Log(ctx, config.LevelTrace, "replay response", "raw", rawResp)

	return resp, nil
}

func (c *Client) dial(ctx context.Context, conn draft.Connection) (net.Conn, error) {
	nc, err := c.dialer.DialContext(ctx, "tcp", conn.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", conn.Addr(), err)
	}
	if !conn.TLS {
		return nc, nil
	}

	tc := tls.Client(nc, &tls.Config{
		ServerName:         conn.ServerName(),
		InsecureSkipVerify: !c.opts.VerifyTLS, //nolint:gosec // testing targets
		NextProtos:         []string{"http/1.1"},
	})
	if err := tc.HandshakeContext(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", conn.ServerName(), err)
	}
	return tc, nil
}

// readResponse reads one HTTP response and returns its bytes exactly as
// received. net/http only frames the message; the returned text is the
// captured wire data, including chunk framing.
func readResponse(r io.Reader, method string, limit int64) (string, error) {
	var captured bytes.Buffer
	tee := io.TeeReader(io.LimitReader(r, limit), &captured)
	br := bufio.NewReader(tee)

	resp, err := http.ReadResponse(br, &http.Request{Method: method})
	if err != nil {
		if captured.Len() > 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
			return captured.String(), nil
		}
		return "", err
	}
	_, err = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}

	// bufio may have read past the end of the message.
	n := captured.Len() - br.Buffered()
	return string(captured.Bytes()[:n]), nil
}

// requestMethod extracts the method so HEAD responses are framed
// without a body.
func requestMethod(raw []byte) string {
	if req, err := draft.Parse(string(raw)); err == nil {
		return req.Method
	}
	return http.MethodGet
}
