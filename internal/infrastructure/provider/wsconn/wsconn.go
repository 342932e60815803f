// Package wsconn wraps a gorilla websocket connection with the plumbing the
// streaming provider adapters share: dialing with auth headers, serialized
// writes with ctx-derived deadlines, and close bookkeeping.
package wsconn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout applies when the write context carries no deadline.
const DefaultWriteTimeout = 5 * time.Second

// ErrClosed is returned by writes on a closed connection.
var ErrClosed = errors.New("websocket closed")

// Conn is a websocket connection safe for one reader and many writers.
type Conn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	lastError string
	lastClose string
}

// Dial opens a websocket to rawURL. A positive timeout bounds the handshake.
func Dial(ctx context.Context, rawURL string, header http.Header, timeout time.Duration) (*Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", redact(rawURL), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", redact(rawURL), err)
	}
	return &Conn{conn: conn, closed: make(chan struct{})}, nil
}

// ReadMessage blocks for the next frame. It records why the socket closed.
func (c *Conn) ReadMessage() (int, []byte, error) {
	typ, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			c.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
		} else {
			c.setLastClose(strings.TrimSpace(err.Error()))
		}
	}
	return typ, data, err
}

// WriteJSON sends payload as a text frame.
func (c *Conn) WriteJSON(ctx context.Context, payload any) error {
	return c.write(ctx, func() error { return c.conn.WriteJSON(payload) })
}

// WriteText sends a raw text frame.
func (c *Conn) WriteText(ctx context.Context, text string) error {
	return c.write(ctx, func() error { return c.conn.WriteMessage(websocket.TextMessage, []byte(text)) })
}

// WriteBinary sends a binary frame.
func (c *Conn) WriteBinary(ctx context.Context, data []byte) error {
	return c.write(ctx, func() error { return c.conn.WriteMessage(websocket.BinaryMessage, data) })
}

func (c *Conn) write(ctx context.Context, send func() error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	}
	if err := send(); err != nil {
		if reason := c.FailureReason(); reason != "" {
			return fmt.Errorf("%w (%s)", err, reason)
		}
		return err
	}
	return nil
}

// Close sends a normal close frame and closes the socket. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Closed is closed once Close has been called.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// SetServerError records an error reported in-band by the provider.
func (c *Conn) SetServerError(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	c.mu.Lock()
	c.lastError = msg
	c.mu.Unlock()
}

func (c *Conn) setLastClose(msg string) {
	c.mu.Lock()
	if c.lastClose == "" {
		c.lastClose = msg
	}
	c.mu.Unlock()
}

// FailureReason summarises the last server error and close cause.
func (c *Conn) FailureReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.lastError != "" && c.lastClose != "":
		return "server_error=" + c.lastError + " close=" + c.lastClose
	case c.lastError != "":
		return "server_error=" + c.lastError
	case c.lastClose != "":
		return "close=" + c.lastClose
	}
	return ""
}

// ══════════════════════════════════════════════════════════════════════════════
// DECODING HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// String decodes a JSON string field, returning "" for anything else.
func String(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Bool decodes a JSON boolean field, returning false for anything else.
func Bool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

// Base64 decodes standard or URL base64, padded or not.
func Base64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64")
}

// redact drops the query string, which may carry credentials.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
