// Package wsconn collects the gorilla/websocket plumbing shared by the
// result-stream and status clients: dialing, close-code extraction and a
// normal-closure teardown.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// WriteTimeout is the deadline for a single outbound frame.
	WriteTimeout = 10 * time.Second

	// DialTimeout bounds the opening handshake.
	DialTimeout = 10 * time.Second

	// maxFrameSize caps inbound frames; recognition results are small JSON.
	maxFrameSize = 1 << 20
)

// DialFunc opens a WebSocket connection. Clients hold one so tests can count
// or fail dials.
type DialFunc func(ctx context.Context, rawURL string) (*websocket.Conn, error)

// Dial opens rawURL with the default gorilla dialer.
func Dial(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("dial %s: handshake status %d: %w", Redact(rawURL), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", Redact(rawURL), err)
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// CloseCode returns the close code carried by a read error. Errors without a
// close frame (reset, EOF, timeout) map to 1006, the abnormal-closure code.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// IsCloseFrame reports whether err came from a close frame sent by the peer
// rather than a transport failure.
func IsCloseFrame(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

// CloseNormal sends a 1000 close frame with reason and closes conn.
func CloseNormal(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WriteTimeout)) //nolint:errcheck
	conn.Close()
}

// Redact strips the query string and user info from rawURL so session and
// auth tokens never reach the logs.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

// WithToken returns endpoint with token set as the "token" query parameter.
// An empty token leaves endpoint unchanged.
func WithToken(endpoint, token string) (string, error) {
	if token == "" {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
