package resultstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devwatch/devwatch/console/internal/reconnect"
	"github.com/devwatch/devwatch/console/internal/wsconn"
	"github.com/devwatch/devwatch/pkg/types"
)

// Defaults applied by New when the matching Config field is zero.
const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultMaxAttempts    = 5
)

var (
	// ErrNoURL is reported when Connect is called before a stream URL is known.
	ErrNoURL = errors.New("resultstream: no stream url configured")

	// ErrReconnectExhausted is the terminal error after MaxAttempts failed retries.
	ErrReconnectExhausted = errors.New("resultstream: reconnect attempts exhausted")

	// ErrParse wraps frames that are not valid JSON or do not match their type.
	ErrParse = errors.New("resultstream: malformed frame")

	// ErrTransport wraps socket-level failures (dial errors, resets).
	ErrTransport = errors.New("resultstream: transport error")
)

// ServerError carries an error frame sent by the recognition server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "resultstream: server error: " + e.Message
}

// Config configures a Client. Every callback is optional.
type Config struct {
	// URL is the session stream endpoint. Empty means not known yet; see SetURL.
	URL string

	// ReconnectDelay is the fixed wait between an abnormal close and the retry.
	ReconnectDelay time.Duration

	// MaxAttempts caps consecutive retries without a successful open.
	MaxAttempts int

	// OnResult receives every recognition result, in arrival order.
	OnResult func(types.RecognitionResult)

	// OnProcessing is called with true when the server starts working on a
	// segment and with false when its result arrives.
	OnProcessing func(processing bool)

	// OnError receives parse, transport, server and terminal errors.
	OnError func(error)

	// OnConnect is called after every successful open.
	OnConnect func()

	// OnDisconnect is called whenever an open or opening connection goes away.
	OnDisconnect func()
}

// Stats are cumulative counters since New.
type Stats struct {
	Dials       uint64
	Reconnects  uint64
	Frames      uint64
	ParseErrors uint64
}

// Client owns at most one result-stream connection at a time.
type Client struct {
	cfg    Config
	dialFn wsconn.DialFunc // injectable for tests

	mu         sync.Mutex
	url        string
	enabled    bool
	state      types.ConnectionState
	conn       *websocket.Conn
	gen        uint64 // bumped on every dial and on Disconnect
	timer      *time.Timer
	backoff    *reconnect.Backoff
	processing bool
	err        error
	results    []types.RecognitionResult
	stats      Stats
}

// New creates a disconnected, enabled Client.
func New(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Client{
		cfg:     cfg,
		dialFn:  wsconn.Dial,
		url:     cfg.URL,
		enabled: true,
		backoff: reconnect.New(reconnect.Fixed{
			Interval:    cfg.ReconnectDelay,
			MaxAttempts: cfg.MaxAttempts,
		}),
	}
}

// Connect opens the stream. It is a no-op while connected, while a dial is in
// flight, or while the client is disabled.
func (c *Client) Connect() {
	c.connect(0, false)
}

// connect dials unless the client is busy. A retry only proceeds if its
// generation is still current, so a Disconnect between the timer firing and
// this call wins.
func (c *Client) connect(retryGen uint64, isRetry bool) {
	c.mu.Lock()
	if isRetry && retryGen != c.gen {
		c.mu.Unlock()
		return
	}
	if !c.enabled || c.state != types.Disconnected {
		c.mu.Unlock()
		return
	}
	if c.url == "" {
		c.err = ErrNoURL
		c.mu.Unlock()
		slog.Warn("resultstream: connect without url")
		c.emitError(ErrNoURL)
		return
	}
	c.stopTimerLocked()
	c.gen++
	gen, url := c.gen, c.url
	c.state = types.Connecting
	c.err = nil
	c.stats.Dials++
	c.mu.Unlock()

	go c.dial(gen, url)
}

// Disconnect closes the stream with a normal-closure code, cancels any pending
// retry and resets the retry counter. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	conn := c.conn
	wasActive := c.state != types.Disconnected
	c.conn = nil
	c.state = types.Disconnected
	c.processing = false
	c.backoff.Reset()
	c.mu.Unlock()

	if conn != nil {
		wsconn.CloseNormal(conn, "client disconnect")
	}
	if wasActive {
		slog.Info("resultstream: disconnected")
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect()
		}
	}
}

// SetURL switches to a new session stream. The current connection, if any, is
// closed; the client reconnects when enabled and url is non-empty.
func (c *Client) SetURL(url string) {
	c.mu.Lock()
	if url == c.url {
		c.mu.Unlock()
		return
	}
	c.url = url
	enabled := c.enabled
	c.mu.Unlock()

	c.Disconnect()
	if enabled && url != "" {
		c.Connect()
	}
}

// SetEnabled turns automatic (re)connection on or off. Disabling disconnects.
func (c *Client) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	hasURL := c.url != ""
	c.mu.Unlock()

	if !enabled {
		c.Disconnect()
		return
	}
	if hasURL {
		c.Connect()
	}
}

// ClearResults empties the result list without touching the connection.
func (c *Client) ClearResults() {
	c.mu.Lock()
	c.results = nil
	c.mu.Unlock()
}

// Results returns a copy of every result received since the last ClearResults.
func (c *Client) Results() []types.RecognitionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.RecognitionResult, len(c.results))
	copy(out, c.results)
	return out
}

// State returns the current connection state.
func (c *Client) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the stream is open.
func (c *Client) IsConnected() bool {
	return c.State() == types.Connected
}

// IsProcessing reports whether the server announced a segment that has not
// produced a result yet.
func (c *Client) IsProcessing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing
}

// Err returns the most recent error, or nil after a fresh dial.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stats returns a copy of the client's counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// --- internal ---------------------------------------------------------------

// update runs fn under the lock if gen is still current.
func (c *Client) update(gen uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	fn()
	return true
}

func (c *Client) dial(gen uint64, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), wsconn.DialTimeout)
	conn, err := c.dialFn(ctx, url)
	cancel()

	if err != nil {
		slog.Warn("resultstream: dial failed", "url", wsconn.Redact(url), "err", err)
		terr := fmt.Errorf("%w: %v", ErrTransport, err)
		if c.update(gen, func() { c.err = terr }) {
			c.emitError(terr)
		}
		c.handleClose(gen, websocket.CloseAbnormalClosure)
		return
	}

	opened := c.update(gen, func() {
		c.conn = conn
		c.state = types.Connected
		c.backoff.Reset()
	})
	if !opened {
		// Disconnected while the handshake was in flight.
		conn.Close()
		return
	}

	slog.Info("resultstream: connected", "url", wsconn.Redact(url))
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}
	c.readLoop(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !wsconn.IsCloseFrame(err) {
				terr := fmt.Errorf("%w: %v", ErrTransport, err)
				if c.update(gen, func() { c.err = terr }) {
					slog.Warn("resultstream: read failed", "err", err)
					c.emitError(terr)
				}
			}
			c.handleClose(gen, wsconn.CloseCode(err))
			return
		}
		c.handleFrame(gen, data)
	}
}

func (c *Client) handleFrame(gen uint64, data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.parseError(gen, err)
		return
	}
	if !c.update(gen, func() { c.stats.Frames++ }) {
		return
	}

	switch env.Type {
	case types.TypeRecognitionResult:
		res, err := types.ParseRecognitionResult(data)
		if err != nil {
			c.parseError(gen, err)
			return
		}
		if !c.update(gen, func() {
			c.results = append(c.results, res)
			c.processing = false
		}) {
			return
		}
		if res.IsEmergency {
			slog.Warn("resultstream: emergency result",
				"device_id", res.DeviceID, "keywords", res.EmergencyKeywords)
		}
		if c.cfg.OnProcessing != nil {
			c.cfg.OnProcessing(false)
		}
		if c.cfg.OnResult != nil {
			c.cfg.OnResult(res)
		}

	case types.TypeProcessing:
		if !c.update(gen, func() { c.processing = true }) {
			return
		}
		slog.Debug("resultstream: server processing")
		if c.cfg.OnProcessing != nil {
			c.cfg.OnProcessing(true)
		}

	case types.TypeConnected:
		slog.Info("resultstream: server acknowledged connection", "message", env.Message)

	case types.TypeError:
		msg := env.Message
		if msg == "" {
			msg = "unknown server error"
		}
		serr := &ServerError{Message: msg}
		if !c.update(gen, func() { c.err = serr }) {
			return
		}
		slog.Warn("resultstream: server error", "message", msg)
		c.emitError(serr)

	default:
		slog.Debug("resultstream: ignoring frame", "type", env.Type)
	}
}

func (c *Client) parseError(gen uint64, cause error) {
	perr := fmt.Errorf("%w: %v", ErrParse, cause)
	if !c.update(gen, func() {
		c.stats.ParseErrors++
		c.err = perr
	}) {
		return
	}
	slog.Warn("resultstream: could not parse frame", "err", cause)
	c.emitError(perr)
}

// handleClose moves the client to Disconnected and, for abnormal closes,
// schedules a retry or reports exhaustion.
func (c *Client) handleClose(gen uint64, code int) {
	var (
		retryIn  time.Duration
		attempt  int
		terminal bool
	)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = types.Disconnected
	c.processing = false
	if code != websocket.CloseNormalClosure && c.enabled && c.url != "" {
		if d, ok := c.backoff.Next(); ok {
			retryIn, attempt = d, c.backoff.Attempts()
			c.stats.Reconnects++
			c.timer = time.AfterFunc(d, func() { c.connect(gen, true) })
		} else {
			terminal = true
			c.err = ErrReconnectExhausted
		}
	}
	c.mu.Unlock()

	slog.Info("resultstream: connection closed", "code", code)
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect()
	}
	switch {
	case terminal:
		slog.Error("resultstream: giving up", "max_attempts", c.cfg.MaxAttempts)
		c.emitError(ErrReconnectExhausted)
	case attempt > 0:
		slog.Info("resultstream: reconnect scheduled",
			"attempt", attempt, "max_attempts", c.cfg.MaxAttempts, "retry_in", retryIn)
	}
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) emitError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
