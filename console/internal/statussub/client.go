package statussub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devwatch/devwatch/console/internal/reconnect"
	"github.com/devwatch/devwatch/console/internal/wsconn"
	"github.com/devwatch/devwatch/pkg/types"
)

// Defaults applied by New when the matching Config field is zero.
const (
	DefaultPingInterval  = 30 * time.Second
	DefaultReconnectBase = 1 * time.Second
	DefaultReconnectMax  = 30 * time.Second
	DefaultMaxAttempts   = 5
)

// Config configures a Client. Every callback is optional.
type Config struct {
	// Endpoint is the status WebSocket URL, e.g. ws://localhost:8000/ws.
	Endpoint string

	// TokenSource returns the current access token, read on every dial so a
	// refreshed credential is picked up. Nil or "" dials without ?token=.
	TokenSource func() string

	// InitialDevice, when positive, is subscribed from the first open onward.
	InitialDevice int

	PingInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int

	// OnStatusUpdate receives every device_status frame.
	OnStatusUpdate func(types.DeviceStatusUpdate)

	// OnOnlineStatusChange receives every explicit online/offline transition.
	OnOnlineStatusChange func(deviceID int, online bool)

	OnConnect    func()
	OnDisconnect func()
}

// Stats are cumulative counters since New.
type Stats struct {
	Dials       uint64
	Reconnects  uint64
	Frames      uint64
	ParseErrors uint64
}

// Client owns the status connection and the subscription set.
type Client struct {
	cfg       Config
	dialFn    wsconn.DialFunc                         // injectable for tests
	afterFunc func(time.Duration, func()) *time.Timer // schedules retries

	mu         sync.Mutex
	state      types.ConnectionState
	conn       *websocket.Conn
	gen        uint64
	timer      *time.Timer
	backoff    *reconnect.Backoff
	subscribed map[int]struct{}
	online     map[int]struct{}
	last       *types.DeviceStatusUpdate
	stats      Stats

	// writeMu serializes writes (gorilla allows one concurrent writer). It is
	// taken before mu, never after.
	writeMu sync.Mutex
}

// New creates a disconnected Client.
func New(cfg Config) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	c := &Client{
		cfg:       cfg,
		dialFn:    wsconn.Dial,
		afterFunc: time.AfterFunc,
		backoff: reconnect.New(reconnect.Exponential{
			Initial:     cfg.ReconnectBase,
			Max:         cfg.ReconnectMax,
			MaxAttempts: cfg.MaxAttempts,
		}),
		subscribed: make(map[int]struct{}),
		online:     make(map[int]struct{}),
	}
	if cfg.InitialDevice > 0 {
		c.subscribed[cfg.InitialDevice] = struct{}{}
	}
	return c
}

// Connect opens the status connection unless one is open or opening.
func (c *Client) Connect() {
	c.connect(0, false)
}

func (c *Client) connect(retryGen uint64, isRetry bool) {
	c.mu.Lock()
	if isRetry && retryGen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.state != types.Disconnected {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	c.state = types.Connecting
	c.stats.Dials++
	c.mu.Unlock()

	go c.dial(gen)
}

// Disconnect cancels any pending retry and closes the socket. The
// subscription set is kept for the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	conn := c.conn
	wasActive := c.state != types.Disconnected
	c.conn = nil
	c.state = types.Disconnected
	c.backoff.Reset()
	c.mu.Unlock()

	if conn != nil {
		wsconn.CloseNormal(conn, "client disconnect")
	}
	if wasActive {
		slog.Info("statussub: disconnected")
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect()
		}
	}
}

// SubscribeDevice adds id to the subscription set and, if connected, sends
// subscribe_device immediately. Ids below 1 are ignored.
func (c *Client) SubscribeDevice(id int) {
	if id <= 0 {
		slog.Warn("statussub: ignoring subscribe for invalid device id", "device_id", id)
		return
	}
	c.mu.Lock()
	c.subscribed[id] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.send(conn, types.SubscribeFrame(id))
	}
}

// UnsubscribeDevice removes id from the subscription set and, if connected,
// sends unsubscribe_device immediately. Ids below 1 are ignored.
func (c *Client) UnsubscribeDevice(id int) {
	if id <= 0 {
		slog.Warn("statussub: ignoring unsubscribe for invalid device id", "device_id", id)
		return
	}
	c.mu.Lock()
	delete(c.subscribed, id)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.send(conn, types.UnsubscribeFrame(id))
	}
}

// Subscriptions returns the subscribed device ids in ascending order.
func (c *Client) Subscriptions() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.subscribed)
}

// OnlineDevices returns the ids currently believed online, ascending.
func (c *Client) OnlineDevices() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.online)
}

// IsOnline reports whether id is in the online set.
func (c *Client) IsOnline(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.online[id]
	return ok
}

// LastStatus returns the most recent device_status update, if any.
func (c *Client) LastStatus() (types.DeviceStatusUpdate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return types.DeviceStatusUpdate{}, false
	}
	return *c.last, true
}

// State returns the current connection state.
func (c *Client) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the status socket is open.
func (c *Client) IsConnected() bool {
	return c.State() == types.Connected
}

// Stats returns a copy of the client's counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// --- internal ---------------------------------------------------------------

func (c *Client) update(gen uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	fn()
	return true
}

func (c *Client) dial(gen uint64) {
	var token string
	if c.cfg.TokenSource != nil {
		token = c.cfg.TokenSource()
	}
	url, err := wsconn.WithToken(c.cfg.Endpoint, token)
	if err != nil {
		slog.Error("statussub: bad endpoint", "endpoint", c.cfg.Endpoint, "err", err)
		c.handleClose(gen, websocket.CloseAbnormalClosure)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsconn.DialTimeout)
	conn, err := c.dialFn(ctx, url)
	cancel()
	if err != nil {
		slog.Warn("statussub: dial failed", "endpoint", wsconn.Redact(url), "err", err)
		c.handleClose(gen, websocket.CloseAbnormalClosure)
		return
	}

	// Holding writeMu from publishing conn until the replay is written keeps
	// a concurrent Subscribe/UnsubscribeDevice frame behind the replay.
	var replay []int
	c.writeMu.Lock()
	opened := c.update(gen, func() {
		c.conn = conn
		c.state = types.Connected
		c.backoff.Reset()
		replay = sortedKeys(c.subscribed)
	})
	if !opened {
		c.writeMu.Unlock()
		conn.Close()
		return
	}
	for _, id := range replay {
		c.writeLocked(conn, types.SubscribeFrame(id))
	}
	c.writeMu.Unlock()

	slog.Info("statussub: connected", "endpoint", wsconn.Redact(url), "subscriptions", len(replay))
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}

	done := make(chan struct{})
	go c.pingLoop(conn, done)
	c.readLoop(gen, conn)
	close(done)
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !wsconn.IsCloseFrame(err) {
				slog.Warn("statussub: read failed", "err", err)
			}
			c.handleClose(gen, wsconn.CloseCode(err))
			return
		}
		c.handleFrame(gen, data)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.send(conn, types.PingFrame())
		}
	}
}

func (c *Client) send(conn *websocket.Conn, frame types.ControlFrame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeLocked(conn, frame)
}

// writeLocked writes frame; the caller holds writeMu.
func (c *Client) writeLocked(conn *websocket.Conn, frame types.ControlFrame) {
	conn.SetWriteDeadline(time.Now().Add(wsconn.WriteTimeout)) //nolint:errcheck
	if err := conn.WriteJSON(frame); err != nil {
		// The read loop sees the broken socket and drives the reconnect.
		slog.Warn("statussub: send failed", "type", frame.Type, "device_id", frame.DeviceID, "err", err)
	}
}

func (c *Client) handleFrame(gen uint64, data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.update(gen, func() { c.stats.ParseErrors++ })
		slog.Warn("statussub: could not parse frame", "err", err)
		return
	}
	if !c.update(gen, func() { c.stats.Frames++ }) {
		return
	}

	switch env.Type {
	case types.TypeDeviceStatus:
		u, err := types.ParseDeviceStatus(data)
		if err != nil {
			c.update(gen, func() { c.stats.ParseErrors++ })
			slog.Warn("statussub: bad device_status frame", "err", err)
			return
		}
		if !c.update(gen, func() {
			c.last = &u
			if u.DeviceID != 0 {
				if u.IsOnline == nil || *u.IsOnline {
					c.online[u.DeviceID] = struct{}{}
				} else {
					delete(c.online, u.DeviceID)
				}
			}
		}) {
			return
		}
		if c.cfg.OnStatusUpdate != nil {
			c.cfg.OnStatusUpdate(u)
		}

	case types.TypeDeviceOnlineStatus, types.TypeDeviceOnline:
		var f types.OnlineFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.update(gen, func() { c.stats.ParseErrors++ })
			slog.Warn("statussub: bad online frame", "err", err)
			return
		}
		if f.DeviceID == nil || f.IsOnline == nil {
			slog.Debug("statussub: online frame without device_id or is_online")
			return
		}
		id, online := *f.DeviceID, *f.IsOnline
		if !c.update(gen, func() {
			if online {
				c.online[id] = struct{}{}
			} else {
				delete(c.online, id)
			}
		}) {
			return
		}
		if c.cfg.OnOnlineStatusChange != nil {
			c.cfg.OnOnlineStatusChange(id, online)
		}

	case types.TypeSubscribed, types.TypeUnsubscribed, types.TypeConnected, types.TypePong:
		slog.Debug("statussub: "+env.Type, "message", env.Message)

	case types.TypeError:
		slog.Warn("statussub: server error", "message", env.Message)

	default:
		slog.Debug("statussub: ignoring frame", "type", env.Type)
	}
}

func (c *Client) handleClose(gen uint64, code int) {
	var (
		retryIn time.Duration
		attempt int
		giveUp  bool
	)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = types.Disconnected
	if code != websocket.CloseNormalClosure {
		if d, ok := c.backoff.Next(); ok {
			retryIn, attempt = d, c.backoff.Attempts()
			c.stats.Reconnects++
			c.timer = c.afterFunc(d, func() { c.connect(gen, true) })
		} else {
			giveUp = true
		}
	}
	c.mu.Unlock()

	slog.Info("statussub: connection closed", "code", code)
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect()
	}
	switch {
	case giveUp:
		slog.Warn("statussub: reconnect attempts exhausted", "max_attempts", c.cfg.MaxAttempts)
	case attempt > 0:
		slog.Info("statussub: reconnect scheduled",
			"attempt", attempt, "max_attempts", c.cfg.MaxAttempts, "retry_in", retryIn)
	}
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
