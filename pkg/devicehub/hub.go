package devicehub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/devwatch/devwatch/pkg/types"
)

type connectedFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

type ackFrame struct {
	Type     string `json:"type"`
	DeviceID int    `json:"device_id"`
}

type pongFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// statusFrame is device_status in the backend's nested shape.
type statusFrame struct {
	Type      string                   `json:"type"`
	DeviceID  int                      `json:"device_id"`
	Status    types.DeviceStatusUpdate `json:"status"`
	Timestamp *string                  `json:"timestamp,omitempty"`
}

type onlineFrame struct {
	Type     string `json:"type"`
	DeviceID int    `json:"device_id"`
	IsOnline bool   `json:"is_online"`
}

type inbound struct {
	Type     string `json:"type"`
	DeviceID int    `json:"device_id"`
}

// Hub serves the shared device-status endpoint.
type Hub struct {
	mu      sync.RWMutex
	clients map[*statusClient]struct{}
	seq     int
}

type statusClient struct {
	*peer
	id   string
	subs map[int]struct{} // guarded by Hub.mu
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{clients: make(map[*statusClient]struct{})}
}

// Run blocks until ctx is cancelled, then closes every client with 1001.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ServeHTTP upgrades the request and serves one status client until it
// disconnects. The optional ?token= query parameter names the user.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	h.mu.Lock()
	h.seq++
	user := r.URL.Query().Get("token")
	if user == "" {
		user = fmt.Sprintf("anonymous_%d", h.seq)
	}
	c := &statusClient{peer: newPeer(conn), id: user, subs: make(map[int]struct{})}
	h.clients[c] = struct{}{}
	c.trySend(marshal(connectedFrame{Type: types.TypeConnected, Message: "connected", UserID: c.id}))
	h.mu.Unlock()
	defer h.unregister(c)

	slog.Debug("devicehub: client connected", "user", c.id)

	go c.writePump()
	c.readPump(func(data []byte) { h.handle(c, data) })
}

func (h *Hub) handle(c *statusClient, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		slog.Warn("devicehub: malformed frame", "user", c.id)
		h.reply(c, errorFrame{Type: types.TypeError, Message: "invalid message format"})
		return
	}

	switch in.Type {
	case types.TypeSubscribeDevice:
		if in.DeviceID == 0 {
			return
		}
		h.mu.Lock()
		c.subs[in.DeviceID] = struct{}{}
		h.mu.Unlock()
		h.reply(c, ackFrame{Type: types.TypeSubscribed, DeviceID: in.DeviceID})

	case types.TypeUnsubscribeDevice:
		if in.DeviceID == 0 {
			return
		}
		h.mu.Lock()
		delete(c.subs, in.DeviceID)
		h.mu.Unlock()
		h.reply(c, ackFrame{Type: types.TypeUnsubscribed, DeviceID: in.DeviceID})

	case types.TypePing:
		h.reply(c, pongFrame{Type: types.TypePong})
	}
}

func (h *Hub) reply(c *statusClient, v any) {
	data := marshal(v)
	if data == nil {
		return
	}
	h.mu.RLock()
	_, live := h.clients[c]
	ok := !live || c.trySend(data)
	h.mu.RUnlock()
	if !ok {
		h.unregister(c)
	}
}

// PublishStatus sends a device_status frame for u.DeviceID to its
// subscribers and returns how many were reached.
func (h *Hub) PublishStatus(u types.DeviceStatusUpdate) int {
	return h.publish(u.DeviceID, statusFrame{
		Type:      types.TypeDeviceStatus,
		DeviceID:  u.DeviceID,
		Status:    u,
		Timestamp: u.Timestamp,
	})
}

// PublishOnline sends a device_online frame for id to its subscribers and
// returns how many were reached.
func (h *Hub) PublishOnline(id int, online bool) int {
	return h.publish(id, onlineFrame{Type: types.TypeDeviceOnline, DeviceID: id, IsOnline: online})
}

func (h *Hub) publish(deviceID int, frame any) int {
	data := marshal(frame)
	if data == nil {
		return 0
	}

	var slow []*statusClient
	sent := 0
	h.mu.RLock()
	for c := range h.clients {
		if _, ok := c.subs[deviceID]; !ok {
			continue
		}
		if c.trySend(data) {
			sent++
		} else {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// Send buffer full: drop the slow clients.
	for _, c := range slow {
		h.unregister(c)
	}
	return sent
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns how many clients are subscribed to deviceID.
func (h *Hub) Subscribers(deviceID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if _, ok := c.subs[deviceID]; ok {
			n++
		}
	}
	return n
}

func (h *Hub) unregister(c *statusClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
