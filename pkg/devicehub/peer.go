package devicehub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second

	// pongWait is how long a client may stay silent (no frame, no pong)
	// before it is treated as dead.
	pongWait = 60 * time.Second

	// PingPeriod is how often each client gets a WebSocket ping. It must be
	// less than pongWait.
	PingPeriod = (pongWait * 9) / 10

	sendBufSize  = 32
	maxFrameSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peer is one connected client. send is closed exactly once, by the owning
// hub under its write lock, after closeCode is set.
type peer struct {
	conn      *websocket.Conn
	send      chan []byte
	closeCode int
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{
		conn:      conn,
		send:      make(chan []byte, sendBufSize),
		closeCode: websocket.CloseGoingAway,
	}
}

// trySend queues one frame without blocking and reports false when the
// buffer is full. Callers must hold the owning hub's lock (read or write)
// and have checked that the peer is still registered.
func (p *peer) trySend(data []byte) bool {
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("devicehub: marshal frame", "err", err)
		return nil
	}
	return data
}

// writePump forwards queued frames and periodic pings to the connection.
// When send is closed it writes a close frame carrying closeCode.
func (p *peer) writePump() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(p.closeCode, "")) //nolint:errcheck
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump calls onFrame for each text frame until the connection fails.
func (p *peer) readPump(onFrame func([]byte)) {
	defer p.conn.Close()
	p.conn.SetReadLimit(maxFrameSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		onFrame(data)
	}
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
