package devicehub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/devwatch/devwatch/pkg/types"
)

type sessionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

type resultFrame struct {
	Type string `json:"type"`
	types.RecognitionResult
}

// ResultHub serves per-session recognition result streams. The session id is
// the last path segment of the request URL.
type ResultHub struct {
	mu       sync.RWMutex
	sessions map[string]map[*peer]struct{}
}

// NewResultHub creates an empty ResultHub.
func NewResultHub() *ResultHub {
	return &ResultHub{sessions: make(map[string]map[*peer]struct{})}
}

// Run blocks until ctx is cancelled, then closes every stream with 1001.
func (h *ResultHub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, peers := range h.sessions {
		for p := range peers {
			close(p.send)
		}
		delete(h.sessions, id)
	}
}

// ServeHTTP upgrades the request and streams results for its session until
// the client disconnects.
func (h *ResultHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := path.Base(r.URL.Path)
	if sessionID == "" || sessionID == "/" || sessionID == "." {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := newPeer(conn)
	h.mu.Lock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*peer]struct{})
	}
	h.sessions[sessionID][p] = struct{}{}
	p.trySend(marshal(sessionFrame{Type: types.TypeConnected, SessionID: sessionID, Message: "connected"}))
	h.mu.Unlock()
	defer h.remove(sessionID, p, websocket.CloseGoingAway)

	slog.Debug("devicehub: result stream opened", "session_id", sessionID)
	go p.writePump()
	p.readPump(func(data []byte) { h.handle(sessionID, p, data) })
}

func (h *ResultHub) handle(sessionID string, p *peer, data []byte) {
	var in inbound
	var reply any
	if err := json.Unmarshal(data, &in); err != nil {
		reply = sessionFrame{Type: types.TypeError, SessionID: sessionID, Message: "invalid message format"}
	} else if in.Type == types.TypePing {
		reply = pongFrame{Type: types.TypePong, SessionID: sessionID}
	} else {
		return
	}
	h.sendTo(sessionID, p, marshal(reply))
}

// Processing tells every client of sessionID that a segment is being
// transcribed. It returns how many clients were reached.
func (h *ResultHub) Processing(sessionID string) int {
	return h.broadcast(sessionID, sessionFrame{Type: types.TypeProcessing, SessionID: sessionID})
}

// Publish sends r to every client of r.SessionID and returns how many were
// reached.
func (h *ResultHub) Publish(r types.RecognitionResult) int {
	return h.broadcast(r.SessionID, resultFrame{Type: types.TypeRecognitionResult, RecognitionResult: r})
}

// SendError sends a server error frame to every client of sessionID.
func (h *ResultHub) SendError(sessionID, message string) int {
	return h.broadcast(sessionID, sessionFrame{Type: types.TypeError, SessionID: sessionID, Message: message})
}

// CloseSession ends every stream of sessionID with a normal (1000) close.
func (h *ResultHub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.sessions[sessionID] {
		p.closeCode = websocket.CloseNormalClosure
		close(p.send)
	}
	delete(h.sessions, sessionID)
}

// Clients returns the number of open streams for sessionID.
func (h *ResultHub) Clients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *ResultHub) broadcast(sessionID string, frame any) int {
	data := marshal(frame)
	if data == nil {
		return 0
	}
	var slow []*peer
	sent := 0
	h.mu.RLock()
	for p := range h.sessions[sessionID] {
		if p.trySend(data) {
			sent++
		} else {
			slow = append(slow, p)
		}
	}
	h.mu.RUnlock()
	for _, p := range slow {
		h.remove(sessionID, p, websocket.CloseGoingAway)
	}
	return sent
}

func (h *ResultHub) sendTo(sessionID string, p *peer, data []byte) {
	if data == nil {
		return
	}
	h.mu.RLock()
	_, live := h.sessions[sessionID][p]
	ok := !live || p.trySend(data)
	h.mu.RUnlock()
	if !ok {
		h.remove(sessionID, p, websocket.CloseGoingAway)
	}
}

func (h *ResultHub) remove(sessionID string, p *peer, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.sessions[sessionID]
	if _, ok := peers[p]; !ok {
		return
	}
	p.closeCode = code
	close(p.send)
	delete(peers, p)
	if len(peers) == 0 {
		delete(h.sessions, sessionID)
	}
}
