package devicehub_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devwatch/devwatch/pkg/devicehub"
	"github.com/devwatch/devwatch/pkg/types"
)

// --- helpers ----------------------------------------------------------------

// startHub serves hub.ServeHTTP and runs hub.Run until the returned cancel.
func startHub(t *testing.T) (wsURL string, hub *devicehub.Hub, cancel func()) {
	t.Helper()
	hub = devicehub.New()
	ctx, cancelFn := context.WithCancel(context.Background())
	srv := httptest.NewServer(hub)
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", hub, cancelFn
}

func startResultHub(t *testing.T) (baseURL string, hub *devicehub.ResultHub, cancel func()) {
	t.Helper()
	hub = devicehub.NewResultHub()
	ctx, cancelFn := context.WithCancel(context.Background())
	srv := httptest.NewServer(hub)
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/asr/", hub, cancelFn
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads one JSON frame from conn with a short deadline.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", msg, err)
	}
	return m
}

func write(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connectAndSubscribe dials, consumes the greeting and subscribes to id.
func connectAndSubscribe(t *testing.T, wsURL string, id int) *websocket.Conn {
	t.Helper()
	conn := dial(t, wsURL)
	readFrame(t, conn)
	write(t, conn, `{"type":"subscribe_device","device_id":`+itoa(id)+`}`)
	if m := readFrame(t, conn); m["type"] != "subscribed" {
		t.Fatalf("subscribe ack: %v", m)
	}
	return conn
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// --- Hub --------------------------------------------------------------------

func TestHub_Connect_Greets(t *testing.T) {
	wsURL, _, _ := startHub(t)
	m := readFrame(t, dial(t, wsURL+"?token=alice"))
	if m["type"] != "connected" || m["user_id"] != "alice" {
		t.Errorf("greeting: %v", m)
	}
}

func TestHub_SubscribeAndUnsubscribe(t *testing.T) {
	wsURL, hub, _ := startHub(t)
	conn := connectAndSubscribe(t, wsURL, 3)

	if n := hub.Subscribers(3); n != 1 {
		t.Errorf("Subscribers(3): got %d, want 1", n)
	}
	write(t, conn, `{"type":"unsubscribe_device","device_id":3}`)
	m := readFrame(t, conn)
	if m["type"] != "unsubscribed" || m["device_id"] != float64(3) {
		t.Errorf("unsubscribe ack: %v", m)
	}
	if n := hub.Subscribers(3); n != 0 {
		t.Errorf("Subscribers(3) after unsubscribe: got %d, want 0", n)
	}
}

func TestHub_PingPong(t *testing.T) {
	wsURL, _, _ := startHub(t)
	conn := dial(t, wsURL)
	readFrame(t, conn)
	write(t, conn, `{"type":"ping"}`)
	if m := readFrame(t, conn); m["type"] != "pong" {
		t.Errorf("got %v, want pong", m)
	}
}

func TestHub_MalformedJSON_Error(t *testing.T) {
	wsURL, _, _ := startHub(t)
	conn := dial(t, wsURL)
	readFrame(t, conn)
	write(t, conn, `{nope`)
	if m := readFrame(t, conn); m["type"] != "error" || m["message"] == "" {
		t.Errorf("got %v, want error frame", m)
	}
}

func TestHub_PublishStatus_SubscribersOnly(t *testing.T) {
	wsURL, hub, _ := startHub(t)
	sub := connectAndSubscribe(t, wsURL, 1)
	other := connectAndSubscribe(t, wsURL, 2)

	n := hub.PublishStatus(types.DeviceStatusUpdate{DeviceID: 1, BatteryLevel: types.Float(55)})
	if n != 1 {
		t.Errorf("PublishStatus reached %d clients, want 1", n)
	}
	m := readFrame(t, sub)
	if m["type"] != "device_status" || m["device_id"] != float64(1) {
		t.Fatalf("frame: %v", m)
	}
	status, _ := m["status"].(map[string]any)
	if status["battery_level"] != float64(55) {
		t.Errorf("nested status: %v", status)
	}

	// The other client must see nothing but its own pong.
	write(t, other, `{"type":"ping"}`)
	if m := readFrame(t, other); m["type"] != "pong" {
		t.Errorf("non-subscriber got %v", m)
	}
}

func TestHub_PublishOnline(t *testing.T) {
	wsURL, hub, _ := startHub(t)
	conn := connectAndSubscribe(t, wsURL, 5)

	hub.PublishOnline(5, false)
	m := readFrame(t, conn)
	if m["type"] != "device_online" || m["is_online"] != false {
		t.Errorf("frame: %v", m)
	}
}

func TestHub_CountDecreasesOnDisconnect(t *testing.T) {
	wsURL, hub, _ := startHub(t)
	conn := dial(t, wsURL)
	readFrame(t, conn)
	waitFor(t, "one client", func() bool { return hub.Count() == 1 })

	conn.Close()
	waitFor(t, "no clients", func() bool { return hub.Count() == 0 })
}

func TestHub_CancelClosesWithGoingAway(t *testing.T) {
	wsURL, hub, cancel := startHub(t)
	conn := dial(t, wsURL)
	readFrame(t, conn)

	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
		t.Errorf("close: got %v, want 1001", err)
	}
	if n := hub.Count(); n != 0 {
		t.Errorf("Count after cancel: got %d, want 0", n)
	}
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	srv := httptest.NewServer(devicehub.New())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

// --- ResultHub --------------------------------------------------------------

func TestResultHub_StreamsSession(t *testing.T) {
	base, hub, _ := startResultHub(t)
	conn := dial(t, base+"s-1")
	if m := readFrame(t, conn); m["type"] != "connected" || m["session_id"] != "s-1" {
		t.Fatalf("greeting: %v", m)
	}
	other := dial(t, base+"s-2")
	readFrame(t, other)

	if n := hub.Processing("s-1"); n != 1 {
		t.Errorf("Processing reached %d, want 1", n)
	}
	if m := readFrame(t, conn); m["type"] != "processing" {
		t.Errorf("got %v, want processing", m)
	}

	hub.Publish(types.RecognitionResult{
		SessionID:         "s-1",
		DeviceID:          4,
		Text:              "help",
		IsEmergency:       true,
		EmergencyKeywords: []string{"help"},
	})
	m := readFrame(t, conn)
	if m["type"] != "recognition_result" || m["text"] != "help" || m["is_emergency"] != true {
		t.Errorf("result frame: %v", m)
	}

	write(t, other, `{"type":"ping"}`)
	if m := readFrame(t, other); m["type"] != "pong" || m["session_id"] != "s-2" {
		t.Errorf("other session got %v", m)
	}
}

func TestResultHub_CloseSessionIsNormal(t *testing.T) {
	base, hub, _ := startResultHub(t)
	conn := dial(t, base+"s-1")
	readFrame(t, conn)

	hub.CloseSession("s-1")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("close: got %v, want 1000", err)
	}
	if hub.Clients("s-1") != 0 {
		t.Error("session still has clients")
	}
}
