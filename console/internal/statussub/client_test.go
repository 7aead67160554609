package statussub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devwatch/devwatch/console/internal/wsconn"
	"github.com/devwatch/devwatch/pkg/types"
)

// --- helpers ----------------------------------------------------------------

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type fakeServer struct {
	url    string
	conns  chan *websocket.Conn
	tokens chan string
}

func startServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		conns:  make(chan *websocket.Conn, 16),
		tokens: make(chan string, 16),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
	}))
	t.Cleanup(srv.Close)
	fs.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return fs
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

// readFrame reads one control frame the client sent.
func readFrame(t *testing.T, conn *websocket.Conn) types.ControlFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	var f types.ControlFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("server read: %v", err)
	}
	return f
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func closeWith(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "test")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
	conn.Close()
}

type countingDialer struct {
	n    atomic.Int32
	fail bool
}

func (d *countingDialer) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	d.n.Add(1)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	return wsconn.Dial(ctx, url)
}

// scriptedDialer fails every dial whose 1-based number is not in ok.
type scriptedDialer struct {
	n  atomic.Int32
	ok map[int32]bool
}

func (d *scriptedDialer) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	if n := d.n.Add(1); !d.ok[n] {
		return nil, errors.New("connection refused")
	}
	return wsconn.Dial(ctx, url)
}

// delayRecorder wraps time.AfterFunc and records every scheduled delay.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) after(d time.Duration, f func()) *time.Timer {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return time.AfterFunc(d, f)
}

func (r *delayRecorder) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
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

func newClient(t *testing.T, cfg Config, d *countingDialer) *Client {
	t.Helper()
	c := New(cfg)
	c.dialFn = d.dial
	t.Cleanup(c.Disconnect)
	return c
}

// --- tests ------------------------------------------------------------------

func TestClient_ConnectTwice_SingleDial(t *testing.T) {
	fs := startServer(t)
	d := &countingDialer{}
	c := newClient(t, Config{Endpoint: fs.url}, d)

	c.Connect()
	c.Connect()
	fs.accept(t)
	waitFor(t, "connected", c.IsConnected)
	c.Connect()

	if got := d.n.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestClient_ReplaysSubscriptionsOnOpen(t *testing.T) {
	fs := startServer(t)
	c := newClient(t, Config{Endpoint: fs.url, InitialDevice: 7}, &countingDialer{})
	c.SubscribeDevice(3)

	c.Connect()
	conn := fs.accept(t)

	var got []int
	for i := 0; i < 2; i++ {
		f := readFrame(t, conn)
		if f.Type != types.TypeSubscribeDevice {
			t.Fatalf("frame %d type = %q, want subscribe_device", i, f.Type)
		}
		got = append(got, f.DeviceID)
	}
	if !reflect.DeepEqual(got, []int{3, 7}) {
		t.Errorf("replayed = %v, want [3 7]", got)
	}
}

func TestClient_SubscribeWhileConnected_SendsImmediately(t *testing.T) {
	fs := startServer(t)
	c := newClient(t, Config{Endpoint: fs.url}, &countingDialer{})
	c.Connect()
	conn := fs.accept(t)
	waitFor(t, "connected", c.IsConnected)

	c.SubscribeDevice(2)
	if f := readFrame(t, conn); f.Type != types.TypeSubscribeDevice || f.DeviceID != 2 {
		t.Errorf("got %+v, want subscribe_device 2", f)
	}
	c.UnsubscribeDevice(2)
	if f := readFrame(t, conn); f.Type != types.TypeUnsubscribeDevice || f.DeviceID != 2 {
		t.Errorf("got %+v, want unsubscribe_device 2", f)
	}
	if subs := c.Subscriptions(); len(subs) != 0 {
		t.Errorf("subscriptions = %v, want empty", subs)
	}
}

func TestClient_SubscribeWhileDisconnected_Deferred(t *testing.T) {
	c := New(Config{Endpoint: "ws://127.0.0.1:1/ws"})
	c.SubscribeDevice(4)
	c.SubscribeDevice(1)
	c.SubscribeDevice(4)
	if got := c.Subscriptions(); !reflect.DeepEqual(got, []int{1, 4}) {
		t.Errorf("subscriptions = %v, want [1 4]", got)
	}
}

func TestClient_DisconnectKeepsSubscriptions(t *testing.T) {
	fs := startServer(t)
	c := newClient(t, Config{Endpoint: fs.url}, &countingDialer{})
	c.SubscribeDevice(5)

	c.Connect()
	first := fs.accept(t)
	readFrame(t, first)
	waitFor(t, "connected", c.IsConnected)

	c.Disconnect()
	if c.State() != types.Disconnected {
		t.Fatalf("state = %v, want disconnected", c.State())
	}
	if got := c.Subscriptions(); !reflect.DeepEqual(got, []int{5}) {
		t.Fatalf("subscriptions after disconnect = %v", got)
	}

	c.Connect()
	second := fs.accept(t)
	if f := readFrame(t, second); f.DeviceID != 5 {
		t.Errorf("replayed device = %d, want 5", f.DeviceID)
	}
}

func TestClient_DeviceStatus_UpdatesOnlineAndLast(t *testing.T) {
	fs := startServer(t)
	updates := make(chan types.DeviceStatusUpdate, 4)
	c := newClient(t, Config{
		Endpoint:       fs.url,
		OnStatusUpdate: func(u types.DeviceStatusUpdate) { updates <- u },
	}, &countingDialer{})
	c.Connect()
	conn := fs.accept(t)

	send(t, conn, `{"type":"device_status","device_id":1,"battery_level":80}`)
	u := <-updates
	if u.BatteryLevel == nil || *u.BatteryLevel != 80 {
		t.Errorf("battery = %v, want 80", u.BatteryLevel)
	}
	if !c.IsOnline(1) {
		t.Error("device 1 should be online when is_online is absent")
	}

	send(t, conn, `{"type":"device_status","device_id":1,"is_online":false}`)
	<-updates
	if c.IsOnline(1) {
		t.Error("device 1 should be offline after is_online=false")
	}
	last, ok := c.LastStatus()
	if !ok || last.IsOnline == nil || *last.IsOnline {
		t.Errorf("last status = %+v, want is_online=false", last)
	}
}

func TestClient_DeviceStatus_NestedShape(t *testing.T) {
	fs := startServer(t)
	updates := make(chan types.DeviceStatusUpdate, 1)
	c := newClient(t, Config{
		Endpoint:       fs.url,
		OnStatusUpdate: func(u types.DeviceStatusUpdate) { updates <- u },
	}, &countingDialer{})
	c.Connect()
	conn := fs.accept(t)

	send(t, conn, `{"type":"device_status","device_id":2,"status":{"temperature":41.5,"camera_status":"active"}}`)
	u := <-updates
	if u.Temperature == nil || *u.Temperature != 41.5 {
		t.Errorf("temperature = %v, want 41.5", u.Temperature)
	}
	if u.CameraStatus == nil || *u.CameraStatus != types.SensorActive {
		t.Errorf("camera = %v, want active", u.CameraStatus)
	}
}

func TestClient_OnlineStatusFrames(t *testing.T) {
	fs := startServer(t)
	type change struct {
		id     int
		online bool
	}
	changes := make(chan change, 4)
	c := newClient(t, Config{
		Endpoint:             fs.url,
		OnOnlineStatusChange: func(id int, online bool) { changes <- change{id, online} },
	}, &countingDialer{})
	c.Connect()
	conn := fs.accept(t)

	send(t, conn, `{"type":"device_online_status","device_id":3,"is_online":true}`)
	if got := <-changes; got != (change{3, true}) {
		t.Errorf("change = %+v", got)
	}
	send(t, conn, `{"type":"device_online","device_id":4,"is_online":true}`)
	<-changes
	if got := c.OnlineDevices(); !reflect.DeepEqual(got, []int{3, 4}) {
		t.Errorf("online = %v, want [3 4]", got)
	}

	send(t, conn, `{"type":"device_online_status","device_id":3}`)
	send(t, conn, `{"type":"device_online_status","device_id":3,"is_online":false}`)
	if got := <-changes; got != (change{3, false}) {
		t.Errorf("change = %+v, want device 3 offline", got)
	}
	if c.IsOnline(3) {
		t.Error("device 3 still online")
	}
}

func TestClient_TokenAppended(t *testing.T) {
	fs := startServer(t)
	c := newClient(t, Config{
		Endpoint:    fs.url,
		TokenSource: func() string { return "abc 123" },
	}, &countingDialer{})
	c.Connect()
	fs.accept(t)

	if tok := <-fs.tokens; tok != "abc 123" {
		t.Errorf("token = %q, want %q", tok, "abc 123")
	}
}

func TestClient_NoTokenNoQuery(t *testing.T) {
	fs := startServer(t)
	c := newClient(t, Config{Endpoint: fs.url}, &countingDialer{})
	c.Connect()
	fs.accept(t)

	if tok := <-fs.tokens; tok != "" {
		t.Errorf("token = %q, want empty", tok)
	}
}

func TestClient_SendsPings(t *testing.T) {
	fs := startServer(t)
	c := newClient(t, Config{Endpoint: fs.url, PingInterval: 20 * time.Millisecond}, &countingDialer{})
	c.Connect()
	conn := fs.accept(t)

	if f := readFrame(t, conn); f.Type != types.TypePing {
		t.Errorf("frame type = %q, want ping", f.Type)
	}
}

func TestClient_ErrorFrame_LoggedOnly(t *testing.T) {
	fs := startServer(t)
	var disconnects atomic.Int32
	updates := make(chan types.DeviceStatusUpdate, 1)
	c := newClient(t, Config{
		Endpoint:       fs.url,
		OnDisconnect:   func() { disconnects.Add(1) },
		OnStatusUpdate: func(u types.DeviceStatusUpdate) { updates <- u },
	}, &countingDialer{})
	c.Connect()
	conn := fs.accept(t)

	send(t, conn, `{"type":"error","message":"Invalid JSON"}`)
	send(t, conn, `{not json`)
	send(t, conn, `{"type":"device_status","device_id":9}`)
	<-updates

	if !c.IsConnected() {
		t.Error("connection dropped after error frame")
	}
	if disconnects.Load() != 0 {
		t.Error("OnDisconnect called for an error frame")
	}
	if s := c.Stats(); s.ParseErrors != 1 {
		t.Errorf("parse errors = %d, want 1", s.ParseErrors)
	}
}

func TestClient_AbnormalClose_ReconnectsAndReplays(t *testing.T) {
	fs := startServer(t)
	d := &countingDialer{}
	c := newClient(t, Config{
		Endpoint:      fs.url,
		InitialDevice: 1,
		ReconnectBase: 10 * time.Millisecond,
	}, d)
	c.Connect()
	first := fs.accept(t)
	readFrame(t, first)
	waitFor(t, "connected", c.IsConnected)

	closeWith(first, websocket.CloseGoingAway)

	second := fs.accept(t)
	if f := readFrame(t, second); f.Type != types.TypeSubscribeDevice || f.DeviceID != 1 {
		t.Errorf("replay after reconnect = %+v", f)
	}
	if got := d.n.Load(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestClient_NormalClose_NoReconnect(t *testing.T) {
	fs := startServer(t)
	d := &countingDialer{}
	closed := make(chan struct{}, 1)
	c := newClient(t, Config{
		Endpoint:      fs.url,
		ReconnectBase: 5 * time.Millisecond,
		OnDisconnect:  func() { closed <- struct{}{} },
	}, d)
	c.Connect()
	conn := fs.accept(t)
	waitFor(t, "connected", c.IsConnected)

	closeWith(conn, websocket.CloseNormalClosure)
	<-closed
	time.Sleep(50 * time.Millisecond)

	if got := d.n.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestClient_ReconnectExhausted_Silent(t *testing.T) {
	d := &countingDialer{fail: true}
	c := newClient(t, Config{
		Endpoint:      "ws://127.0.0.1:1/ws",
		ReconnectBase: time.Millisecond,
		ReconnectMax:  4 * time.Millisecond,
	}, d)

	c.Connect()
	waitFor(t, "six dials", func() bool { return d.n.Load() == 6 })
	time.Sleep(50 * time.Millisecond)

	if got := d.n.Load(); got != 6 {
		t.Errorf("dials = %d, want 6", got)
	}
	if c.State() != types.Disconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
	if s := c.Stats(); s.Reconnects != 5 {
		t.Errorf("reconnects = %d, want 5", s.Reconnects)
	}
}

func TestClient_DisconnectCancelsPendingRetry(t *testing.T) {
	d := &countingDialer{fail: true}
	c := newClient(t, Config{
		Endpoint:      "ws://127.0.0.1:1/ws",
		ReconnectBase: 100 * time.Millisecond,
	}, d)
	c.Connect()
	waitFor(t, "first dial", func() bool { return d.n.Load() == 1 })
	time.Sleep(10 * time.Millisecond)
	c.Disconnect()
	time.Sleep(250 * time.Millisecond)

	if got := d.n.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestControlFrame_Encoding(t *testing.T) {
	b, _ := json.Marshal(types.PingFrame())
	if string(b) != `{"type":"ping"}` {
		t.Errorf("ping = %s", b)
	}
	b, _ = json.Marshal(types.SubscribeFrame(12))
	if string(b) != `{"type":"subscribe_device","device_id":12}` {
		t.Errorf("subscribe = %s", b)
	}
}

func TestClient_UnsubscribeDuringReplay_SentAfterReplay(t *testing.T) {
	const n = 5000
	fs := startServer(t)
	c := newClient(t, Config{Endpoint: fs.url}, &countingDialer{})
	for id := 1; id <= n; id++ {
		c.SubscribeDevice(id)
	}

	c.Connect()
	srv := fs.accept(t)

	// Drain on the server side so the replay never blocks on a full socket.
	lastForN := make(chan string, 1)
	go func() {
		var last string
		for i := 0; i < n+1; i++ {
			srv.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
			var f types.ControlFrame
			if err := srv.ReadJSON(&f); err != nil {
				break
			}
			if f.DeviceID == n {
				last = f.Type
			}
		}
		lastForN <- last
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !c.IsConnected() && time.Now().Before(deadline) {
		runtime.Gosched()
	}
	c.UnsubscribeDevice(n)

	select {
	case last := <-lastForN:
		if last != types.TypeUnsubscribeDevice {
			t.Errorf("last frame for device %d = %q, want %q", n, last, types.TypeUnsubscribeDevice)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out reading frames")
	}
	for _, id := range c.Subscriptions() {
		if id == n {
			t.Fatalf("device %d still in the subscription set", n)
		}
	}
}

func TestClient_InvalidDeviceIDIgnored(t *testing.T) {
	fs := startServer(t)
	c := newClient(t, Config{Endpoint: fs.url}, &countingDialer{})
	c.Connect()
	srv := fs.accept(t)
	waitFor(t, "connected", c.IsConnected)

	c.SubscribeDevice(0)
	c.SubscribeDevice(-4)
	c.UnsubscribeDevice(0)
	c.SubscribeDevice(5)

	// The first frame the server sees is the valid subscribe.
	if f := readFrame(t, srv); f.Type != types.TypeSubscribeDevice || f.DeviceID != 5 {
		t.Errorf("frame = %+v, want subscribe_device for 5", f)
	}
	if got := c.Subscriptions(); !reflect.DeepEqual(got, []int{5}) {
		t.Errorf("subscriptions = %v, want [5]", got)
	}
}

func TestClient_BackoffResetsAfterOpen(t *testing.T) {
	fs := startServer(t)
	// Dials 1 and 2 fail, 3 opens, everything after fails.
	d := &scriptedDialer{ok: map[int32]bool{3: true}}
	rec := &delayRecorder{}
	c := New(Config{
		Endpoint:      fs.url,
		ReconnectBase: time.Millisecond,
		ReconnectMax:  time.Second,
	})
	c.dialFn = d.dial
	c.afterFunc = rec.after
	t.Cleanup(c.Disconnect)

	c.Connect()
	closeWith(fs.accept(t), websocket.CloseGoingAway)

	// Two retries before the open, then a full five after it.
	waitFor(t, "eight dials", func() bool { return d.n.Load() == 8 })
	time.Sleep(50 * time.Millisecond)

	if got := d.n.Load(); got != 8 {
		t.Errorf("dials = %d, want 8", got)
	}
	ms := time.Millisecond
	want := []time.Duration{1 * ms, 2 * ms, 1 * ms, 2 * ms, 4 * ms, 8 * ms, 16 * ms}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("delays = %v, want %v", got, want)
	}
	if s := c.Stats(); s.Reconnects != 7 {
		t.Errorf("reconnects = %d, want 7", s.Reconnects)
	}
	if c.State() != types.Disconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
}

func TestClient_BackoffCappedAtMax(t *testing.T) {
	d := &countingDialer{fail: true}
	rec := &delayRecorder{}
	c := New(Config{
		Endpoint:      "ws://127.0.0.1:1/ws",
		ReconnectBase: time.Millisecond,
		ReconnectMax:  5 * time.Millisecond,
	})
	c.dialFn = d.dial
	c.afterFunc = rec.after
	t.Cleanup(c.Disconnect)

	c.Connect()
	waitFor(t, "six dials", func() bool { return d.n.Load() == 6 })
	time.Sleep(50 * time.Millisecond)

	ms := time.Millisecond
	want := []time.Duration{1 * ms, 2 * ms, 4 * ms, 5 * ms, 5 * ms}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("delays = %v, want %v", got, want)
	}
}
