package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ailinux/relaysync/internal/protocol"
)

// relay is a minimal test server that hands accepted sockets to the test.
type relay struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	upgrader websocket.Upgrader
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{conns: make(chan *websocket.Conn, 8)}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- conn
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *relay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-r.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("server decode %q: %v", data, err)
	}
	return msg
}

func writeRaw(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func testConfig(url string) Config {
	return Config{
		URL:             url,
		ReconnectDelay:  10 * time.Millisecond,
		MaxReconnect:    10,
		ShutdownTimeout: 2 * time.Second,
	}
}

func startClient(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state %s, got %s", want, c.State())
}

func TestClientIDFormat(t *testing.T) {
	c := New(testConfig("ws://localhost:1"))
	if !strings.HasPrefix(c.ClientID(), "ailinux-") || len(c.ClientID()) != len("ailinux-")+8 {
		t.Errorf("unexpected client id %q", c.ClientID())
	}
	if New(testConfig("ws://localhost:1")).ClientID() == c.ClientID() {
		t.Error("expected distinct client ids")
	}
}

func TestHandshakeOnOpen(t *testing.T) {
	r := newRelay(t)
	c := New(testConfig(r.url()))
	startClient(t, c)

	srv := r.accept(t)
	hs := readMsg(t, srv)
	if hs.Type != protocol.TypeHandshake {
		t.Fatalf("expected handshake, got %s", hs.Type)
	}
	if hs.ClientID != c.ClientID() {
		t.Errorf("expected client id %s, got %s", c.ClientID(), hs.ClientID)
	}

	var data protocol.Handshake
	if err := hs.DecodeData(&data); err != nil {
		t.Fatal(err)
	}
	if data.Version != protocol.Version {
		t.Errorf("expected version %s, got %s", protocol.Version, data.Version)
	}
	waitState(t, c, StateConnected)
}

func TestAuthBeforeHandshake(t *testing.T) {
	r := newRelay(t)
	cfg := testConfig(r.url())
	cfg.APIKey = "secret"
	c := New(cfg)
	startClient(t, c)

	srv := r.accept(t)
	auth := readMsg(t, srv)
	if auth.Type != protocol.TypeAuth {
		t.Fatalf("expected auth first, got %s", auth.Type)
	}
	if auth.AuthKey != "secret" {
		t.Errorf("expected auth key, got %q", auth.AuthKey)
	}
	if auth.ClientID != c.ClientID() || auth.Timestamp == 0 {
		t.Errorf("auth message missing envelope fields: %+v", auth)
	}
	if hs := readMsg(t, srv); hs.Type != protocol.TypeHandshake {
		t.Fatalf("expected handshake second, got %s", hs.Type)
	}
}

func TestSendWrapsEnvelope(t *testing.T) {
	r := newRelay(t)
	c := New(testConfig(r.url()))
	startClient(t, c)

	srv := r.accept(t)
	readMsg(t, srv)
	waitState(t, c, StateConnected)

	before := c.Stats().LastActivity
	for _, tc := range []struct {
		msgType string
		data    any
		want    string
	}{
		{"echo", map[string]string{"text": "hello"}, `{"text":"hello"}`},
		{"analyze", map[string]any{"lines": []int{1, 2}}, `{"lines":[1,2]}`},
		{"ping", nil, ""},
	} {
		if err := c.Send(tc.msgType, tc.data); err != nil {
			t.Fatalf("send %s: %v", tc.msgType, err)
		}
		msg := readMsg(t, srv)
		if msg.Type != tc.msgType {
			t.Errorf("expected type %s, got %s", tc.msgType, msg.Type)
		}
		if msg.ClientID != c.ClientID() {
			t.Errorf("expected client id %s, got %s", c.ClientID(), msg.ClientID)
		}
		if msg.Timestamp <= 0 {
			t.Errorf("expected positive timestamp, got %f", msg.Timestamp)
		}
		if string(msg.Data) != tc.want {
			t.Errorf("expected data %s, got %s", tc.want, msg.Data)
		}
	}

	if !c.Stats().LastActivity.After(before) {
		t.Error("expected last activity to advance after send")
	}
}

func TestSendNotConnected(t *testing.T) {
	c := New(testConfig("ws://localhost:1"))
	err := c.Send("echo", map[string]string{"text": "x"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendUnencodableIsProtocolError(t *testing.T) {
	r := newRelay(t)
	c := New(testConfig(r.url()))
	startClient(t, c)
	srv := r.accept(t)
	readMsg(t, srv)
	waitState(t, c, StateConnected)

	err := c.Send("bad", make(chan int))
	if !IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if !c.IsConnected() {
		t.Error("protocol error must not drop the connection")
	}
}

func TestHandlerReplacedNotStacked(t *testing.T) {
	r := newRelay(t)
	c := New(testConfig(r.url()))

	var firstCalls atomic.Int32
	got := make(chan protocol.Message, 1)
	c.RegisterHandler("news", func(protocol.Message) error {
		firstCalls.Add(1)
		return nil
	})
	c.RegisterHandler("news", func(msg protocol.Message) error {
		got <- msg
		return nil
	})
	startClient(t, c)

	srv := r.accept(t)
	readMsg(t, srv)
	writeRaw(t, srv, `{"type":"news","timestamp":1.5,"data":{"headline":"relay up"}}`)

	select {
	case msg := <-got:
		var data struct {
			Headline string `json:"headline"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatal(err)
		}
		if data.Headline != "relay up" {
			t.Errorf("expected headline, got %q", data.Headline)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler not invoked")
	}
	if firstCalls.Load() != 0 {
		t.Errorf("replaced handler was called %d times", firstCalls.Load())
	}
}

func TestFailingHandlerDoesNotStopLoop(t *testing.T) {
	r := newRelay(t)
	c := New(testConfig(r.url()))

	done := make(chan int, 1)
	c.RegisterHandler("job", func(msg protocol.Message) error {
		var data struct {
			N int `json:"n"`
		}
		msg.DecodeData(&data)
		switch data.N {
		case 1:
			panic("boom")
		case 2:
			return errors.New("handler failed")
		default:
			done <- data.N
			return nil
		}
	})
	startClient(t, c)

	srv := r.accept(t)
	readMsg(t, srv)
	writeRaw(t, srv, `{"type":"job","data":{"n":1}}`)
	writeRaw(t, srv, `{"type":"job","data":{"n":2}}`)
	writeRaw(t, srv, `{"type":"job","data":{"n":3}}`)

	select {
	case n := <-done:
		if n != 3 {
			t.Errorf("expected message 3, got %d", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("loop stopped after failing handler")
	}
	if !c.IsConnected() {
		t.Error("expected connection to survive handler failures")
	}
}

func TestInvalidJSONDropped(t *testing.T) {
	r := newRelay(t)
	c := New(testConfig(r.url()))

	got := make(chan struct{}, 1)
	c.RegisterHandler("status", func(protocol.Message) error {
		got <- struct{}{}
		return nil
	})
	startClient(t, c)

	srv := r.accept(t)
	readMsg(t, srv)
	writeRaw(t, srv, "not json at all")
	writeRaw(t, srv, `{"data":{"missing":"type"}}`)
	writeRaw(t, srv, `{"type":"status"}`)

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("valid message after invalid ones was not dispatched")
	}
	if !c.IsConnected() {
		t.Error("invalid payloads must not drop the connection")
	}
}

func TestHeartbeatAnsweredWithoutHandlers(t *testing.T) {
	r := newRelay(t)
	c := New(testConfig(r.url()))

	var userCalls atomic.Int32
	c.RegisterHandler(protocol.TypeHeartbeat, func(protocol.Message) error {
		userCalls.Add(1)
		return nil
	})
	startClient(t, c)

	srv := r.accept(t)
	readMsg(t, srv)
	writeRaw(t, srv, `{"type":"heartbeat","timestamp":1700000000,"server_time":1700000000}`)

	reply := readMsg(t, srv)
	if reply.Type != protocol.TypeHeartbeatResponse {
		t.Fatalf("expected heartbeat_response, got %s", reply.Type)
	}
	if reply.ClientID != c.ClientID() {
		t.Errorf("expected client id on heartbeat response")
	}
	if userCalls.Load() != 0 {
		t.Error("heartbeat must not reach user handlers")
	}
}

func TestAuthResponseNotDispatched(t *testing.T) {
	r := newRelay(t)
	c := New(testConfig(r.url()))

	var calls atomic.Int32
	c.RegisterHandler(protocol.TypeAuthResponse, func(protocol.Message) error {
		calls.Add(1)
		return nil
	})
	after := make(chan struct{}, 1)
	c.RegisterHandler("after", func(protocol.Message) error {
		after <- struct{}{}
		return nil
	})
	startClient(t, c)

	srv := r.accept(t)
	readMsg(t, srv)
	writeRaw(t, srv, `{"type":"auth_response","status":"ok"}`)
	writeRaw(t, srv, `{"type":"after"}`)

	select {
	case <-after:
	case <-time.After(3 * time.Second):
		t.Fatal("message after auth_response not dispatched")
	}
	if calls.Load() != 0 {
		t.Error("auth_response should be logged, not dispatched")
	}
}

func TestConnectIsNoOpWhileRunning(t *testing.T) {
	r := newRelay(t)
	c := New(testConfig(r.url()))
	startClient(t, c)

	srv := r.accept(t)
	readMsg(t, srv)
	waitState(t, c, StateConnected)

	if err := c.Connect(); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	select {
	case <-r.conns:
		t.Fatal("second Connect opened another socket")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCustomDialer(t *testing.T) {
	r := newRelay(t)
	r.upgrader.Subprotocols = []string{"relay.v1"}
	dialer := &websocket.Dialer{
		HandshakeTimeout: time.Second,
		Subprotocols:     []string{"relay.v1"},
	}
	c := New(testConfig(r.url()), WithDialer(dialer))
	startClient(t, c)

	srv := r.accept(t)
	if got := srv.Subprotocol(); got != "relay.v1" {
		t.Errorf("expected subprotocol relay.v1, got %q", got)
	}
	if msg := readMsg(t, srv); msg.Type != protocol.TypeHandshake {
		t.Errorf("expected handshake, got %q", msg.Type)
	}
}

func TestConnectRejectsNonWebsocketURL(t *testing.T) {
	c := New(testConfig("http://localhost:8082"))
	if err := c.Connect(); err == nil {
		t.Fatal("expected error for http url")
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	r := newRelay(t)
	c := New(testConfig(r.url()))
	startClient(t, c)

	first := r.accept(t)
	readMsg(t, first)
	waitState(t, c, StateConnected)
	first.Close()

	second := r.accept(t)
	hs := readMsg(t, second)
	if hs.Type != protocol.TypeHandshake {
		t.Fatalf("expected handshake on reconnect, got %s", hs.Type)
	}
	if hs.ClientID != c.ClientID() {
		t.Error("client id must be stable across reconnects")
	}
	waitState(t, c, StateConnected)
	if n := c.Stats().ReconnectCount; n != 0 {
		t.Errorf("expected reconnect count reset after open, got %d", n)
	}
}

func TestMissedPongTriggersReconnect(t *testing.T) {
	r := newRelay(t)
	cfg := testConfig(r.url())
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.PongTimeout = 50 * time.Millisecond
	c := New(cfg)
	startClient(t, c)

	// The server never reads, so pings are never answered.
	r.accept(t)

	second := r.accept(t)
	if hs := readMsg(t, second); hs.Type != protocol.TypeHandshake {
		t.Fatalf("expected handshake after reconnect, got %s", hs.Type)
	}
}

func TestPongUpdatesLastHeartbeat(t *testing.T) {
	r := newRelay(t)
	cfg := testConfig(r.url())
	cfg.HeartbeatInterval = 30 * time.Millisecond
	c := New(cfg)
	startClient(t, c)

	srv := r.accept(t)
	go func() {
		for {
			if _, _, err := srv.ReadMessage(); err != nil {
				return
			}
		}
	}()
	waitState(t, c, StateConnected)
	start := c.Stats().LastHeartbeat

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().LastHeartbeat.After(start) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("last heartbeat never advanced")
}

func TestReconnectBudgetExhausted(t *testing.T) {
	var dials atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "relay down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	cfg := testConfig("ws" + strings.TrimPrefix(ts.URL, "http"))
	cfg.ReconnectDelay = 5 * time.Second
	cfg.MaxReconnect = 8
	c := New(cfg)

	var mu sync.Mutex
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	startClient(t, c)
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not give up")
	}

	if n := dials.Load(); n != 8 {
		t.Errorf("expected 8 connection attempts, got %d", n)
	}
	if c.State() != StateExhausted {
		t.Errorf("expected exhausted state, got %s", c.State())
	}
	if !errors.Is(c.Err(), ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", c.Err())
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if c.State() != StateExhausted {
		t.Errorf("expected exhausted state after disconnect, got %s", c.State())
	}
	if !errors.Is(c.Err(), ErrExhausted) {
		t.Errorf("expected ErrExhausted after disconnect, got %v", c.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{5, 10, 20, 40, 60, 60, 60}
	if len(delays) != len(want) {
		t.Fatalf("expected %d backoff waits, got %v", len(want), delays)
	}
	for i, d := range delays {
		if d != want[i]*time.Second {
			t.Errorf("wait %d: expected %ds, got %s", i+1, want[i], d)
		}
		if i > 0 && d < delays[i-1] {
			t.Errorf("wait %d decreased: %s < %s", i+1, d, delays[i-1])
		}
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	r := newRelay(t)
	c := New(testConfig(r.url()))
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}

	srv := r.accept(t)
	readMsg(t, srv)
	waitState(t, c, StateConnected)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}
	select {
	case <-c.Done():
	default:
		t.Error("worker still running after disconnect")
	}

	srv.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := srv.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close frame, got %v", err)
	}

	if err := c.Send("echo", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestDisconnectWithoutConnect(t *testing.T) {
	c := New(testConfig("ws://localhost:1"))
	if err := c.Disconnect(); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
