package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// realtimeStub is a minimal in-process stand-in for the realtime API.
type realtimeStub struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	auth     string
	beta     string
	rawQuery string
	received [][]byte
	conn     *websocket.Conn
	accepted chan struct{}
}

func newRealtimeStub(t *testing.T) (*realtimeStub, *httptest.Server) {
	stub := &realtimeStub{t: t, accepted: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(stub.handle))
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *realtimeStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.auth = r.Header.Get("Authorization")
	s.beta = r.Header.Get("OpenAI-Beta")
	s.rawQuery = r.URL.RawQuery
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("upgrade failed: %v", err)
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	close(s.accepted)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, data)
		s.mu.Unlock()
	}
}

func (s *realtimeStub) send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *realtimeStub) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientConnectHandshake(t *testing.T) {
	stub, srv := newRealtimeStub(t)

	c := New(Config{
		URL:    wsURL(srv),
		APIKey: "sk-test-key",
		Model:  "gpt-4o-realtime-preview-2024-12-17",
		Voice:  "verse",
	})
	defer c.Close()

	ready := make(chan struct{})
	c.OnReady(func() { close(ready) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("ready callback never fired")
	}

	stub.mu.Lock()
	auth, beta, query := stub.auth, stub.beta, stub.rawQuery
	stub.mu.Unlock()

	if auth != "Bearer sk-test-key" {
		t.Errorf("Authorization = %q", auth)
	}
	if beta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", beta)
	}
	if !strings.Contains(query, "model=gpt-4o-realtime-preview-2024-12-17") {
		t.Errorf("dial query = %q, missing model", query)
	}

	// The first message must be the session init.
	waitForMessages(t, stub, 1)
	var init struct {
		Type    string `json:"type"`
		Session struct {
			Voice string `json:"voice"`
		} `json:"session"`
	}
	if err := json.Unmarshal(stub.messages()[0], &init); err != nil {
		t.Fatalf("init message not JSON: %v", err)
	}
	if init.Type != "session.update" {
		t.Errorf("first message type = %q, want session.update", init.Type)
	}
	if init.Session.Voice != "verse" {
		t.Errorf("init voice = %q, want verse", init.Session.Voice)
	}

	if !c.IsConnected() {
		t.Error("IsConnected = false after successful connect")
	}
}

func TestClientSendAndReceive(t *testing.T) {
	stub, srv := newRealtimeStub(t)

	c := New(Config{URL: wsURL(srv), APIKey: "sk", Model: "m"})
	defer c.Close()

	msgs := make(chan []byte, 4)
	c.OnMessage(func(messageType int, data []byte) { msgs <- data })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := c.Send(websocket.TextMessage, []byte(`{"type":"response.create"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitForMessages(t, stub, 2)
	if got := string(stub.messages()[1]); got != `{"type":"response.create"}` {
		t.Errorf("server received %q", got)
	}

	<-stub.accepted
	if err := stub.send([]byte(`{"type":"session.created"}`)); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
	select {
	case data := <-msgs:
		if string(data) != `{"type":"session.created"}` {
			t.Errorf("received %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message callback never fired")
	}
}

func TestClientConnectTwice(t *testing.T) {
	_, srv := newRealtimeStub(t)

	c := New(Config{URL: wsURL(srv), APIKey: "sk", Model: "m"})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := c.Connect(context.Background()); err != ErrAlreadyConnected {
		t.Errorf("second connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestClientDialFailure(t *testing.T) {
	// Plain HTTP handler: the upgrade is refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no websocket here", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), APIKey: "sk", Model: "m"})

	fired := make(chan error, 1)
	c.OnClosed(func(err error) { fired <- err })

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if c.IsConnected() {
		t.Error("IsConnected = true after failed dial")
	}
	select {
	case err := <-fired:
		t.Errorf("closed callback fired on dial failure: %v", err)
	default:
	}
}

func TestClientSendBeforeConnect(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1", APIKey: "sk", Model: "m"})
	if err := c.Send(websocket.TextMessage, []byte("x")); err != ErrNotConnected {
		t.Errorf("send = %v, want ErrNotConnected", err)
	}
}

func TestClientLocalCloseReportsCleanShutdown(t *testing.T) {
	_, srv := newRealtimeStub(t)

	c := New(Config{URL: wsURL(srv), APIKey: "sk", Model: "m"})

	closed := make(chan error, 1)
	c.OnClosed(func(err error) { closed <- err })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close = %v, want nil", err)
	}

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("closed callback error = %v, want nil for local close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("closed callback never fired")
	}
	if c.IsConnected() {
		t.Error("IsConnected = true after close")
	}
}

func TestClientRemoteCloseReportsError(t *testing.T) {
	stub, srv := newRealtimeStub(t)

	c := New(Config{URL: wsURL(srv), APIKey: "sk", Model: "m"})
	defer c.Close()

	closed := make(chan error, 1)
	c.OnClosed(func(err error) { closed <- err })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	<-stub.accepted

	// Abrupt server-side teardown, no close handshake.
	stub.mu.Lock()
	stub.conn.Close()
	stub.mu.Unlock()

	select {
	case err := <-closed:
		if err == nil {
			t.Error("closed callback error = nil, want the read error for an abrupt close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("closed callback never fired")
	}
}

func waitForMessages(t *testing.T, stub *realtimeStub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(stub.messages()) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("server received %d messages, want %d", len(stub.messages()), n)
}
