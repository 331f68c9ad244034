package realtime_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/matchsync/internal/bus"
	"github.com/matheus3301/matchsync/internal/realtime"
	"github.com/matheus3301/matchsync/internal/realtime/realtimetest"
	"github.com/matheus3301/matchsync/internal/status"
	"github.com/matheus3301/matchsync/internal/wire"
	"go.uber.org/zap"
)

type handshake struct {
	auth   string
	userID string
}

// echoServer upgrades /socket, reports the handshake, sends one greeting
// frame and forwards every frame the client writes.
func echoServer(t *testing.T) (string, <-chan handshake, <-chan wire.Frame) {
	t.Helper()
	hs := make(chan handshake, 4)
	frames := make(chan wire.Frame, 16)
	upgrader := websocket.Upgrader{}

	r := mux.NewRouter()
	r.HandleFunc("/socket", func(w http.ResponseWriter, req *http.Request) {
		hs <- handshake{auth: req.Header.Get("Authorization"), userID: req.URL.Query().Get("userId")}
		c, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer c.Close()

		greet, _ := wire.NewFrame(wire.EventNewMatch, wire.NewMatch{MatchID: "m1", Users: []string{"u1", "u2"}})
		if err := c.WriteJSON(greet); err != nil {
			return
		}
		for {
			var f wire.Frame
			if err := c.ReadJSON(&f); err != nil {
				return
			}
			frames <- f
		}
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket", hs, frames
}

func TestWebsocketTransportHandshake(t *testing.T) {
	url, hs, frames := echoServer(t)
	tr := realtime.NewWebsocketTransport(url)

	token := realtimetest.Token("u1")
	conn, err := tr.Dial(context.Background(), token, "u1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case h := <-hs:
		if h.auth != "Bearer "+token {
			t.Errorf("Authorization = %q", h.auth)
		}
		if h.userID != "u1" {
			t.Errorf("userId = %q", h.userID)
		}
	case <-time.After(waitTimeout):
		t.Fatal("server saw no handshake")
	}

	f, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Event != wire.EventNewMatch {
		t.Errorf("event = %q", f.Event)
	}

	out, _ := wire.NewFrame(wire.EventJoinRoom, wire.JoinRoom{RoomID: "user:u1"})
	if err := conn.WriteFrame(out); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	select {
	case got := <-frames:
		if got.Event != wire.EventJoinRoom || !strings.Contains(string(got.Data), "user:u1") {
			t.Errorf("server got %s %s", got.Event, got.Data)
		}
	case <-time.After(waitTimeout):
		t.Fatal("server received nothing")
	}
}

func TestWebsocketTransportDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tr := realtime.NewWebsocketTransport("ws" + strings.TrimPrefix(srv.URL, "http") + "/socket")
	if _, err := tr.Dial(context.Background(), "tok", "u1"); err == nil {
		t.Fatal("expected handshake failure")
	}
}

func TestManagerOverWebsocket(t *testing.T) {
	url, _, frames := echoServer(t)
	b := bus.New()
	m := realtime.NewManager(fastConfig(3), realtime.NewWebsocketTransport(url), status.NewMachine(b), b, zap.NewNop())
	defer m.Disconnect()

	matches := make(chan struct{}, 1)
	m.On(wire.EventNewMatch, func(json.RawMessage) { matches <- struct{}{} })

	if err := m.Connect(realtimetest.Token("u1")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-matches:
	case <-time.After(waitTimeout):
		t.Fatal("newMatch not dispatched")
	}

	select {
	case f := <-frames:
		if f.Event != wire.EventUserOnline {
			t.Errorf("first client frame = %q, want userOnline", f.Event)
		}
	case <-time.After(waitTimeout):
		t.Fatal("presence not announced")
	}
}
