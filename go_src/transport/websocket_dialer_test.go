package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newEchoServer(t *testing.T, onConnect func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade failed: %v", err)
			return
		}
		if onConnect != nil {
			onConnect(conn)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURLFor(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketDialer_SendAndReceive(t *testing.T) {
	server := newEchoServer(t, func(conn *websocket.Conn) {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(mt, msg)
	})

	dialer := NewWebSocketDialer()
	tr, err := dialer.Dial(context.Background(), wsURLFor(server), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer tr.Cancel(nil)

	if tr.ID() == "" {
		t.Error("expected a non-empty transport id")
	}

	if err := tr.SendText(context.Background(), `{"type":"ping"}`); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case msg := <-tr.Inbound():
		if msg.Kind != TextMessage || msg.Text != `{"type":"ping"}` {
			t.Errorf("unexpected echoed message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestWebSocketDialer_ServerClose(t *testing.T) {
	server := newEchoServer(t, func(conn *websocket.Conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})

	dialer := NewWebSocketDialer()
	tr, err := dialer.Dial(context.Background(), wsURLFor(server), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer tr.Cancel(nil)

	select {
	case _, ok := <-tr.Inbound():
		if ok {
			t.Fatal("expected inbound channel to close on graceful server close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
	if tr.Err() != nil {
		t.Errorf("expected no error on graceful close, got %v", tr.Err())
	}
}

func TestWebSocketDialer_TwoInstancesHaveDistinctIDs(t *testing.T) {
	server := newEchoServer(t, nil)
	dialer := NewWebSocketDialer()

	a, err := dialer.Dial(context.Background(), wsURLFor(server), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer a.Cancel(nil)

	b, err := dialer.Dial(context.Background(), wsURLFor(server), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer b.Cancel(nil)

	if a.ID() == b.ID() {
		t.Error("expected distinct transport ids across instances")
	}
}
