package eventbridge

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
	"github.com/KD9YQK/ax25meshchat/internal/eventbus"
)

func newTestHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	e := echo.New()
	hub.Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestOnEventFansOutToConnectedSubscribers(t *testing.T) {
	hub, srv := newTestHubServer(t)
	conn := dial(t, srv)

	// Give the server goroutine a moment to register the subscriber.
	time.Sleep(20 * time.Millisecond)

	hub.OnEvent(eventbus.Event{
		Kind: eventbus.KindMessageStored,
		MessageStored: &eventbus.MessageStored{
			Channel: "#general",
			Origin:  callsign.MustEncode("KD9YQK-1"),
			Seqno:   42,
		},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, body, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var got wireEvent
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != "on_message_stored" || got.Channel != "#general" || got.Seqno != 42 {
		t.Fatalf("unexpected wire event: %+v", got)
	}
}

func TestOnEventWithNoSubscribersDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	done := make(chan struct{})
	go func() {
		hub.OnEvent(eventbus.Event{Kind: eventbus.KindPruneExecuted, PruneExecuted: &eventbus.PruneExecuted{RowsRemoved: 5}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnEvent blocked with no subscribers")
	}
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	hub, srv := newTestHubServer(t)
	conn := dial(t, srv)
	time.Sleep(20 * time.Millisecond)

	conn.Close()
	time.Sleep(20 * time.Millisecond)

	hub.mu.RLock()
	n := len(hub.subs)
	hub.mu.RUnlock()
	if n != 0 {
		t.Fatalf("subscriber count after disconnect = %d, want 0", n)
	}
}
