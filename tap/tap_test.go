package tap

import (
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSubscriberReceivesEvents(t *testing.T) {
	hub := NewHub(slog.Default())
	conn := dialHub(t, hub)

	// The subscriber registers inside ServeHTTP after the upgrade; wait for
	// it to appear before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.Lock()
		n := len(hub.subs)
		hub.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(Event{Type: EventStreamHead, Host: "api.example.test", Injected: 2})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Type != EventStreamHead || got.Host != "api.example.test" || got.Injected != 2 {
		t.Errorf("event = %+v", got)
	}
	if got.Time.IsZero() {
		t.Error("Publish should stamp the event time")
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	hub := NewHub(slog.Default())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			hub.Publish(Event{Type: EventConnectionOpened})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked without subscribers")
	}
}

func TestNilHubPublishIsSafe(t *testing.T) {
	var hub *Hub
	hub.Publish(Event{Type: EventConnectionClosed})
}
