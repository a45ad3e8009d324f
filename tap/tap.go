// Package tap is an optional side channel that streams proxy lifecycle
// events to local observers over a websocket. It is never on the intercept
// hot path: publishing is non-blocking and events are dropped when a
// subscriber stalls.
package tap

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types published by the proxy.
const (
	EventConnectionOpened = "connection.opened"
	EventConnectionClosed = "connection.closed"
	EventStreamHead       = "stream.head"
	EventStreamClosed     = "stream.closed"
)

// Event is one observed moment in a connection or stream's life.
type Event struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	Host       string    `json:"host,omitempty"`
	Peer       string    `json:"peer,omitempty"`
	Route      string    `json:"route,omitempty"`
	Path       string    `json:"path,omitempty"`
	Injected   int       `json:"injected,omitempty"`
	HeadBytes  int       `json:"head_bytes,omitempty"`
	BytesIn    int64     `json:"bytes_in,omitempty"`
	BytesOut   int64     `json:"bytes_out,omitempty"`
	DurationMs float64   `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

const subscriberBuffer = 256

type subscriber struct {
	ch chan Event
}

// Hub fans events out to websocket subscribers.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			// The tap binds to loopback; origin checks add nothing there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish delivers ev to every subscriber without blocking. A subscriber
// whose buffer is full misses the event.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a websocket and streams events as JSON
// text messages until the peer disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("tap upgrade failed", "peer", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	h.add(sub)
	defer h.remove(sub)

	// Reads are discarded; a read error is how we learn the peer left.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev := <-sub.ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// ListenAndServe exposes the hub at /events on addr until ctx is canceled.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/events", h)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	h.logger.Info("tap listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
