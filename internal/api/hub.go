package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyclepool/ledger-engine/internal/cycle"
	"github.com/cyclepool/ledger-engine/internal/metrics"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
	writeWait    = 5 * time.Second
)

// Notice is one lifecycle notification as delivered to a subscriber.
type Notice struct {
	Type    cycle.Event `json:"type"`
	Payload any         `json:"payload,omitempty"`
	At      time.Time   `json:"at"`
}

// subscriber is one operator console connection. An empty kinds set means
// every event.
type subscriber struct {
	conn  *websocket.Conn
	send  chan []byte
	kinds map[cycle.Event]bool
}

func (s *subscriber) wants(ev cycle.Event) bool {
	return len(s.kinds) == 0 || s.kinds[ev]
}

// Hub pushes lifecycle events to WebSocket subscribers. It keeps the latest
// notice of each kind and replays it on subscribe, so a console that connects
// mid-cycle starts from current state. A subscriber that falls a full buffer
// behind is disconnected rather than allowed to stall the others.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	latest map[cycle.Event][]byte
	now    func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		latest: make(map[cycle.Event][]byte),
		now:    time.Now,
	}
}

// Notify implements cycle.Notifier. It never blocks.
func (h *Hub) Notify(ev cycle.Event, payload any) {
	data, err := json.Marshal(Notice{Type: ev, Payload: payload, At: h.now().UTC()})
	if err != nil {
		slog.Warn("notice not encodable", "type", ev, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[ev] = data
	for s := range h.subs {
		if !s.wants(ev) {
			continue
		}
		select {
		case s.send <- data:
		default:
			slog.Warn("ws subscriber too slow, dropping", "remote", s.conn.RemoteAddr())
			h.dropLocked(s)
		}
	}
}

func (h *Hub) subscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
	for _, ev := range cycle.Events() {
		if data, ok := h.latest[ev]; ok && s.wants(ev) {
			s.send <- data
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.subs)))
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(s)
}

func (h *Hub) dropLocked(s *subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.send)
	metrics.WebSocketClients.Set(float64(len(h.subs)))
}

// parseKinds reads the comma separated ?kinds= filter.
func parseKinds(raw string) (map[cycle.Event]bool, error) {
	if raw == "" {
		return nil, nil
	}
	known := cycle.Events()
	kinds := make(map[cycle.Event]bool)
	for _, k := range strings.Split(raw, ",") {
		ev := cycle.Event(strings.TrimSpace(k))
		if !slices.Contains(known, ev) {
			return nil, fmt.Errorf("unknown event kind %q", ev)
		}
		kinds[ev] = true
	}
	return kinds, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS handles GET /ws?kinds=cycle.opened,cycle.closed
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	// Room for the replay on top of the live buffer.
	s := &subscriber{conn: conn, send: make(chan []byte, sendBuffer+len(cycle.Events())), kinds: kinds}
	h.subscribe(s)
	go h.writeLoop(s)

	// Consoles only send pongs; a read error means the peer is gone.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(s)
}

func (h *Hub) writeLoop(s *subscriber) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.drop(s)
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.drop(s)
				return
			}
		}
	}
}
