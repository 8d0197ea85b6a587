package inspect

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/timzifer/tickset/setting"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 100 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type streamEvent struct {
	Type    string         `json:"type"`
	Name    string         `json:"name,omitempty"`
	Value   interface{}    `json:"value,omitempty"`
	State   *stateResponse `json:"state,omitempty"`
	Time    time.Time      `json:"time"`
	Dropped uint64         `json:"dropped,omitempty"`
}

type streamClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *streamClient) write(event streamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return c.conn.WriteJSON(event)
}

// hub fans setting changes out to websocket clients.
type hub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	dropped uint64
	events  chan streamEvent
	stop    chan struct{}
	once    sync.Once
}

func newHub() *hub {
	h := &hub{
		clients: make(map[*streamClient]struct{}),
		events:  make(chan streamEvent, streamBuffer),
		stop:    make(chan struct{}),
	}
	go h.pump()
	return h
}

// add reports false once the hub is closed.
func (h *hub) add(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.stop:
		return false
	default:
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *hub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		_ = c.conn.Close()
	}
}

// publish never blocks; events are dropped while the buffer is full.
func (h *hub) publish(event streamEvent) {
	select {
	case h.events <- event:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}

func (h *hub) pump() {
	for {
		select {
		case <-h.stop:
			return
		case event := <-h.events:
			h.broadcast(event)
		}
	}
}

func (h *hub) broadcast(event streamEvent) {
	h.mu.Lock()
	event.Dropped = h.dropped
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.write(event); err != nil {
			h.remove(c)
		}
	}
}

func (h *hub) close() {
	h.once.Do(func() {
		close(h.stop)
		h.mu.Lock()
		for c := range h.clients {
			_ = c.conn.Close()
			delete(h.clients, c)
		}
		h.mu.Unlock()
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade stream connection")
		return
	}
	client := &streamClient{conn: conn}

	// The snapshot goes out before the client can receive setting events.
	state := s.state()
	if err := client.write(streamEvent{Type: "state", State: &state, Time: time.Now()}); err != nil {
		_ = conn.Close()
		return
	}
	if !s.hub.add(client) {
		_ = conn.Close()
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(client)
				return
			}
		}
	}()
}

func (s *Server) watchSettings() {
	for _, desc := range s.device.Registry().All() {
		switch st := desc.(type) {
		case *setting.Setting[int]:
			watch(s.hub, st)
		case *setting.Setting[int32]:
			watch(s.hub, st)
		case *setting.Setting[int64]:
			watch(s.hub, st)
		case *setting.Setting[float32]:
			watch(s.hub, st)
		case *setting.Setting[float64]:
			watch(s.hub, st)
		case *setting.Setting[bool]:
			watch(s.hub, st)
		case *setting.Setting[string]:
			watch(s.hub, st)
		}
	}
}

func watch[T setting.Value](h *hub, s *setting.Setting[T]) {
	name := s.Name()
	s.OnChange(func(current, _ T) {
		h.publish(streamEvent{Type: "setting", Name: name, Value: jsonValue(current), Time: time.Now()})
	})
}
