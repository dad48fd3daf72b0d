package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/smartmob/pantarei/internal/acquisition"
	"github.com/smartmob/pantarei/internal/realtime"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Browsers only send small control messages.
	maxMessageSize = 4 * 1024

	defaultBeaconInterval = 30 * time.Second
)

// MessageType is the kind of a browser sync message.
type MessageType string

const (
	// Server to browser.
	TypeInit      MessageType = "init"       // full snapshot on connect
	TypeDelta     MessageType = "delta"      // one change
	TypeSync      MessageType = "sync"       // periodic version beacon
	TypeFullState MessageType = "full_state" // reply to get_state

	// Browser to server.
	TypeGetState MessageType = "get_state"
)

// Message is the wire format pushed to browsers. A browser that sees a
// version gap asks for the full state again.
type Message struct {
	Type    MessageType `json:"type"`
	Version uint64      `json:"version"`
	Payload any         `json:"payload,omitempty"`
}

// ChangeType is the kind of a delta.
type ChangeType string

const (
	ChangeState    ChangeType = "state"
	ChangeRecords  ChangeType = "records"
	ChangeAnalysis ChangeType = "analysis"
)

// Change is the payload of a delta message.
type Change struct {
	Type    ChangeType `json:"type"`
	Event   string     `json:"event,omitempty"`
	ID      string     `json:"id,omitempty"`
	Payload any        `json:"payload,omitempty"`
}

// Snapshot is the full live view.
type Snapshot struct {
	State      realtime.State       `json:"state"`
	Latest     *acquisition.Record  `json:"latest,omitempty"`
	Records    []acquisition.Record `json:"records"`
	AnalysisID string               `json:"analysisId,omitempty"`
}

// Client is one browser websocket connection.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub keeps the connected browsers and pushes versioned changes to them.
type Hub struct {
	log      zerolog.Logger
	snapshot func() Snapshot
	version  atomic.Uint64
	beacon   time.Duration

	browsers map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex
}

// NewHub creates a hub. snapshot builds the full state sent on connect and
// on request.
func NewHub(log zerolog.Logger, snapshot func() Snapshot) *Hub {
	return &Hub{
		log:        log.With().Str("component", "browser_hub").Logger(),
		snapshot:   snapshot,
		beacon:     defaultBeaconInterval,
		browsers:   make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop. When ctx is done every browser is dropped.
func (h *Hub) Run(ctx context.Context) {
	beacon := time.NewTicker(h.beacon)
	defer beacon.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.browsers {
				delete(h.browsers, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.browsers[client] = true
			h.mu.Unlock()
			h.log.Debug().Int("browsers", h.count()).Msg("browser registered")
			h.sendTo(client, Message{Type: TypeInit, Version: h.version.Load(), Payload: h.snapshot()})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.browsers[client]; ok {
				delete(h.browsers, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug().Int("browsers", h.count()).Msg("browser unregistered")

		case <-beacon.C:
			h.broadcast(Message{Type: TypeSync, Version: h.version.Load()})
		}
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.browsers)
}

// Version returns the version of the last published change.
func (h *Hub) Version() uint64 {
	return h.version.Load()
}

// PublishState pushes a manager state change.
func (h *Hub) PublishState(st realtime.State) {
	h.publish(Change{Type: ChangeState, Payload: st})
}

// PublishRecords pushes the records delivered by a push event.
func (h *Hub) PublishRecords(event string, records []acquisition.Record) {
	h.publish(Change{Type: ChangeRecords, Event: event, Payload: records})
}

// PublishAnalysis announces a new analyzed image handle; empty means cleared.
func (h *Hub) PublishAnalysis(id string) {
	h.publish(Change{Type: ChangeAnalysis, ID: id})
}

func (h *Hub) publish(c Change) {
	version := h.version.Add(1)
	h.broadcast(Message{Type: TypeDelta, Version: version, Payload: c})
}

// broadcast sends msg to every browser. Browsers with a full buffer miss
// it and catch up through the version beacon.
func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to encode message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.browsers {
		select {
		case client.send <- data:
		default:
		}
	}
}

func (h *Hub) sendTo(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to encode message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.browsers[client] {
		return
	}
	select {
	case client.send <- data:
	default:
		h.log.Warn().Str("type", string(msg.Type)).Msg("browser send buffer full")
	}
}

// attach registers a browser and starts its pumps. It reports false when
// the hub is no longer running.
func (h *Hub) attach(conn *websocket.Conn) bool {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		return false
	}
	go client.writePump()
	go client.readPump()
	return true
}

// readPump reads browser messages until the connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Msg("browser read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleBrowserMessage(data)
	}
}

// writePump pumps queued messages to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleBrowserMessage(data []byte) {
	var msg struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case TypeGetState:
		c.hub.sendTo(c, Message{Type: TypeFullState, Version: c.hub.version.Load(), Payload: c.hub.snapshot()})
	default:
		c.hub.log.Debug().Str("type", string(msg.Type)).Msg("ignoring browser message")
	}
}
