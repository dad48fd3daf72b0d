package hubclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartmob/pantarei/internal/protocol"
)

// MethodFunc implements a hub method on the mock server. A non-empty error
// string is returned to the client as a failed completion.
type MethodFunc func(args []json.RawMessage) (result any, errMsg string)

// MockHub simulates the acquisitions hub for testing.
type MockHub struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	transports  []string
	methods     map[string]MethodFunc
	invocations []protocol.Message
	conns       []*websocket.Conn
	polls       map[string]*pollConn
	negotiates  int
	rejectNext  int
	nextID      int
}

type pollConn struct {
	queue  chan []byte
	closed bool
}

// NewMockHub starts a hub offering WebSockets and LongPolling.
func NewMockHub(t *testing.T) *MockHub {
	m := &MockHub{
		t:          t,
		transports: []string{"WebSockets", "LongPolling"},
		methods:    make(map[string]MethodFunc),
		polls:      make(map[string]*pollConn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/hubs/acquisizioni/negotiate", m.handleNegotiate)
	mux.HandleFunc("/hubs/acquisizioni", m.handleHub)
	m.server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// URL returns the hub endpoint.
func (m *MockHub) URL() string {
	return m.server.URL + "/hubs/acquisizioni"
}

// Close shuts down the mock hub.
func (m *MockHub) Close() {
	m.DropConnections()
	m.server.Close()
}

// OfferTransports restricts the transports advertised by negotiate.
func (m *MockHub) OfferTransports(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports = names
}

// Handle registers a hub method.
func (m *MockHub) Handle(method string, f MethodFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[method] = f
}

// RejectNegotiations makes the next n negotiate requests fail with 503.
func (m *MockHub) RejectNegotiations(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNext = n
}

// NegotiateCount returns how many negotiate requests were served.
func (m *MockHub) NegotiateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.negotiates
}

// Invocations returns the targets invoked by clients, in order.
func (m *MockHub) Invocations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.invocations))
	for _, inv := range m.invocations {
		out = append(out, inv.Target)
	}
	return out
}

// ConnectionCount returns the number of open WebSocket connections.
func (m *MockHub) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Broadcast sends a server invocation to every connected client.
func (m *MockHub) Broadcast(target string, args ...any) {
	msg, err := protocol.NewInvocation("", target, args...)
	if err != nil {
		m.t.Fatalf("build invocation: %v", err)
	}
	data, _ := protocol.Encode(msg)
	m.sendAll(data)
}

// SendRaw writes raw bytes to every connected client.
func (m *MockHub) SendRaw(data []byte) {
	m.sendAll(data)
}

// DropConnections closes every WebSocket abruptly, simulating network loss.
func (m *MockHub) DropConnections() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (m *MockHub) sendAll(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.WriteMessage(websocket.TextMessage, data)
	}
	for _, p := range m.polls {
		if !p.closed {
			p.queue <- data
		}
	}
}

func (m *MockHub) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.mu.Lock()
	m.negotiates++
	if m.rejectNext > 0 {
		m.rejectNext--
		m.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	m.nextID++
	id := "conn-" + strings.Repeat("x", m.nextID)
	offered := make([]map[string]any, 0, len(m.transports))
	for _, t := range m.transports {
		offered = append(offered, map[string]any{"transport": t, "transferFormats": []string{"Text", "Binary"}})
	}
	m.polls[id] = &pollConn{queue: make(chan []byte, 64)}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"negotiateVersion":    1,
		"connectionId":        id,
		"connectionToken":     id,
		"availableTransports": offered,
	})
}

func (m *MockHub) handleHub(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		m.serveWebSocket(w, r)
		return
	}
	m.serveLongPolling(w, r)
}

func (m *MockHub) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.t.Logf("WebSocket upgrade failed: %v", err)
		return
	}

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	defer func() {
		_ = conn.Close()
		m.mu.Lock()
		for i, c := range m.conns {
			if c == conn {
				m.conns = append(m.conns[:i], m.conns[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}()

	handshaken := false
	var buf []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		records, rest := protocol.Split(append(buf, data...))
		buf = append([]byte(nil), rest...)
		for _, rec := range records {
			if !handshaken {
				handshaken = true
				m.writeWS(conn, []byte("{}\x1e"))
				continue
			}
			if reply := m.process(rec); reply != nil {
				m.writeWS(conn, reply)
			}
		}
	}
}

func (m *MockHub) writeWS(conn *websocket.Conn, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (m *MockHub) serveLongPolling(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	m.mu.Lock()
	p, ok := m.polls[id]
	m.mu.Unlock()
	if !ok {
		http.Error(w, "no such connection", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		m.mu.Lock()
		closed := p.closed
		m.mu.Unlock()
		if closed {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		select {
		case data := <-p.queue:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
		case <-time.After(200 * time.Millisecond):
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
		}
	case http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		records, _ := protocol.Split(body)
		for _, rec := range records {
			if strings.Contains(string(rec), `"protocol"`) {
				p.queue <- []byte("{}\x1e")
				continue
			}
			if reply := m.process(rec); reply != nil {
				p.queue <- reply
			}
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		m.mu.Lock()
		p.closed = true
		m.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}
}

// process handles one client record and returns the framed reply, if any.
func (m *MockHub) process(rec []byte) []byte {
	msg, err := protocol.Decode(rec)
	if err != nil {
		m.t.Logf("bad record %q: %v", rec, err)
		return nil
	}
	if msg.Type != protocol.TypeInvocation {
		return nil
	}

	m.mu.Lock()
	m.invocations = append(m.invocations, *msg)
	f, ok := m.methods[msg.Target]
	m.mu.Unlock()

	if msg.InvocationID == "" {
		return nil
	}
	completion := protocol.Message{Type: protocol.TypeCompletion, InvocationID: msg.InvocationID}
	if !ok {
		completion.Error = "Unknown hub method '" + msg.Target + "'"
	} else if result, errMsg := f(msg.Arguments); errMsg != "" {
		completion.Error = errMsg
	} else if result != nil {
		completion.Result, _ = json.Marshal(result)
	}
	data, _ := protocol.Encode(completion)
	return data
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return cond()
		case <-ticker.C:
		}
	}
}
