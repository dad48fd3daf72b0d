package hubclient

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartmob/pantarei/internal/apperr"
)

// events collects callback activity for assertions.
type events struct {
	mu           sync.Mutex
	closed       []error
	reconnecting []error
	reconnected  []string
	received     [][]json.RawMessage
}

func (e *events) wire(c *Client, target string) {
	c.On(target, func(args []json.RawMessage) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.received = append(e.received, args)
	})
	c.OnClose(func(err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.closed = append(e.closed, err)
	})
	c.OnReconnecting(func(err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.reconnecting = append(e.reconnecting, err)
	})
	c.OnReconnected(func(id string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.reconnected = append(e.reconnected, id)
	})
}

func (e *events) snapshot() (closed []error, reconnecting []error, reconnected []string, received int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.closed...), append([]error(nil), e.reconnecting...),
		append([]string(nil), e.reconnected...), len(e.received)
}

func fastPolicy() backoff.BackOff {
	return backoff.NewConstantBackOff(20 * time.Millisecond)
}

func newTestClient(hub *MockHub, opts Options) *Client {
	opts.URL = hub.URL()
	opts.Logger = zerolog.Nop()
	return New(opts)
}

func TestStart_WebSocketInvoke(t *testing.T) {
	hub := NewMockHub(t)
	hub.Handle("SubscribeToPostazione", func(args []json.RawMessage) (any, string) {
		return nil, ""
	})

	c := newTestClient(hub, Options{})
	var ev events
	ev.wire(c, "NewAcquisizione")

	require.NoError(t, c.Start(t.Context()))
	assert.Equal(t, StateConnected, c.State())
	assert.NotEmpty(t, c.ConnectionID())
	assert.Equal(t, "WebSockets", c.Transport())

	require.NoError(t, c.Invoke(t.Context(), "SubscribeToPostazione", "LINE1", "ST2"))

	err := c.Invoke(t.Context(), "Subscribe", "LINE1", "ST2")
	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, "Subscribe", hubErr.Method)
	assert.True(t, apperr.IsHubMethodMissing(err))

	assert.Equal(t, []string{"SubscribeToPostazione", "Subscribe"}, hub.Invocations())

	require.NoError(t, c.Stop())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.ConnectionID())
	require.True(t, waitFor(t, time.Second, func() bool {
		closed, _, _, _ := ev.snapshot()
		return len(closed) == 1
	}))
	closed, _, _, _ := ev.snapshot()
	assert.NoError(t, closed[0])
}

func TestStart_Twice(t *testing.T) {
	hub := NewMockHub(t)
	c := newTestClient(hub, Options{})
	require.NoError(t, c.Start(t.Context()))
	defer func() { _ = c.Stop() }()

	assert.ErrorIs(t, c.Start(t.Context()), ErrAlreadyStarted)
}

func TestServerInvocationDispatch(t *testing.T) {
	hub := NewMockHub(t)
	c := newTestClient(hub, Options{})
	var ev events
	ev.wire(c, "newacquisizione")

	require.NoError(t, c.Start(t.Context()))
	defer func() { _ = c.Stop() }()

	hub.Broadcast("NewAcquisizione", map[string]any{"id": 1})
	hub.Broadcast("AcquisizioniUpdated", []any{})
	hub.Broadcast("NewAcquisizione", map[string]any{"id": 2})

	require.True(t, waitFor(t, time.Second, func() bool {
		_, _, _, n := ev.snapshot()
		return n == 2
	}))
	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.JSONEq(t, `{"id":1}`, string(ev.received[0][0]))
	assert.JSONEq(t, `{"id":2}`, string(ev.received[1][0]))
}

func TestRecordsSplitAcrossFrames(t *testing.T) {
	hub := NewMockHub(t)
	c := newTestClient(hub, Options{})
	var ev events
	ev.wire(c, "Error")

	require.NoError(t, c.Start(t.Context()))
	defer func() { _ = c.Stop() }()

	hub.SendRaw([]byte(`{"type":1,"target":"Error","argu`))
	hub.SendRaw([]byte("ments\":[\"boom\"]}\x1e{\"type\":6}\x1e"))

	require.True(t, waitFor(t, time.Second, func() bool {
		_, _, _, n := ev.snapshot()
		return n == 1
	}))
}

func TestLongPollingFallback(t *testing.T) {
	hub := NewMockHub(t)
	hub.OfferTransports("LongPolling")
	hub.Handle("Subscribe", func(args []json.RawMessage) (any, string) {
		return true, ""
	})

	c := newTestClient(hub, Options{})
	var ev events
	ev.wire(c, "AcquisizioniUpdated")

	require.NoError(t, c.Start(t.Context()))
	assert.Equal(t, "LongPolling", c.Transport())

	require.NoError(t, c.Invoke(t.Context(), "Subscribe", "L1", "P1"))

	hub.Broadcast("AcquisizioniUpdated", []any{map[string]any{"id": 3}})
	require.True(t, waitFor(t, 2*time.Second, func() bool {
		_, _, _, n := ev.snapshot()
		return n == 1
	}))

	require.NoError(t, c.Stop())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestNoCommonTransport(t *testing.T) {
	hub := NewMockHub(t)
	hub.OfferTransports("ServerSentEvents")

	c := newTestClient(hub, Options{})
	err := c.Start(t.Context())
	assert.ErrorIs(t, err, ErrNoTransport)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestStart_NegotiateRejected(t *testing.T) {
	hub := NewMockHub(t)
	hub.RejectNegotiations(1)

	c := newTestClient(hub, Options{})
	err := c.Start(t.Context())
	require.Error(t, err)
	assert.Equal(t, apperr.KindServer, apperr.Classify(err))
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Start(t.Context()))
	require.NoError(t, c.Stop())
}

func TestInvoke_NotConnected(t *testing.T) {
	c := New(Options{URL: "http://127.0.0.1:1/hubs/acquisizioni", Logger: zerolog.Nop()})
	err := c.Invoke(t.Context(), "Subscribe")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, apperr.KindNetwork, apperr.Classify(err))
}

func TestAutomaticReconnect(t *testing.T) {
	hub := NewMockHub(t)
	hub.Handle("Subscribe", func(args []json.RawMessage) (any, string) { return nil, "" })

	c := newTestClient(hub, Options{ReconnectPolicy: fastPolicy})
	var ev events
	ev.wire(c, "NewAcquisizione")

	require.NoError(t, c.Start(t.Context()))
	defer func() { _ = c.Stop() }()
	firstID := c.ConnectionID()

	hub.RejectNegotiations(2)
	hub.DropConnections()

	require.True(t, waitFor(t, 3*time.Second, func() bool {
		_, _, reconnected, _ := ev.snapshot()
		return len(reconnected) == 1
	}))

	closed, reconnecting, reconnected, _ := ev.snapshot()
	assert.Empty(t, closed)
	require.Len(t, reconnecting, 1)
	assert.Error(t, reconnecting[0])
	assert.NotEqual(t, firstID, reconnected[0])
	assert.Equal(t, reconnected[0], c.ConnectionID())
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.Invoke(t.Context(), "Subscribe"))
}

func TestConnectionLost_WithoutReconnectPolicy(t *testing.T) {
	hub := NewMockHub(t)
	c := newTestClient(hub, Options{})
	var ev events
	ev.wire(c, "NewAcquisizione")

	require.NoError(t, c.Start(t.Context()))
	hub.DropConnections()

	require.True(t, waitFor(t, time.Second, func() bool {
		closed, _, _, _ := ev.snapshot()
		return len(closed) == 1
	}))
	closed, reconnecting, _, _ := ev.snapshot()
	assert.Error(t, closed[0])
	assert.Empty(t, reconnecting)
	assert.Equal(t, StateDisconnected, c.State())
	require.NoError(t, c.Stop())
}

func TestServerCloseMessage(t *testing.T) {
	hub := NewMockHub(t)
	c := newTestClient(hub, Options{ReconnectPolicy: fastPolicy})
	var ev events
	ev.wire(c, "NewAcquisizione")

	require.NoError(t, c.Start(t.Context()))
	hub.SendRaw([]byte("{\"type\":7,\"error\":\"Server is shutting down\"}\x1e"))

	require.True(t, waitFor(t, time.Second, func() bool {
		closed, _, _, _ := ev.snapshot()
		return len(closed) == 1
	}))
	closed, reconnecting, _, _ := ev.snapshot()
	var closeErr *CloseError
	require.True(t, errors.As(closed[0], &closeErr))
	assert.Equal(t, "Server is shutting down", closeErr.Message)
	assert.Empty(t, reconnecting)
}

func TestServerTimeout(t *testing.T) {
	hub := NewMockHub(t)
	c := newTestClient(hub, Options{
		KeepAliveInterval: 20 * time.Millisecond,
		ServerTimeout:     150 * time.Millisecond,
	})
	var ev events
	ev.wire(c, "NewAcquisizione")

	require.NoError(t, c.Start(t.Context()))

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		closed, _, _, _ := ev.snapshot()
		return len(closed) == 1
	}))
	closed, _, _, _ := ev.snapshot()
	assert.ErrorIs(t, closed[0], ErrServerTimeout)
}

func TestParseTransports(t *testing.T) {
	tests := []struct {
		in      string
		want    TransportType
		wantErr bool
	}{
		{"websockets,longpolling", TransportAll, false},
		{"WebSockets", TransportWebSockets, false},
		{" lp ", TransportLongPolling, false},
		{"", 0, true},
		{"sse", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTransports(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTieredBackOff(t *testing.T) {
	b := NewTieredBackOff()
	var got []time.Duration
	for range 8 {
		got = append(got, b.NextBackOff())
	}
	s, f, ten := 2*time.Second, 5*time.Second, 10*time.Second
	assert.Equal(t, []time.Duration{s, s, s, f, f, ten, ten, ten}, got)

	b.Reset()
	assert.Equal(t, s, b.NextBackOff())
}
