// Package hubclient is a client for the JSON hub protocol served at
// <base>/hubs/acquisizioni. It negotiates a transport (WebSockets preferred,
// long polling as fallback), performs the protocol handshake, dispatches
// server invocations to registered handlers and reconnects automatically
// after transient connection loss.
package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smartmob/pantarei/internal/protocol"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Disconnected"
	}
}

// Handler receives the arguments of a server invocation.
type Handler func(args []json.RawMessage)

// Options configures a Client.
type Options struct {
	URL               string        // hub endpoint, e.g. http://host:5000/hubs/acquisizioni
	Transports        TransportType // allowed transports (default: all)
	HTTPClient        *http.Client
	HandshakeTimeout  time.Duration // default: 15s
	KeepAliveInterval time.Duration // ping interval (default: 15s)
	ServerTimeout     time.Duration // max silence from the server (default: 30s)

	// ReconnectPolicy returns the schedule for one automatic reconnect
	// episode. nil disables automatic reconnect.
	ReconnectPolicy func() backoff.BackOff

	Logger zerolog.Logger
}

// Client is a hub connection. Handlers run sequentially on a dedicated
// goroutine, in the order messages arrive.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu             sync.Mutex
	state          State
	connectionID   string
	sess           *session
	link           *link
	handlers       map[string][]Handler
	onClose        []func(error)
	onReconnecting []func(error)
	onReconnected  []func(string)
	pending        map[string]*pendingCall
}

// session spans one Start..close cycle, including automatic reconnects.
type session struct {
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	events     *dispatcher
	connected  bool
	finishOnce sync.Once
}

// link is one established transport connection.
type link struct {
	tr       transport
	lastRecv atomic.Int64
	lastSent atomic.Int64
	timedOut atomic.Bool
}

func newLink(tr transport) *link {
	l := &link{tr: tr}
	now := time.Now().UnixNano()
	l.lastRecv.Store(now)
	l.lastSent.Store(now)
	return l
}

type pendingCall struct {
	method string
	done   chan error
}

// New creates a client. Register handlers before calling Start.
func New(opts Options) *Client {
	if opts.Transports == 0 {
		opts.Transports = TransportAll
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.KeepAliveInterval == 0 {
		opts.KeepAliveInterval = 15 * time.Second
	}
	if opts.ServerTimeout == 0 {
		opts.ServerTimeout = 30 * time.Second
	}
	opts.URL = strings.TrimSuffix(opts.URL, "/")

	return &Client{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "hubclient").Logger(),
		handlers: make(map[string][]Handler),
		pending:  make(map[string]*pendingCall),
	}
}

// On registers a handler for server invocations of target (case-insensitive).
func (c *Client) On(target string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(target)
	c.handlers[key] = append(c.handlers[key], h)
}

// OnClose registers a callback for the end of the connection. The error is
// nil after Stop.
func (c *Client) OnClose(f func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, f)
}

// OnReconnecting registers a callback fired when an automatic reconnect begins.
func (c *Client) OnReconnecting(f func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnecting = append(c.onReconnecting, f)
}

// OnReconnected registers a callback fired with the new connection id after
// an automatic reconnect succeeds.
func (c *Client) OnReconnected(f func(connectionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = append(c.onReconnected, f)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the server-assigned id while connected.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Transport returns the name of the active transport, or "".
func (c *Client) Transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return ""
	}
	return c.link.tr.name()
}

// Start negotiates, connects and performs the handshake. It returns once the
// connection is usable; messages are then processed in the background.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		ctx:    sessCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		events: newDispatcher(c.log),
	}
	c.sess = s
	c.state = StateConnecting
	c.mu.Unlock()

	openCtx, openCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sessCtx, openCancel)
	l, id, rest, err := c.open(openCtx)
	stop()
	openCancel()

	if err != nil {
		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		s.cancel()
		s.events.close()
		close(s.done)
		return err
	}

	c.mu.Lock()
	if sessCtx.Err() != nil {
		c.mu.Unlock()
		_ = l.tr.close()
		close(s.done)
		return fmt.Errorf("start: %w", context.Canceled)
	}
	s.connected = true
	c.link = l
	c.connectionID = id
	c.state = StateConnected
	c.mu.Unlock()

	c.log.Info().Str("connection_id", id).Str("transport", l.tr.name()).Msg("connected")
	go c.run(s, l, rest)
	return nil
}

// Stop closes the connection and ends automatic reconnection. OnClose
// callbacks receive a nil error.
func (c *Client) Stop() error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	s.cancel()

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l != nil {
		_ = l.tr.close()
	}

	<-s.done
	c.finish(s, nil)
	return nil
}

// Invoke calls method on the server and waits for its completion. A server
// side failure is returned as *HubError.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	if c.state != StateConnected || c.link == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	l := c.link
	id := uuid.NewString()
	call := &pendingCall{method: method, done: make(chan error, 1)}
	c.pending[id] = call
	c.mu.Unlock()

	msg, err := protocol.NewInvocation(id, method, args...)
	if err != nil {
		c.dropPending(id)
		return err
	}
	if err := c.write(ctx, l, msg); err != nil {
		c.dropPending(id)
		return fmt.Errorf("invoke %s: %w", method, err)
	}

	select {
	case err := <-call.done:
		return err
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()
	for _, p := range pending {
		p.done <- err
	}
}

func (c *Client) write(ctx context.Context, l *link, v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	if err := l.tr.send(ctx, data); err != nil {
		return err
	}
	l.lastSent.Store(time.Now().UnixNano())
	return nil
}

// open negotiates and connects with the first transport that works, then
// completes the handshake. rest holds any bytes received after the
// handshake response.
func (c *Client) open(ctx context.Context) (*link, string, []byte, error) {
	var lastErr error
	for _, t := range transportOrder {
		if c.opts.Transports&t == 0 {
			continue
		}
		neg, err := c.negotiate(ctx)
		if err != nil {
			return nil, "", nil, err
		}
		if !neg.offers(t) {
			continue
		}

		tr, err := c.connectTransport(ctx, t, neg.token())
		if err != nil {
			c.log.Warn().Err(err).Str("transport", t.String()).Msg("transport failed")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		l := newLink(tr)
		rest, err := c.handshake(ctx, l)
		if err != nil {
			_ = tr.close()
			return nil, "", nil, err
		}
		return l, neg.ConnectionID, rest, nil
	}
	if lastErr != nil {
		return nil, "", nil, lastErr
	}
	return nil, "", nil, ErrNoTransport
}

func (c *Client) connectTransport(ctx context.Context, t TransportType, token string) (transport, error) {
	switch t {
	case TransportWebSockets:
		return dialWebSocket(ctx, c.opts.URL, token, c.opts.HandshakeTimeout)
	case TransportLongPolling:
		return openLongPolling(c.opts.URL, token, c.opts.HTTPClient)
	default:
		return nil, ErrNoTransport
	}
}

func (c *Client) handshake(ctx context.Context, l *link) ([]byte, error) {
	if err := c.write(ctx, l, protocol.HandshakeRequest{Protocol: protocol.Name, Version: protocol.Version}); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	type result struct {
		data []byte
		err  error
	}
	timer := time.NewTimer(c.opts.HandshakeTimeout)
	defer timer.Stop()

	var buf []byte
	for {
		ch := make(chan result, 1)
		go func() {
			data, err := l.tr.receive()
			ch <- result{data, err}
		}()

		select {
		case r := <-ch:
			if r.err != nil {
				return nil, fmt.Errorf("handshake: %w", r.err)
			}
			buf = append(buf, r.data...)
			resp, rest, err := protocol.ParseHandshake(buf)
			if errors.Is(err, protocol.ErrIncompleteRecord) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if resp.Error != "" {
				return nil, fmt.Errorf("handshake rejected: %s", resp.Error)
			}
			return rest, nil
		case <-timer.C:
			_ = l.tr.close()
			return nil, ErrHandshakeTimeout
		case <-ctx.Done():
			_ = l.tr.close()
			return nil, ctx.Err()
		}
	}
}

// run processes one session until Stop or a final connection loss.
func (c *Client) run(s *session, l *link, rest []byte) {
	defer close(s.done)
	for {
		allowReconnect, err := c.readLoop(s, l, rest)
		c.failPending(ErrConnectionLost)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("connection lost")
		}

		if !allowReconnect || c.opts.ReconnectPolicy == nil {
			c.finish(s, err)
			return
		}

		l, rest, err = c.reconnect(s, err)
		if err != nil {
			if s.ctx.Err() == nil {
				c.finish(s, err)
			}
			return
		}
	}
}

// readLoop reads from l until it fails or the server closes it. It reports
// whether an automatic reconnect is allowed.
func (c *Client) readLoop(s *session, l *link, pending []byte) (bool, error) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, func() { _ = l.tr.close() })
	defer stop()
	go c.keepAlive(ctx, l)

	buf := pending
	for {
		records, partial := protocol.Split(buf)
		buf = append([]byte(nil), partial...)
		for _, rec := range records {
			msg, err := protocol.Decode(rec)
			if err != nil {
				c.log.Error().Err(err).Str("data", string(rec)).Msg("failed to parse message")
				continue
			}
			if closed, closeErr := c.handle(s, msg); closed {
				_ = l.tr.close()
				return msg.AllowReconnect, closeErr
			}
		}

		data, err := l.tr.receive()
		if err != nil {
			if l.timedOut.Load() {
				return true, ErrServerTimeout
			}
			return true, err
		}
		l.lastRecv.Store(time.Now().UnixNano())
		buf = append(buf, data...)
	}
}

// handle processes one message. It reports true when the server closed the
// connection, with the server's error if any.
func (c *Client) handle(s *session, msg *protocol.Message) (bool, error) {
	switch msg.Type {
	case protocol.TypeInvocation:
		c.mu.Lock()
		handlers := append([]Handler(nil), c.handlers[strings.ToLower(msg.Target)]...)
		c.mu.Unlock()
		if len(handlers) == 0 {
			c.log.Warn().Str("target", msg.Target).Msg("no handler registered")
			return false, nil
		}
		args := msg.Arguments
		for _, h := range handlers {
			s.events.post(func() { h(args) })
		}
	case protocol.TypeCompletion:
		c.mu.Lock()
		call, ok := c.pending[msg.InvocationID]
		delete(c.pending, msg.InvocationID)
		c.mu.Unlock()
		if !ok {
			c.log.Debug().Str("invocation_id", msg.InvocationID).Msg("completion for unknown invocation")
			return false, nil
		}
		if msg.Error != "" {
			call.done <- &HubError{Method: call.method, Message: msg.Error}
		} else {
			call.done <- nil
		}
	case protocol.TypePing:
	case protocol.TypeClose:
		if msg.Error != "" {
			return true, &CloseError{Message: msg.Error}
		}
		return true, nil
	default:
		c.log.Debug().Int("type", int(msg.Type)).Msg("ignoring message")
	}
	return false, nil
}

func (c *Client) keepAlive(ctx context.Context, l *link) {
	tick := c.opts.KeepAliveInterval
	if half := c.opts.ServerTimeout / 2; half < tick {
		tick = half
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, l.lastRecv.Load())) > c.opts.ServerTimeout {
				l.timedOut.Store(true)
				_ = l.tr.close()
				return
			}
			if now.Sub(time.Unix(0, l.lastSent.Load())) >= c.opts.KeepAliveInterval {
				if err := c.write(ctx, l, protocol.Ping()); err != nil {
					c.log.Debug().Err(err).Msg("ping failed")
				}
			}
		}
	}
}

// reconnect retries open per the reconnect policy until it succeeds, the
// policy gives up or the session is stopped.
func (c *Client) reconnect(s *session, cause error) (*link, []byte, error) {
	c.mu.Lock()
	c.state = StateReconnecting
	c.connectionID = ""
	c.link = nil
	callbacks := append([]func(error){}, c.onReconnecting...)
	c.mu.Unlock()
	for _, f := range callbacks {
		s.events.post(func() { f(cause) })
	}

	policy := c.opts.ReconnectPolicy()
	policy.Reset()
	for attempt := 1; ; attempt++ {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			return nil, nil, fmt.Errorf("reconnect gave up after %d attempts: %w", attempt-1, cause)
		}
		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil, nil, s.ctx.Err()
		case <-timer.C:
		}

		l, id, rest, err := c.open(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil, nil, s.ctx.Err()
			}
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		if s.ctx.Err() != nil {
			c.mu.Unlock()
			_ = l.tr.close()
			return nil, nil, s.ctx.Err()
		}
		c.link = l
		c.connectionID = id
		c.state = StateConnected
		reconnected := append([]func(string){}, c.onReconnected...)
		c.mu.Unlock()

		c.log.Info().Str("connection_id", id).Int("attempts", attempt).Msg("reconnected")
		for _, f := range reconnected {
			s.events.post(func() { f(id) })
		}
		return l, rest, nil
	}
}

// finish ends a session once, firing OnClose if it ever connected.
func (c *Client) finish(s *session, err error) {
	s.finishOnce.Do(func() {
		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
			c.link = nil
			c.state = StateDisconnected
			c.connectionID = ""
		}
		callbacks := append([]func(error){}, c.onClose...)
		connected := s.connected
		c.mu.Unlock()

		c.failPending(ErrConnectionLost)
		if connected {
			if err != nil {
				c.log.Warn().Err(err).Msg("connection closed")
			} else {
				c.log.Info().Msg("connection closed")
			}
			for _, f := range callbacks {
				s.events.post(func() { f(err) })
			}
		}
		s.events.close()
	})
}
