package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartmob/pantarei/internal/acquisition"
	"github.com/smartmob/pantarei/internal/backend"
	"github.com/smartmob/pantarei/internal/hubclient"
)

const testBase = "http://qc.local:5000"

// methodMissing is what the hub replies for a method it does not know.
func methodMissing(method string) error {
	return &hubclient.HubError{Method: method, Message: "Method does not exist."}
}

// FakeInvoker answers invocations from a table. Methods not in the table
// reply method-missing.
type FakeInvoker struct {
	mu      sync.Mutex
	replies map[string]error
	calls   []string
}

func NewFakeInvoker(supported ...string) *FakeInvoker {
	f := &FakeInvoker{replies: make(map[string]error)}
	for _, m := range supported {
		f.replies[m] = nil
	}
	return f
}

// Reply sets the result of method; nil means success.
func (f *FakeInvoker) Reply(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = err
}

// Forget makes method unknown again.
func (f *FakeInvoker) Forget(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.replies, method)
}

func (f *FakeInvoker) Invoke(ctx context.Context, method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	err, ok := f.replies[method]
	if !ok {
		return methodMissing(method)
	}
	return err
}

// Calls returns the invoked methods in order.
func (f *FakeInvoker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// FakeChannel is an in-memory push channel. Events and lifecycle callbacks
// run synchronously on the caller's goroutine.
type FakeChannel struct {
	*FakeInvoker

	mu             sync.Mutex
	id             string
	startErr       error
	started        bool
	stopped        bool
	handlers       map[string][]hubclient.Handler
	onClose        []func(error)
	onReconnecting []func(error)
	onReconnected  []func(string)
}

func (c *FakeChannel) On(target string, h hubclient.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(target)
	c.handlers[key] = append(c.handlers[key], h)
}

func (c *FakeChannel) OnClose(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, f)
}

func (c *FakeChannel) OnReconnecting(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnecting = append(c.onReconnecting, f)
}

func (c *FakeChannel) OnReconnected(f func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = append(c.onReconnected, f)
}

func (c *FakeChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	return nil
}

func (c *FakeChannel) Stop() error {
	c.mu.Lock()
	c.stopped = true
	callbacks := append([]func(error){}, c.onClose...)
	c.mu.Unlock()
	for _, f := range callbacks {
		f(nil)
	}
	return nil
}

func (c *FakeChannel) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *FakeChannel) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Emit delivers a server invocation to the registered handlers.
func (c *FakeChannel) Emit(t *testing.T, target string, args ...any) {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		if s, ok := a.(string); ok && json.Valid([]byte(s)) && (strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")) {
			raw = append(raw, json.RawMessage(s))
			continue
		}
		data, err := json.Marshal(a)
		if err != nil {
			t.Fatalf("marshal argument: %v", err)
		}
		raw = append(raw, data)
	}
	c.mu.Lock()
	handlers := append([]hubclient.Handler(nil), c.handlers[strings.ToLower(target)]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

// Drop simulates transient network loss followed by an automatic reconnect.
func (c *FakeChannel) Drop(cause error) {
	c.mu.Lock()
	callbacks := append([]func(error){}, c.onReconnecting...)
	c.id = ""
	c.mu.Unlock()
	for _, f := range callbacks {
		f(cause)
	}
}

// Recover completes an automatic reconnect with a new connection id.
func (c *FakeChannel) Recover(id string) {
	c.mu.Lock()
	callbacks := append([]func(string){}, c.onReconnected...)
	c.id = id
	c.mu.Unlock()
	for _, f := range callbacks {
		f(id)
	}
}

// Close simulates the server ending the connection.
func (c *FakeChannel) Close(err error) {
	c.mu.Lock()
	callbacks := append([]func(error){}, c.onClose...)
	c.mu.Unlock()
	for _, f := range callbacks {
		f(err)
	}
}

// FakeHub hands out FakeChannels. Start fails while StartErrors has entries;
// each failure consumes one.
type FakeHub struct {
	mu          sync.Mutex
	supported   []string
	startErrors []error
	failAlways  error
	channels    []*FakeChannel
}

func NewFakeHub(supported ...string) *FakeHub {
	return &FakeHub{supported: supported}
}

// FailNext makes the next n starts fail.
func (h *FakeHub) FailNext(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for range n {
		h.startErrors = append(h.startErrors, errors.New("dial tcp: connection refused"))
	}
}

// FailAlways makes every start fail with err; nil restores success.
func (h *FakeHub) FailAlways(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failAlways = err
}

func (h *FakeHub) NewChannel() Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := &FakeChannel{
		FakeInvoker: NewFakeInvoker(h.supported...),
		id:          "conn-" + string(rune('a'+len(h.channels))),
		handlers:    make(map[string][]hubclient.Handler),
	}
	switch {
	case h.failAlways != nil:
		ch.startErr = h.failAlways
	case len(h.startErrors) > 0:
		ch.startErr = h.startErrors[0]
		h.startErrors = h.startErrors[1:]
	}
	h.channels = append(h.channels, ch)
	return ch
}

// Last returns the most recently created channel.
func (h *FakeHub) Last() *FakeChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.channels) == 0 {
		return nil
	}
	return h.channels[len(h.channels)-1]
}

// Created returns how many channels were made.
func (h *FakeHub) Created() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// FakeScheduler records scheduled retries; tests fire them by hand.
type FakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	f       func()
	fired   bool
	stopped bool
}

func (s *FakeScheduler) Schedule(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{f: f}
	s.delays = append(s.delays, d)
	s.timers = append(s.timers, t)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Delays returns every delay scheduled so far.
func (s *FakeScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// Pending returns the number of timers neither fired nor stopped.
func (s *FakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// Fire runs the oldest pending timer and reports whether there was one.
func (s *FakeScheduler) Fire() bool {
	s.mu.Lock()
	var next *fakeTimer
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			next = t
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()
	if next == nil {
		return false
	}
	next.f()
	return true
}

type testEnv struct {
	hub     *FakeHub
	client  *backend.MockClient
	sched   *FakeScheduler
	manager *Manager
}

func newTestEnv(t *testing.T, supported ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		hub:    NewFakeHub(supported...),
		client: backend.NewMockClient(),
		sched:  &FakeScheduler{},
	}
	env.manager = NewManager(Options{
		NewChannel: env.hub.NewChannel,
		Fetcher:    backend.NewSnapshotFetcher(env.client),
		Normalizer: acquisition.NewNormalizer(testBase),
		Logger:     zerolog.Nop(),
		schedule:   env.sched.Schedule,
	})
	t.Cleanup(func() { _ = env.manager.Close() })
	return env
}

func (e *testEnv) fetches() []acquisition.Selection {
	var out []acquisition.Selection
	for _, c := range e.client.CallsTo("LatestSingle") {
		out = append(out, c.Args[0].(acquisition.Selection))
	}
	return out
}

func record(id, line, station string) acquisition.Record {
	return acquisition.Record{ID: id, LineCode: line, StationCode: station}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
