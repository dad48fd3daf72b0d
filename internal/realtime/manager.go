// Package realtime keeps a live view of the latest acquisitions of one line
// and station. It owns the push-channel connection, reconciles pushed events
// with REST snapshots and probes the server for its subscribe method.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/smartmob/pantarei/internal/acquisition"
	"github.com/smartmob/pantarei/internal/apperr"
	"github.com/smartmob/pantarei/internal/hubclient"
)

// Push events consumed from the hub.
const (
	EventConnected           = "Connected"
	EventAcquisitionsUpdated = "AcquisizioniUpdated"
	EventNewAcquisition      = "NewAcquisizione"
	EventError               = "Error"
)

// ErrRetriesExhausted is returned once the manual connect retries are used
// up. Only Reconnect starts over.
var ErrRetriesExhausted = errors.New("realtime: connect retries exhausted")

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("realtime: manager closed")

// Channel is one push-channel connection. *hubclient.Client implements it.
type Channel interface {
	Invoker
	On(target string, h hubclient.Handler)
	OnClose(f func(err error))
	OnReconnecting(f func(err error))
	OnReconnected(f func(connectionID string))
	Start(ctx context.Context) error
	Stop() error
	ConnectionID() string
}

// Fetcher loads the REST snapshot of a selection.
type Fetcher interface {
	Fetch(ctx context.Context, sel acquisition.Selection) ([]acquisition.Record, error)
}

// Phase is the connection phase.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "Connecting"
	case PhaseConnected:
		return "Connected"
	case PhaseReconnecting:
		return "Reconnecting"
	default:
		return "Disconnected"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	for _, c := range []Phase{PhaseDisconnected, PhaseConnecting, PhaseConnected, PhaseReconnecting} {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// State is a snapshot of the manager, as shown to the user.
type State struct {
	Phase            Phase                 `json:"phase"`
	ConnectionID     string                `json:"connectionId,omitempty"`
	SubscribeMethod  string                `json:"subscribeMethod,omitempty"` // method name, "unsupported" or empty while unknown
	ReconnectAttempt int                   `json:"reconnectAttempt"`
	RetriesExhausted bool                  `json:"retriesExhausted"`
	Error            string                `json:"error,omitempty"`
	FetchError       string                `json:"fetchError,omitempty"`
	Selection        acquisition.Selection `json:"selection"`
	Loading          bool                  `json:"loading"`
	Records          int                   `json:"records"`
	LastUpdated      time.Time             `json:"lastUpdated,omitzero"`
	Signal           uint64                `json:"signal"`
}

// Connected reports whether the phase is Connected.
func (s State) Connected() bool { return s.Phase == PhaseConnected }

// RecordsFunc receives the records delivered by a push event.
type RecordsFunc func(event string, records []acquisition.Record)

// Options configures a Manager.
type Options struct {
	// NewChannel creates a fresh, unstarted channel for every connect.
	NewChannel func() Channel
	Fetcher    Fetcher
	Normalizer *acquisition.Normalizer
	Metrics    *Metrics
	Logger     zerolog.Logger

	MaxRetries    int           // manual connect retries (default: 5)
	RetryInterval time.Duration // first retry delay, doubled each time (default: 2s)

	// schedule runs f after d and returns a func that cancels it, reporting
	// whether f was prevented from running. Tests replace it.
	schedule func(d time.Duration, f func()) (stop func() bool)
}

// Manager owns the push-channel connection and the live record list.
type Manager struct {
	opts    Options
	log     zerolog.Logger
	prober  *Prober
	store   *Store
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	phase       Phase
	channel     Channel
	connID      string
	attempt     int
	retry       backoff.BackOff
	retryGen    uint64
	stopRetry   func() bool
	terminal    bool
	connErr     string
	fetchErr    string
	selection   acquisition.Selection
	loading     int
	signal      uint64
	signals     chan uint64
	onChange    []func(State)
	onRecords   []RecordsFunc
	notifyMu    sync.Mutex
	lastNotify  State
	hasNotified bool
}

// NewManager creates a disconnected manager.
func NewManager(opts Options) *Manager {
	if opts.Normalizer == nil {
		opts.Normalizer = acquisition.NewNormalizer("")
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 2 * time.Second
	}
	if opts.schedule == nil {
		opts.schedule = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}

	log := opts.Logger.With().Str("component", "realtime").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:    opts,
		log:     log,
		prober:  NewProber(opts.Logger, opts.Metrics),
		store:   NewStore(),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		retry:   newRetryPolicy(opts.RetryInterval, opts.MaxRetries),
		signals: make(chan uint64, 1),
	}
	m.metrics.setPhase(PhaseDisconnected)
	return m
}

// newRetryPolicy doubles the delay after every failure, starting at initial,
// and stops after max retries.
func newRetryPolicy(initial time.Duration, max int) backoff.BackOff {
	b := backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Hour,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, uint64(max))
	b.Reset()
	return b
}

// Connect opens a new channel. It is a no-op while connecting or connected.
// On failure it schedules a retry, unless the retries are used up, in which
// case the error wraps ErrRetriesExhausted.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.phase == PhaseConnecting || m.phase == PhaseConnected {
		m.mu.Unlock()
		return nil
	}
	m.cancelRetryLocked()
	old := m.channel
	ch := m.opts.NewChannel()
	m.channel = ch
	m.phase = PhaseConnecting
	m.connID = ""
	m.mu.Unlock()

	if old != nil {
		// Still reconnecting on its own; only one channel may be live.
		_ = old.Stop()
	}
	m.prober.Reset()
	m.wire(ch)
	m.metrics.setPhase(PhaseConnecting)
	m.notify()

	err := ch.Start(ctx)

	m.mu.Lock()
	if m.channel != ch {
		// Disconnected or replaced while starting.
		m.mu.Unlock()
		if err == nil {
			_ = ch.Stop()
		}
		return nil
	}
	if err != nil {
		return m.connectFailedLocked(err)
	}

	m.phase = PhaseConnected
	if id := ch.ConnectionID(); id != "" {
		m.connID = id
	}
	m.attempt = 0
	m.retry.Reset()
	m.terminal = false
	m.connErr = ""
	sel := m.selection
	m.mu.Unlock()

	m.log.Info().Str("connection_id", ch.ConnectionID()).Msg("push channel connected")
	m.metrics.setPhase(PhaseConnected)
	m.notify()

	_ = m.load(ctx, sel)
	if sel.Valid() {
		m.prober.TrySubscribe(ctx, ch, sel.Line, sel.Station)
		m.notify()
	}
	return nil
}

// connectFailedLocked records a failed start and schedules the next retry.
// It is called with m.mu held and releases it.
func (m *Manager) connectFailedLocked(err error) error {
	m.phase = PhaseDisconnected
	m.channel = nil
	m.connID = ""
	m.connErr = "Errore di connessione: " + err.Error()

	delay := m.retry.NextBackOff()
	if delay == backoff.Stop {
		m.terminal = true
		attempts := m.attempt
		m.mu.Unlock()

		m.log.Error().Err(err).Int("attempts", attempts).Msg("unable to connect, giving up")
		m.metrics.setPhase(PhaseDisconnected)
		m.notify()
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}

	m.attempt++
	attempt := m.attempt
	m.retryGen++
	gen := m.retryGen
	m.wg.Add(1)
	stop := m.opts.schedule(delay, func() {
		defer m.wg.Done()
		m.mu.Lock()
		current := m.retryGen == gen && !m.closed
		m.mu.Unlock()
		if current {
			_ = m.Connect(m.ctx)
		}
	})
	m.stopRetry = func() bool {
		if stop() {
			m.wg.Done()
			return true
		}
		return false
	}
	m.mu.Unlock()

	m.log.Warn().Err(err).
		Int("attempt", attempt).
		Int("max_attempts", m.opts.MaxRetries).
		Dur("delay", delay).
		Msg("connect failed, retry scheduled")
	m.metrics.reconnectScheduled()
	m.metrics.setPhase(PhaseDisconnected)
	m.notify()
	return err
}

func (m *Manager) cancelRetryLocked() {
	m.retryGen++
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
}

// Disconnect stops the channel and cancels any scheduled retry.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.cancelRetryLocked()
	ch := m.channel
	m.channel = nil
	m.phase = PhaseDisconnected
	m.connID = ""
	m.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Stop()
		m.log.Info().Msg("push channel disconnected")
	}
	m.metrics.setPhase(PhaseDisconnected)
	m.notify()
	return err
}

// Reconnect tears down the current channel, resets the retry budget and
// connects again.
func (m *Manager) Reconnect(ctx context.Context) error {
	if err := m.Disconnect(); err != nil {
		m.log.Debug().Err(err).Msg("error stopping channel")
	}
	m.mu.Lock()
	m.attempt = 0
	m.retry.Reset()
	m.terminal = false
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Close disconnects and waits for scheduled work to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	err := m.Disconnect()
	m.wg.Wait()
	return err
}

// wire registers the event handlers of ch. It runs before ch.Start so no
// event is missed. Callbacks from a channel that is no longer current are
// ignored.
func (m *Manager) wire(ch Channel) {
	ch.On(EventConnected, func(args []json.RawMessage) {
		if !m.owns(ch) {
			return
		}
		m.metrics.pushEvent(EventConnected)
		id := argText(args)
		m.mu.Lock()
		m.connID = id
		m.mu.Unlock()
		m.log.Debug().Str("connection_id", id).Msg("connected event")
		m.notify()
	})

	ch.On(EventAcquisitionsUpdated, func(args []json.RawMessage) {
		if !m.owns(ch) {
			return
		}
		m.metrics.pushEvent(EventAcquisitionsUpdated)
		var payload json.RawMessage
		if len(args) > 0 {
			payload = args[0]
		}
		records := m.opts.Normalizer.NormalizeAll(payload)
		m.store.Replace(records)
		m.log.Debug().Int("records", len(records)).Msg("acquisitions updated")
		m.pushed(EventAcquisitionsUpdated, records)
	})

	ch.On(EventNewAcquisition, func(args []json.RawMessage) {
		if !m.owns(ch) {
			return
		}
		m.metrics.pushEvent(EventNewAcquisition)
		if len(args) == 0 {
			return
		}
		rec, ok := m.opts.Normalizer.NormalizeFirst(args[0])
		if !ok {
			m.log.Warn().Str("payload", string(args[0])).Msg("ignoring malformed acquisition")
			return
		}
		m.store.Prepend(rec)
		m.log.Debug().Str("id", rec.ID).Msg("new acquisition")
		m.pushed(EventNewAcquisition, []acquisition.Record{rec})
	})

	ch.On(EventError, func(args []json.RawMessage) {
		if !m.owns(ch) {
			return
		}
		m.metrics.pushEvent(EventError)
		msg := argText(args)
		m.mu.Lock()
		m.connErr = msg
		m.mu.Unlock()
		m.log.Warn().Str("message", msg).Msg("server error event")
		m.notify()
	})

	ch.OnClose(func(err error) {
		m.mu.Lock()
		if m.channel != ch {
			m.mu.Unlock()
			return
		}
		m.channel = nil
		m.phase = PhaseDisconnected
		m.connID = ""
		if err != nil {
			m.connErr = "Connessione interrotta: " + err.Error()
		}
		m.mu.Unlock()

		if err != nil {
			m.log.Error().Err(err).Msg("push channel closed with error")
		} else {
			m.log.Info().Msg("push channel closed")
		}
		m.metrics.setPhase(PhaseDisconnected)
		m.notify()
	})

	ch.OnReconnecting(func(err error) {
		m.mu.Lock()
		if m.channel != ch {
			m.mu.Unlock()
			return
		}
		m.phase = PhaseReconnecting
		m.connID = ""
		m.mu.Unlock()

		m.log.Warn().Err(err).Msg("push channel reconnecting")
		m.metrics.setPhase(PhaseReconnecting)
		m.notify()
	})

	ch.OnReconnected(func(id string) {
		m.mu.Lock()
		if m.channel != ch {
			m.mu.Unlock()
			return
		}
		m.phase = PhaseConnected
		m.connID = id
		m.attempt = 0
		m.retry.Reset()
		m.connErr = ""
		sel := m.selection
		m.mu.Unlock()

		m.log.Info().Str("connection_id", id).Msg("push channel reconnected")
		m.metrics.setPhase(PhaseConnected)
		// Subscriptions are per connection on the server side.
		m.prober.Reset()
		m.notify()

		_ = m.load(m.ctx, sel)
		if sel.Valid() {
			m.prober.TrySubscribe(m.ctx, ch, sel.Line, sel.Station)
			m.notify()
		}
	})
}

func (m *Manager) owns(ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel == ch
}

// pushed bumps the data-changed signal and fans the records out.
func (m *Manager) pushed(event string, records []acquisition.Record) {
	m.mu.Lock()
	m.signal++
	v := m.signal
	select {
	case <-m.signals:
	default:
	}
	m.signals <- v
	listeners := append([]RecordsFunc(nil), m.onRecords...)
	m.mu.Unlock()

	m.metrics.records(m.store.Len())
	for _, f := range listeners {
		f(event, records)
	}
	m.notify()
}

// RefreshData makes sel the tracked selection and loads its snapshot. An
// incomplete selection clears the list without any request.
func (m *Manager) RefreshData(ctx context.Context, sel acquisition.Selection) error {
	m.mu.Lock()
	m.selection = sel
	m.mu.Unlock()
	return m.load(ctx, sel)
}

// ClearSelection forgets the tracked selection and empties the list.
func (m *Manager) ClearSelection() {
	m.mu.Lock()
	m.selection = acquisition.Selection{}
	m.fetchErr = ""
	m.mu.Unlock()
	m.store.Clear()
	m.metrics.records(0)
	m.notify()
}

// load fetches the snapshot of sel into the store. A failure keeps the list,
// except on the first load of a selection, which clears it.
func (m *Manager) load(ctx context.Context, sel acquisition.Selection) error {
	if !sel.Valid() {
		m.mu.Lock()
		m.fetchErr = ""
		m.mu.Unlock()
		m.store.Clear()
		m.metrics.records(0)
		m.notify()
		return nil
	}

	initial := !m.store.LoadedFor(sel)
	m.mu.Lock()
	m.loading++
	m.mu.Unlock()
	m.notify()

	records, err := m.opts.Fetcher.Fetch(ctx, sel)
	m.metrics.snapshotFetch(err)

	m.mu.Lock()
	m.loading--
	current := m.selection == sel
	if current {
		if err != nil {
			m.fetchErr = apperr.UserMessage(err)
		} else {
			m.fetchErr = ""
		}
	}
	m.mu.Unlock()

	switch {
	case !current:
		m.log.Debug().Str("selection", sel.String()).Msg("discarding snapshot of a stale selection")
	case err != nil:
		m.log.Error().Err(err).Str("selection", sel.String()).Msg("snapshot fetch failed")
		if initial {
			m.store.Clear()
		}
	default:
		m.store.ReplaceFor(sel, records)
		m.log.Debug().Str("selection", sel.String()).Int("records", len(records)).Msg("snapshot loaded")
	}
	m.metrics.records(m.store.Len())
	m.notify()
	return err
}

// Subscribe asks the server to push updates for sel on the current
// connection. It reports whether a subscribe call succeeded.
func (m *Manager) Subscribe(ctx context.Context, sel acquisition.Selection) bool {
	ch := m.connected()
	if ch == nil {
		return false
	}
	ok := m.prober.TrySubscribe(ctx, ch, sel.Line, sel.Station)
	m.notify()
	return ok
}

// SendMessage invokes method on the hub. It returns false when not connected
// or when the call fails; unknown methods are not logged as errors.
func (m *Manager) SendMessage(ctx context.Context, method string, args ...any) bool {
	ch := m.connected()
	if ch == nil {
		return false
	}
	if err := ch.Invoke(ctx, method, args...); err != nil {
		if apperr.IsHubMethodMissing(err) {
			m.log.Debug().Str("method", method).Err(err).Msg("hub method not supported")
			return false
		}
		m.log.Error().Str("method", method).Err(err).Msg("error sending message")
		return false
	}
	return true
}

func (m *Manager) connected() Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseConnected {
		return nil
	}
	return m.channel
}

// State returns a snapshot of the manager.
func (m *Manager) State() State {
	m.mu.Lock()
	s := State{
		Phase:            m.phase,
		ConnectionID:     m.connID,
		ReconnectAttempt: m.attempt,
		RetriesExhausted: m.terminal,
		Error:            m.connErr,
		FetchError:       m.fetchErr,
		Selection:        m.selection,
		Loading:          m.loading > 0,
		Signal:           m.signal,
	}
	m.mu.Unlock()

	if method, supported, ok := m.prober.Method(); ok {
		if supported {
			s.SubscribeMethod = method
		} else {
			s.SubscribeMethod = "unsupported"
		}
	}
	s.Records = m.store.Len()
	s.LastUpdated = m.store.LastUpdated()
	return s
}

// Records returns the live record list, newest first.
func (m *Manager) Records() []acquisition.Record {
	return m.store.Records()
}

// Latest returns the newest record of the tracked selection.
func (m *Manager) Latest() (acquisition.Record, bool) {
	m.mu.Lock()
	sel := m.selection
	m.mu.Unlock()
	if !sel.Valid() {
		return acquisition.Record{}, false
	}
	return m.store.Latest(sel)
}

// Signals delivers the data-changed counter, which increases on every push
// event. Only the latest value is buffered.
func (m *Manager) Signals() <-chan uint64 {
	return m.signals
}

// OnChange registers f to receive the state after every change. f must not
// block.
func (m *Manager) OnChange(f func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, f)
}

// OnRecords registers f to receive the records of every push event.
func (m *Manager) OnRecords(f RecordsFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecords = append(m.onRecords, f)
}

// notify sends the current state to change listeners, skipping repeats.
func (m *Manager) notify() {
	m.mu.Lock()
	listeners := append([]func(State){}, m.onChange...)
	m.mu.Unlock()
	if len(listeners) == 0 {
		return
	}

	s := m.State()
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if m.hasNotified && s == m.lastNotify {
		return
	}
	m.lastNotify = s
	m.hasNotified = true
	for _, f := range listeners {
		f(s)
	}
}

// argText reads the first argument as a string. Non-string payloads are
// returned as raw JSON.
func argText(args []json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[0], &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(args[0]))
}

var _ Channel = (*hubclient.Client)(nil)
