package realtime

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/smartmob/pantarei/internal/apperr"
)

// SubscribeCandidates are the hub method names tried, in order, when
// subscribing to a line and station. Server deployments disagree on the name.
var SubscribeCandidates = []string{
	"SubscribeToLineaPostazione",
	"SubscribeLineaPostazione",
	"SubscribeToPostazione",
	"Subscribe",
	"SubscribeToLineaEPostazione",
}

// Invoker calls a hub method and waits for its completion.
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...any) error
}

// Subscribe outcomes, as reported to metrics.
const (
	outcomeCached      = "cached"
	outcomeProbed      = "probed"
	outcomeUnsupported = "unsupported"
	outcomeFailed      = "failed"
)

// Prober discovers which subscribe method the server accepts and remembers
// the answer for the lifetime of one connection.
type Prober struct {
	log     zerolog.Logger
	metrics *Metrics

	probeMu sync.Mutex // one probe at a time

	mu         sync.Mutex
	generation uint64
	method     string
	supported  *bool // nil until known
}

// NewProber creates a prober with nothing cached.
func NewProber(log zerolog.Logger, metrics *Metrics) *Prober {
	return &Prober{
		log:     log.With().Str("component", "prober").Logger(),
		metrics: metrics,
	}
}

// Reset forgets the discovered method. Call it for every new connection.
// A probe still running against the old connection does not cache its result.
func (p *Prober) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.method = ""
	p.supported = nil
}

// Method returns the discovered method name and whether subscribing is
// supported at all. ok is false while nothing is known.
func (p *Prober) Method() (method string, supported, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.supported == nil {
		return "", false, false
	}
	return p.method, *p.supported, true
}

// TrySubscribe subscribes inv to the line and station and reports whether a
// subscribe call succeeded. Method-missing replies move on to the next
// candidate; any other error stops probing and returns false.
func (p *Prober) TrySubscribe(ctx context.Context, inv Invoker, line, station string) bool {
	if isNil(inv) || strings.TrimSpace(line) == "" || strings.TrimSpace(station) == "" {
		return false
	}

	p.probeMu.Lock()
	defer p.probeMu.Unlock()

	p.mu.Lock()
	gen := p.generation
	method := p.method
	supported := p.supported
	p.mu.Unlock()

	if supported != nil && !*supported {
		p.metrics.subscribe(outcomeUnsupported)
		return false
	}

	if method != "" {
		err := inv.Invoke(ctx, method, line, station)
		if err == nil {
			p.metrics.subscribe(outcomeCached)
			return true
		}
		if !apperr.IsHubMethodMissing(err) {
			p.log.Warn().Err(err).Str("method", method).Msg("subscribe failed")
			p.metrics.subscribe(outcomeFailed)
			return false
		}
		p.log.Info().Str("method", method).Msg("cached subscribe method disappeared, probing again")
		p.store(gen, "", nil)
	}

	for _, candidate := range SubscribeCandidates {
		err := inv.Invoke(ctx, candidate, line, station)
		if err == nil {
			ok := true
			p.store(gen, candidate, &ok)
			p.log.Info().Str("method", candidate).Str("line", line).Str("station", station).Msg("subscribed")
			p.metrics.subscribe(outcomeProbed)
			return true
		}
		if apperr.IsHubMethodMissing(err) {
			p.log.Debug().Str("method", candidate).Msg("hub method not supported")
			continue
		}
		p.log.Warn().Err(err).Str("method", candidate).Msg("subscribe probe failed")
		p.metrics.subscribe(outcomeFailed)
		return false
	}

	unsupported := false
	p.store(gen, "", &unsupported)
	p.log.Warn().Msg("server supports none of the subscribe methods")
	p.metrics.subscribe(outcomeUnsupported)
	return false
}

func (p *Prober) store(gen uint64, method string, supported *bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen {
		return
	}
	p.method = method
	p.supported = supported
}

func isNil(inv Invoker) bool {
	if inv == nil {
		return true
	}
	v := reflect.ValueOf(inv)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
