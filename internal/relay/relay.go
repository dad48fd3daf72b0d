// Package relay republishes the acquisitions delivered by the push channel to
// an MQTT broker, one message per record on <prefix>/<line>/<station>.
package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartmob/pantarei/internal/acquisition"
)

const queueSize = 256

// Message is the JSON body published for each record.
type Message struct {
	Event       string             `json:"event"`
	Quality     string             `json:"quality"`
	Record      acquisition.Record `json:"record"`
	PublishedAt time.Time          `json:"publishedAt"`
}

type item struct {
	event  string
	record acquisition.Record
}

// Relay queues pushed records and publishes them in order.
type Relay struct {
	pub    Publisher
	prefix string
	log    zerolog.Logger
	queue  chan item

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a relay publishing under prefix.
func New(pub Publisher, prefix string, log zerolog.Logger) *Relay {
	return &Relay{
		pub:    pub,
		prefix: strings.Trim(prefix, "/"),
		log:    log.With().Str("component", "relay").Logger(),
		queue:  make(chan item, queueSize),
	}
}

// Handle enqueues the records of a push event. It never blocks; records
// that do not fit in the queue are dropped.
func (r *Relay) Handle(event string, records []acquisition.Record) {
	for _, rec := range records {
		select {
		case r.queue <- item{event: event, record: rec}:
		default:
			r.dropped.Add(1)
			r.log.Warn().Str("id", rec.ID).Msg("relay queue full, record dropped")
		}
	}
}

// Run connects the publisher and publishes queued records until ctx is
// done. A failed first connect is logged, not fatal: records published
// while the broker is away are counted as failed.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.pub.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn().Err(err).Msg("MQTT broker unavailable")
	}
	defer r.pub.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-r.queue:
			r.publish(ctx, it)
		}
	}
}

func (r *Relay) publish(ctx context.Context, it item) {
	topic := Topic(r.prefix, it.record)
	data, err := json.Marshal(Message{
		Event:       it.event,
		Quality:     string(it.record.Quality()),
		Record:      it.record,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		r.failed.Add(1)
		r.log.Error().Err(err).Str("id", it.record.ID).Msg("failed to encode record")
		return
	}
	if err := r.pub.Publish(ctx, topic, data); err != nil {
		r.failed.Add(1)
		r.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		return
	}
	r.published.Add(1)
	r.log.Debug().Str("topic", topic).Str("id", it.record.ID).Msg("record published")
}

// Stats returns the published, dropped and failed counts.
func (r *Relay) Stats() (published, dropped, failed uint64) {
	return r.published.Load(), r.dropped.Load(), r.failed.Load()
}

// Topic returns <prefix>/<line>/<station> for rec. Missing codes become "_";
// MQTT wildcard and separator characters are replaced.
func Topic(prefix string, rec acquisition.Record) string {
	parts := []string{topicSegment(rec.LineCode), topicSegment(rec.StationCode)}
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

var segmentReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func topicSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return segmentReplacer.Replace(s)
}
