package realtime

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of the realtime layer. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Phase             prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	PushEvents        *prometheus.CounterVec
	SnapshotFetches   *prometheus.CounterVec
	SubscribeOutcomes *prometheus.CounterVec
	Records           prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with registry.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pantarei_connection_phase",
			Help: "Push channel phase (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pantarei_reconnect_attempts_total",
			Help: "Scheduled manual reconnect attempts",
		}),
		PushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pantarei_push_events_total",
			Help: "Push events received, by event name",
		}, []string{"event"}),
		SnapshotFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pantarei_snapshot_fetches_total",
			Help: "REST snapshot fetches, by result",
		}, []string{"result"}),
		SubscribeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pantarei_subscribe_outcomes_total",
			Help: "Subscribe attempts, by outcome",
		}, []string{"outcome"}),
		Records: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pantarei_records",
			Help: "Records currently held in the live view",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register realtime metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) setPhase(p Phase) {
	if m == nil {
		return
	}
	m.Phase.Set(float64(p))
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) pushEvent(name string) {
	if m == nil {
		return
	}
	m.PushEvents.WithLabelValues(name).Inc()
}

func (m *Metrics) snapshotFetch(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SnapshotFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) subscribe(outcome string) {
	if m == nil {
		return
	}
	m.SubscribeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) records(n int) {
	if m == nil {
		return
	}
	m.Records.Set(float64(n))
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.Phase
	ch <- m.ReconnectAttempts
	m.PushEvents.Collect(ch)
	m.SnapshotFetches.Collect(ch)
	m.SubscribeOutcomes.Collect(ch)
	ch <- m.Records
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.Phase.Desc()
	ch <- m.ReconnectAttempts.Desc()
	m.PushEvents.Describe(ch)
	m.SnapshotFetches.Describe(ch)
	m.SubscribeOutcomes.Describe(ch)
	ch <- m.Records.Desc()
}
