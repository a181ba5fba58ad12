package internet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the narrow interface every package below pkg/internet depends
// on to report simulation events. Keeping the interface here (rather than a
// concrete *Metrics) means only pkg/internet imports the prometheus client
// directly; everything underneath it takes a Recorder.
type Recorder interface {
	MessageSent()
	FragmentReassembled()
	SessionCreated()
	DeliveryDropped(reason string)
}

// Metrics is the concrete Recorder for one simulation run, backed by its
// own prometheus.Registry so multiple runs (e.g. in tests) never collide on
// the default global registerer.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent         prometheus.Counter
	fragmentsReassembled prometheus.Counter
	sessionsCreated      prometheus.Counter
	deliveriesDropped    *prometheus.CounterVec
}

// NewMetrics constructs a Metrics with a fresh registry and registers its
// collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "elvis_messages_sent_total",
			Help: "Total number of messages submitted to a network fabric.",
		}),
		fragmentsReassembled: factory.NewCounter(prometheus.CounterOpts{
			Name: "elvis_fragments_reassembled_total",
			Help: "Total number of IPv4 datagrams completed by fragment reassembly.",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "elvis_sessions_created_total",
			Help: "Total number of protocol sessions created across all layers.",
		}),
		deliveriesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "elvis_deliveries_dropped_total",
			Help: "Total number of deliveries dropped, labeled by reason.",
		}, []string{"reason"}),
	}
}

// Registry exposes the underlying registry for a caller that wants to serve
// it (e.g. via an HTTP handler); cmd/elvis does not serve it.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) MessageSent() {
	m.messagesSent.Inc()
}

func (m *Metrics) FragmentReassembled() {
	m.fragmentsReassembled.Inc()
}

func (m *Metrics) SessionCreated() {
	m.sessionsCreated.Inc()
}

func (m *Metrics) DeliveryDropped(reason string) {
	m.deliveriesDropped.WithLabelValues(reason).Inc()
}

// noopRecorder discards every event; used when a caller doesn't supply a
// Recorder via WithRecorder.
type noopRecorder struct{}

func (noopRecorder) MessageSent()           {}
func (noopRecorder) FragmentReassembled()   {}
func (noopRecorder) SessionCreated()        {}
func (noopRecorder) DeliveryDropped(string) {}
