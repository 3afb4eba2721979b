package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	WebhookPayloads   *prometheus.CounterVec
	MessagesIngested  *prometheus.CounterVec
	DuplicateMessages prometheus.Counter
	StatusUpdates     *prometheus.CounterVec
	RelayClients      prometheus.Gauge
	RelayEvents       *prometheus.CounterVec
	RelayDropped      prometheus.Counter
	Dispatches        *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookPayloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wprelay_webhook_payloads_total",
			Help: "Webhook deliveries by result (ok, invalid, error).",
		}, []string{"result"}),
		MessagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wprelay_messages_ingested_total",
			Help: "Messages stored, by direction and source.",
		}, []string{"direction", "source"}),
		DuplicateMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wprelay_duplicate_messages_total",
			Help: "Redelivered webhook messages that were already stored.",
		}),
		StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wprelay_status_updates_total",
			Help: "Status notifications by result (matched, unmatched, skipped).",
		}, []string{"result"}),
		RelayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wprelay_relay_clients",
			Help: "Connected push clients.",
		}),
		RelayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wprelay_relay_events_total",
			Help: "Events fanned out to push clients, by event name.",
		}, []string{"event"}),
		RelayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wprelay_relay_dropped_clients_total",
			Help: "Push clients disconnected because their buffer was full.",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wprelay_dispatches_total",
			Help: "Outbound provider sends by result (sent, failed, dropped).",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.WebhookPayloads,
		m.MessagesIngested,
		m.DuplicateMessages,
		m.StatusUpdates,
		m.RelayClients,
		m.RelayEvents,
		m.RelayDropped,
		m.Dispatches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// NewUnregistered returns collectors that are not exposed anywhere. Handy in
// tests and tools that do not serve /metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
