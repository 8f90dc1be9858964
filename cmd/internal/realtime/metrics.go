package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Manager's Prometheus collectors.
type Metrics struct {
	Connected           prometheus.Gauge
	ConnectAttempts     prometheus.Counter
	ReconnectsScheduled prometheus.Counter
	ReconnectsExhausted prometheus.Counter
	Resubscribes        prometheus.Counter
	MessagesReceived    prometheus.Counter
	EchoesSuppressed    prometheus.Counter
	FramesRejected      prometheus.Counter
	EventsDropped       prometheus.Counter
	Sends               *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const ns, sub = "chatsync", "realtime"
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Subsystem: sub, Name: name, Help: help})
	}

	m := &Metrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "connected",
			Help: "1 while the chat connection is established and settled.",
		}),
		ConnectAttempts:     counter("connect_attempts_total", "Transport activations dispatched."),
		ReconnectsScheduled: counter("reconnects_scheduled_total", "Reconnect timers armed after a drop."),
		ReconnectsExhausted: counter("reconnects_exhausted_total", "Times the reconnect cap was reached."),
		Resubscribes:        counter("resubscribes_total", "Topics restored after a reconnect."),
		MessagesReceived:    counter("messages_received_total", "Inbound messages forwarded to listeners."),
		EchoesSuppressed:    counter("echoes_suppressed_total", "Inbound frames dropped as echoes of local sends."),
		FramesRejected:      counter("frames_rejected_total", "Inbound frames that failed to decode."),
		EventsDropped:       counter("events_dropped_total", "Watch events dropped for slow taps."),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "sends_total",
			Help: "Send attempts by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Connected,
			m.ConnectAttempts,
			m.ReconnectsScheduled,
			m.ReconnectsExhausted,
			m.Resubscribes,
			m.MessagesReceived,
			m.EchoesSuppressed,
			m.FramesRejected,
			m.EventsDropped,
			m.Sends,
		)
	}
	return m
}
