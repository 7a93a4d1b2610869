// Package metrics holds the prometheus collectors of the sync engine and of
// chatd. Every method is safe on a nil receiver so components can run
// without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Engine counts what the client-side sync engine does.
type Engine struct {
	EventsDispatched *prometheus.CounterVec
	ReplaysDropped   prometheus.Counter
	Reconciliations  prometheus.Counter
	PageLoads        *prometheus.CounterVec
	Sends            *prometheus.CounterVec
	Subscriptions    prometheus.Gauge
}

// NewEngine creates the engine collectors and registers them on reg when it is not nil.
func NewEngine(reg prometheus.Registerer) *Engine {
	m := &Engine{
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "events_dispatched_total",
			Help: "Push events applied, by event name.",
		}, []string{"event"}),
		ReplaysDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "event_replays_dropped_total",
			Help: "Push events dropped because they were already applied.",
		}),
		Reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "reconciliations_total",
			Help: "Refetches triggered by reconnects or unknown references.",
		}),
		PageLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "page_loads_total",
			Help: "Message page fetches, by outcome.",
		}, []string{"result"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "sends_total",
			Help: "Message sends, by outcome.",
		}, []string{"result"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "channel_subscriptions",
			Help: "Channels with a nonzero reference count.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsDispatched, m.ReplaysDropped, m.Reconciliations, m.PageLoads, m.Sends, m.Subscriptions)
	}
	return m
}

func (m *Engine) EventDispatched(event string) {
	if m != nil {
		m.EventsDispatched.WithLabelValues(event).Inc()
	}
}

func (m *Engine) ReplayDropped() {
	if m != nil {
		m.ReplaysDropped.Inc()
	}
}

func (m *Engine) Reconciled() {
	if m != nil {
		m.Reconciliations.Inc()
	}
}

// PageLoaded records a page fetch; result is "ok", "error" or "stale".
func (m *Engine) PageLoaded(result string) {
	if m != nil {
		m.PageLoads.WithLabelValues(result).Inc()
	}
}

// SendSettled records a send; result is "sent" or "failed".
func (m *Engine) SendSettled(result string) {
	if m != nil {
		m.Sends.WithLabelValues(result).Inc()
	}
}

func (m *Engine) SetSubscriptions(n int) {
	if m != nil {
		m.Subscriptions.Set(float64(n))
	}
}

// Server counts chatd requests and push fan-out.
type Server struct {
	Requests    *prometheus.CounterVec
	PushStreams prometheus.Gauge
	PushFrames  *prometheus.CounterVec
}

// NewServer creates the server collectors and registers them on reg when it is not nil.
func NewServer(reg prometheus.Registerer) *Server {
	m := &Server{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "requests_total",
			Help: "Gateway requests, by method and status code.",
		}, []string{"method", "code"}),
		PushStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "push_streams",
			Help: "Open push streams.",
		}),
		PushFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "push_frames_total",
			Help: "Push frames written to streams, by event name.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.PushStreams, m.PushFrames)
	}
	return m
}

func (m *Server) Request(method, code string) {
	if m != nil {
		m.Requests.WithLabelValues(method, code).Inc()
	}
}

func (m *Server) StreamOpened() {
	if m != nil {
		m.PushStreams.Inc()
	}
}

func (m *Server) StreamClosed() {
	if m != nil {
		m.PushStreams.Dec()
	}
}

func (m *Server) FrameSent(event string) {
	if m != nil {
		m.PushFrames.WithLabelValues(event).Inc()
	}
}

// Handler serves the collectors of g in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
