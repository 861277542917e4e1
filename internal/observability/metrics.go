package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/huohua/socialcall/internal/apicaller"
)

// Metrics records API call lifecycle counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	calls          *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	authorizations *prometheus.CounterVec
}

// Compile-time check that Metrics implements apicaller.Recorder interface
var _ apicaller.Recorder = (*Metrics)(nil)

// NewMetrics creates the counters plus Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socialcall",
			Name:      "api_calls_total",
			Help:      "API calls started, by method and whether authorization was required first.",
		}, []string{"method", "deferred"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socialcall",
			Name:      "api_call_outcomes_total",
			Help:      "Terminal outcomes of API calls, by kind.",
		}, []string{"kind"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socialcall",
			Name:      "authorization_outcomes_total",
			Help:      "Authorization outcomes observed by deferred calls.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.calls,
		m.outcomes,
		m.authorizations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CallStarted counts a call by method and whether it waited for authorization.
func (m *Metrics) CallStarted(req *apicaller.Request, deferred bool) {
	label := "false"
	if deferred {
		label = "true"
	}
	m.calls.WithLabelValues(req.Method, label).Inc()
}

// CallFinished counts a terminal outcome.
func (m *Metrics) CallFinished(kind apicaller.Kind) {
	m.outcomes.WithLabelValues(kind.String()).Inc()
}

// AuthorizationOutcome counts how a deferred call's authorization ended.
func (m *Metrics) AuthorizationOutcome(outcome string) {
	m.authorizations.WithLabelValues(outcome).Inc()
}
