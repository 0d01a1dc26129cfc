// Package metrics holds the prometheus instruments shared by the negotiator
// and the mailbox server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "squawk"

// Metrics is the instrument registry. Construct with New; a Metrics built
// with a nil registerer records nothing visible but stays safe to use, which
// keeps call sites free of nil checks.
type Metrics struct {
	SessionsStarted   *prometheus.CounterVec // role
	StateTransitions  *prometheus.CounterVec // state
	CandidatesRelayed prometheus.Counter
	CandidatesDeduped prometheus.Counter

	RPCRequests   *prometheus.CounterVec // type
	RPCErrors     *prometheus.CounterVec // code
	ActiveWatches prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Negotiation sessions started, by role taken.",
		}, []string{"role"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Negotiator state machine transitions, by destination state.",
		}, []string{"state"}),
		CandidatesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_relayed_total",
			Help:      "Remote connectivity candidates forwarded to the media transport.",
		}),
		CandidatesDeduped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_deduplicated_total",
			Help:      "Duplicate candidate deliveries dropped before the media transport.",
		}),
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_rpc_requests_total",
			Help:      "Mailbox RPC requests handled, by request type.",
		}, []string{"type"}),
		RPCErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_rpc_errors_total",
			Help:      "Mailbox RPC requests rejected, by error code.",
		}, []string{"code"}),
		ActiveWatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mailbox_active_watches",
			Help:      "Mailbox subscriptions currently registered.",
		}),
	}
}
