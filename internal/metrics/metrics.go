// Package metrics exposes coordination counters, gauges and histograms on a
// per-node prometheus registry. Every method is safe on a nil *Metrics, so
// components built without metrics need no guards.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sheetpub"

// Metrics holds every collector of one node
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished     *prometheus.CounterVec
	peerRequests        *prometheus.CounterVec
	peerRequestDuration *prometheus.HistogramVec
	heartbeatsReceived  prometheus.Counter
	unreachable         prometheus.Counter
	evicted             prometheus.Counter
	elections           *prometheus.CounterVec
	isLeader            prometheus.Gauge
	proposals           *prometheus.CounterVec
	votes               *prometheus.CounterVec
	accepted            *prometheus.CounterVec
	applyFailures       *prometheus.CounterVec
	applyDuration       prometheus.Histogram
	lockOps             *prometheus.CounterVec
	locksHeld           prometheus.Gauge
	clockDrift          prometheus.Gauge
	quorumHealthy       prometheus.Gauge
	quorumRequired      prometheus.Gauge
	relayMessages       *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Events delivered on the local bus by type and origin.",
		}, []string{"type", "origin"}),
		peerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "peer_requests_total",
			Help: "Outbound peer requests by endpoint and result.",
		}, []string{"endpoint", "result"}),
		peerRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "peer_request_duration_seconds",
			Help:    "Latency of outbound peer requests.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"endpoint"}),
		heartbeatsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_received_total",
			Help: "Heartbeats received from peers.",
		}),
		unreachable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "participants_unreachable_total",
			Help: "Participants marked unreachable by the timeout sweep.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "participants_evicted_total",
			Help: "Unreachable participants removed from the local view.",
		}),
		elections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "elections_total",
			Help: "Election rounds by outcome.",
		}, []string{"outcome"}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "is_leader",
			Help: "1 when the local instance is leader.",
		}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proposals_total",
			Help: "Proposal attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_total",
			Help: "Votes collected for local proposals.",
		}, []string{"vote"}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proposals_accepted_total",
			Help: "Proposals that reached quorum.",
		}, []string{"kind"}),
		applyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "apply_failures_total",
			Help: "Accepted proposals whose local apply failed.",
		}, []string{"kind"}),
		applyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "apply_duration_seconds",
			Help:    "Duration of applying accepted proposals.",
			Buckets: prometheus.DefBuckets,
		}),
		lockOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_operations_total",
			Help: "Lock operations by operation and result.",
		}, []string{"op", "result"}),
		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "locks_held",
			Help: "Locks currently held by this leader.",
		}),
		clockDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "clock_drift_ms",
			Help: "Latest estimated clock drift against the leader.",
		}),
		quorumHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "quorum_healthy",
			Help: "Healthy instances counted by the last quorum check, self included.",
		}),
		quorumRequired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "quorum_required",
			Help: "Instances required for quorum at the last check.",
		}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_messages_total",
			Help: "Events moved through the message queue relay by direction and result.",
		}, []string{"direction", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsPublished, m.peerRequests, m.peerRequestDuration,
		m.heartbeatsReceived, m.unreachable, m.evicted,
		m.elections, m.isLeader,
		m.proposals, m.votes, m.accepted, m.applyFailures, m.applyDuration,
		m.lockOps, m.locksHeld, m.clockDrift,
		m.quorumHealthy, m.quorumRequired,
		m.relayMessages,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// EventDelivered counts an event seen on the bus
func (m *Metrics) EventDelivered(eventType string, local bool) {
	if m == nil {
		return
	}
	origin := "remote"
	if local {
		origin = "local"
	}
	m.eventsPublished.WithLabelValues(eventType, origin).Inc()
}

// PeerRequest records one outbound call
func (m *Metrics) PeerRequest(endpoint string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.peerRequests.WithLabelValues(endpoint, result(err)).Inc()
	m.peerRequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// HeartbeatReceived counts an inbound heartbeat
func (m *Metrics) HeartbeatReceived() {
	if m == nil {
		return
	}
	m.heartbeatsReceived.Inc()
}

// ParticipantsUnreachable counts participants flipped to unreachable
func (m *Metrics) ParticipantsUnreachable(n int) {
	if m == nil {
		return
	}
	m.unreachable.Add(float64(n))
}

// ParticipantsEvicted counts participants removed from the view
func (m *Metrics) ParticipantsEvicted(n int) {
	if m == nil {
		return
	}
	m.evicted.Add(float64(n))
}

// Election records an election round; outcome is elected, changed or unchanged
func (m *Metrics) Election(outcome string, selfIsLeader bool) {
	if m == nil {
		return
	}
	m.elections.WithLabelValues(outcome).Inc()
	if selfIsLeader {
		m.isLeader.Set(1)
	} else {
		m.isLeader.Set(0)
	}
}

// Proposal records a proposal attempt
func (m *Metrics) Proposal(kind, outcome string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(kind, outcome).Inc()
}

// Vote records a collected vote
func (m *Metrics) Vote(vote string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(vote).Inc()
}

// Accepted records a proposal reaching quorum
func (m *Metrics) Accepted(kind string) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(kind).Inc()
}

// Applied records the outcome and duration of applying a proposal
func (m *Metrics) Applied(kind string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.applyDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.applyFailures.WithLabelValues(kind).Inc()
	}
}

// LockOp records a lock operation and the number of locks now held
func (m *Metrics) LockOp(op, outcome string, held int) {
	if m == nil {
		return
	}
	m.lockOps.WithLabelValues(op, outcome).Inc()
	m.locksHeld.Set(float64(held))
}

// ClockDrift records the latest drift sample
func (m *Metrics) ClockDrift(driftMs int64) {
	if m == nil {
		return
	}
	m.clockDrift.Set(float64(driftMs))
}

// Quorum records the last computed quorum
func (m *Metrics) Quorum(healthy, required int) {
	if m == nil {
		return
	}
	m.quorumHealthy.Set(float64(healthy))
	m.quorumRequired.Set(float64(required))
}

// RelayMessage counts one event published to or consumed from the queue relay
func (m *Metrics) RelayMessage(direction string, err error) {
	if m == nil {
		return
	}
	m.relayMessages.WithLabelValues(direction, result(err)).Inc()
}
