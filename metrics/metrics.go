// Package metrics exposes swarm scheduling state as Prometheus collectors.
//
// Every method is safe to call on a nil *Collector so components can take an
// optional collector without branching.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cellswarm"

// Dial results used as the result label of dials_total.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"
)

// Collector holds the swarm's gauges and counters.
type Collector struct {
	peers            prometheus.Gauge
	clientSockets    prometheus.Gauge
	serverSockets    prometheus.Gauge
	queueLength      prometheus.Gauge
	queuePrioritised prometheus.Gauge

	dials      *prometheus.CounterVec
	duplicates prometheus.Counter
	forgotten  prometheus.Counter
	rejected   prometheus.Counter
}

// New creates a collector and registers it with reg. A nil reg leaves the
// collectors unregistered, which tests use.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Connected or connecting peers.",
		}),
		clientSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_sockets",
			Help:      "Outbound connection attempts and sessions.",
		}),
		serverSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_sockets",
			Help:      "Accepted inbound sessions.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Records waiting in the live queue.",
		}),
		queuePrioritised: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_prioritised",
			Help:      "High and medium priority records waiting in the live queue.",
		}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dials_total",
			Help:      "Connection attempts by result.",
		}, []string{"result"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_dropped_total",
			Help:      "Connections dropped as duplicates.",
		}),
		forgotten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forgotten_total",
			Help:      "Records evicted by a forget timer.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_rejected_total",
			Help:      "Candidates rejected while the peer budget was exhausted.",
		}),
	}

	if reg == nil {
		return c, nil
	}

	for _, col := range c.collectors() {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.peers, c.clientSockets, c.serverSockets,
		c.queueLength, c.queuePrioritised,
		c.dials, c.duplicates, c.forgotten, c.rejected,
	}
}

// SetSockets publishes the scheduler's slot counters.
func (c *Collector) SetSockets(peers, client, server int) {
	if c == nil {
		return
	}
	c.peers.Set(float64(peers))
	c.clientSockets.Set(float64(client))
	c.serverSockets.Set(float64(server))
}

// SetQueue publishes the live queue size.
func (c *Collector) SetQueue(length, prioritised int) {
	if c == nil {
		return
	}
	c.queueLength.Set(float64(length))
	c.queuePrioritised.Set(float64(prioritised))
}

// Dial counts one finished connection attempt.
func (c *Collector) Dial(result string) {
	if c == nil {
		return
	}
	c.dials.WithLabelValues(result).Inc()
}

// Duplicate counts one connection dropped by deduplication.
func (c *Collector) Duplicate() {
	if c == nil {
		return
	}
	c.duplicates.Inc()
}

// Forgotten counts records evicted by a forget timer.
func (c *Collector) Forgotten(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.forgotten.Add(float64(n))
}

// Rejected counts one candidate rejected at the admission gate.
func (c *Collector) Rejected() {
	if c == nil {
		return
	}
	c.rejected.Inc()
}
