// Package metrics exposes the prometheus collectors of the SPV client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "spvkit"

var (
	connectedPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "peer_group",
		Name:      "connected_peers",
		Help:      "Number of peers with a completed handshake.",
	}, []string{"network"})

	headersAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "headers_accepted_total",
		Help:      "Count of headers accepted into the chain.",
	}, []string{"network"})

	chainHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "tip_height",
		Help:      "Height of the main chain tip.",
	}, []string{"network"})

	validationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "validation_failures_total",
		Help:      "Count of rejected header batches by reason.",
	}, []string{"network", "reason"})

	taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "peer",
		Name:      "tasks_total",
		Help:      "Count of finished peer tasks.",
	}, []string{"kind", "status"})

	indexRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "index_client",
		Name:      "request_duration_seconds",
		Help:      "Duration of address index API requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "status"})
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// PeerGroup records peer group and chain metrics for one network.
type PeerGroup struct {
	network string
}

func NewPeerGroup(network string) *PeerGroup {
	if network == "" {
		network = "unknown"
	}
	return &PeerGroup{network: network}
}

func (m *PeerGroup) SetConnectedPeers(n int) {
	connectedPeers.WithLabelValues(m.network).Set(float64(n))
}

func (m *PeerGroup) HeadersAccepted(n int, tipHeight int32) {
	headersAccepted.WithLabelValues(m.network).Add(float64(n))
	chainHeight.WithLabelValues(m.network).Set(float64(tipHeight))
}

func (m *PeerGroup) ValidationFailed(reason string) {
	validationFailures.WithLabelValues(m.network, reason).Inc()
}

func (m *PeerGroup) TaskFinished(kind string, err error) {
	taskOutcomes.WithLabelValues(kind, status(err)).Inc()
}

// ObserveIndexRequest records one address index API call.
func ObserveIndexRequest(operation string, err error, started time.Time) {
	indexRequests.WithLabelValues(operation, status(err)).Observe(time.Since(started).Seconds())
}
