// Package metrics exposes the server's Prometheus collectors. Collectors are
// registered on the default registry at init so every package can record
// without plumbing a registry handle around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "raidsync"

var (
	// ConnectedAgents tracks the number of currently attached peers.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_agents",
		Help:      "Number of agents currently attached to the hub.",
	})

	// ActiveStreams tracks the number of live transcoding pipelines.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_streams",
		Help:      "Number of active per-agent stream pipelines.",
	})

	// BroadcastFrames counts text frames fanned out to peers.
	BroadcastFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_frames_total",
		Help:      "Total control frames broadcast to all peers.",
	})

	// DroppedFrames counts outbound frames discarded because a peer's send
	// queue overflowed.
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_frames_total",
		Help:      "Total outbound frames dropped due to slow peers.",
	})

	// IngestBytes counts binary video bytes accepted into pipelines.
	IngestBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_bytes_total",
		Help:      "Total video chunk bytes routed into stream pipelines.",
	})

	// DroppedChunks counts video chunks discarded because a pipeline's ingest
	// queue was full.
	DroppedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_chunks_total",
		Help:      "Total video chunks dropped due to a saturated pipeline.",
	})

	// UploadFailures counts archive uploads that did not complete.
	UploadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_failures_total",
		Help:      "Total archive uploads that failed at any step.",
	})
)
