// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "note"

var (
	// KernelsStarted counts successful kernel launches.
	// Labels: kernelspec
	KernelsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kernels",
		Name:      "started_total",
		Help:      "Total kernel incarnations started",
	}, []string{"kernelspec"})

	// KernelsDied counts kernel deaths.
	// Labels: reason (exit, heartbeat, shutdown, restart, launch)
	KernelsDied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kernels",
		Name:      "died_total",
		Help:      "Total kernel incarnations that reached the dead state",
	}, []string{"reason"})

	// KernelsRunning tracks live kernels.
	KernelsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "kernels",
		Name:      "running",
		Help:      "Kernels currently not dead",
	})

	// Executions counts finished executions.
	// Labels: status (ok, error, aborted, kernel_died, timeout, cancelled, failed)
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "execution",
		Name:      "total",
		Help:      "Total executions by outcome",
	}, []string{"status"})

	// ExecutionLatency measures dispatch-to-completion time.
	ExecutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "execution",
		Name:      "duration_seconds",
		Help:      "Execution latency from dispatch to idle",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	})

	// QueueDepth tracks requests waiting behind the in-flight one.
	// Labels: kernel_id
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "execution",
		Name:      "queue_depth",
		Help:      "Pending execute requests per kernel",
	}, []string{"kernel_id"})

	// WebSocketConnections tracks open channel connections.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "websocket_connections",
		Help:      "Open kernel channel WebSocket connections",
	})

	// MalformedFrames counts frames rejected by the codec.
	// Labels: source (kernel, client)
	MalformedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "malformed_frames_total",
		Help:      "Frames dropped because they failed to decode",
	}, []string{"source"})

	// Culled counts kernels removed by the culler.
	// Labels: reason (idle, pruned)
	Culled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "culler",
		Name:      "kernels_total",
		Help:      "Kernels shut down or pruned by the culler",
	}, []string{"reason"})
)

// Handler returns the exposition handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
