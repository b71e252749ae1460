// Registers:
//
//	#tokenfeed_connection_state
//	#tokenfeed_reconnects_total
//	#tokenfeed_frames_received_total
//	#tokenfeed_frames_dropped_total
//	#tokenfeed_reconnect_exhausted_total
//	#go_* and process_* system metrics
//
// The dashboard server exposes them through Handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tokenfeed_connection_state",
			Help: "Current connection state per client (0 idle, 1 connecting, 2 open, 3 closing, 4 closed)",
		},
		[]string{"client"},
	)

	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenfeed_reconnects_total",
			Help: "Number of scheduled reconnect attempts",
		},
		[]string{"client"},
	)

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenfeed_frames_received_total",
			Help: "Number of decoded inbound frames by kind",
		},
		[]string{"client", "kind"},
	)

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenfeed_frames_dropped_total",
			Help: "Number of inbound frames that failed to decode",
		},
		[]string{"client"},
	)

	reconnectExhausts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenfeed_reconnect_exhausted_total",
			Help: "Number of times a client gave up reconnecting",
		},
		[]string{"client"},
	)
)

// Init registers the collectors with the default registry. Counters are
// updated before Init too; they only become visible once registered.
func Init() {
	once.Do(func() {
		_ = prometheus.Register(connectionState)
		_ = prometheus.Register(reconnects)
		_ = prometheus.Register(framesReceived)
		_ = prometheus.Register(framesDropped)
		_ = prometheus.Register(reconnectExhausts)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetConnectionState records the numeric state of a client.
func SetConnectionState(client string, state int) {
	connectionState.WithLabelValues(client).Set(float64(state))
}

// IncrementReconnect counts one scheduled reconnect.
func IncrementReconnect(client string) {
	reconnects.WithLabelValues(client).Inc()
}

// IncrementFrame counts one decoded frame.
func IncrementFrame(client, kind string) {
	if IsFeatureEnabled(FeatureFrames) {
		framesReceived.WithLabelValues(client, kind).Inc()
	}
}

// IncrementDroppedFrame counts one frame that failed to decode.
func IncrementDroppedFrame(client string) {
	framesDropped.WithLabelValues(client).Inc()
}

func incrementExhausted(client string) {
	reconnectExhausts.WithLabelValues(client).Inc()
}
