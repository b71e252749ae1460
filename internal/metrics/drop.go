package metrics

import "tokenfeed/logger"

// DropMetric identifies the metric name emitted when inbound data is discarded.
type DropMetric string

const (
	// DropMetricMalformedFrame records inbound frames that failed to decode.
	DropMetricMalformedFrame DropMetric = "frames_malformed_dropped"
	// DropMetricUnwatchedUpdate records updates for keys nobody watches.
	DropMetricUnwatchedUpdate DropMetric = "frames_unwatched_dropped"
	// DropMetricSendWhileClosed records outbound frames refused while not connected.
	DropMetricSendWhileClosed DropMetric = "frames_send_while_closed"
)

// EmitDropMetric logs and emits a metric representing one discarded frame.
// Callers invoke it once per frame. Optional metadata (client, protocol, kind)
// is added to the metric fields when provided which enables aggregation per
// client and frame kind.
func EmitDropMetric(log *logger.Log, metric DropMetric, client, protocol, kind string) {
	fields := logger.Fields{}
	if client != "" {
		fields["client"] = client
	}
	if protocol != "" {
		fields["protocol"] = protocol
	}
	if kind != "" {
		fields["kind"] = kind
	}

	EmitMetric(log, "frame_drops", string(metric), 1, "counter", fields)
}
