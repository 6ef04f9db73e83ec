package reach

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricDatagramInBytes represents how much bytes have been received
	// by datagram listeners.
	MetricDatagramInBytes       = []string{"reach", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount  = []string{"reach", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes      = []string{"reach", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount = []string{"reach", "datagram", "out", "error", "count"}
	MetricDecodeErrorCount      = []string{"reach", "datagram", "decode", "error", "count"}
	MetricFlowOpenCount         = []string{"reach", "flow", "open", "count"}
	MetricFlowCloseCount        = []string{"reach", "flow", "close", "count"}
	MetricFlowLossCount         = []string{"reach", "flow", "loss", "count"}
	MetricPortAllocFailCount    = []string{"reach", "ports", "alloc", "fail", "count"}
	MetricStreamEstInCount      = []string{"reach", "stream", "establishment", "in", "count"}
	MetricStreamEstOutCount     = []string{"reach", "stream", "establishment", "out", "count"}
	MetricStreamErrorCount      = []string{"reach", "stream", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelPeerName TelemetryLabel = "peer_name"
	LabelFlowID   TelemetryLabel = "flow_id"
	LabelPort     TelemetryLabel = "port"
	LabelDuration TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
