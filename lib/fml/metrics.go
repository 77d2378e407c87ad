package fml

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricCallCount          = []string{"fml", "call", "count"}
	MetricCallErrorCount     = []string{"fml", "call", "error", "count"}
	MetricCallLatencyMs      = []string{"fml", "call", "latency", "ms"}
	MetricDispatchCount      = []string{"fml", "dispatch", "count"}
	MetricDispatchFaultCount = []string{"fml", "dispatch", "fault", "count"}
	MetricExportCount        = []string{"fml", "export", "count"}
	MetricDeleteCount        = []string{"fml", "delete", "count"}
	MetricLinkCount          = []string{"fml", "link", "count"}
	MetricUnlinkCount        = []string{"fml", "unlink", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelPort        TelemetryLabel = "port"
	LabelPeerModule  TelemetryLabel = "peer_module"
	LabelPeerPort    TelemetryLabel = "peer_port"
	LabelTag         TelemetryLabel = "tag"
	LabelTrait       TelemetryLabel = "trait"
	LabelMethod      TelemetryLabel = "method"
	LabelInstanceKey TelemetryLabel = "instance_key"
	LabelSession     TelemetryLabel = "session"
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
