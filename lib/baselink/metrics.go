package baselink

import (
	"github.com/snowmerak/baselink.go/lib/fml"
)

var (
	MetricCommandCount      = []string{"baselink", "command", "count"}
	MetricCommandErrorCount = []string{"baselink", "command", "error", "count"}
)

var (
	LabelModule  fml.TelemetryLabel = "module"
	LabelCommand fml.TelemetryLabel = "command"
)
