package baselink

import (
	"context"
	"log/slog"

	"github.com/hashicorp/go-metrics"

	"github.com/snowmerak/baselink.go/lib/fml"
)

// Initializer runs once the module's identifiers and runtime are set up,
// before the first command is read.
type Initializer func(ctx context.Context, m *Module) error

// DebugFunc temporarily takes over the control flow of a module. Its
// result is reported back to the controller.
type DebugFunc func(ctx context.Context, m *Module, args []byte) ([]byte, error)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	ids         *fml.Identifiers
	preset      Preset
	initializer Initializer
	debug       DebugFunc
	portOpts    []fml.Option
}

func newConfig(opts []Option) (*config, error) {
	cfg := &config{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	if cfg.msink == nil {
		cfg.msink = &metrics.BlackholeSink{}
	}
	if cfg.ids == nil {
		cfg.ids = fml.DefaultIdentifiers
	}

	return cfg, nil
}

// Option to pass to `RunControlLoop` or `NewController`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink specifies where metrics are emitted.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithIdentifiers sets the traits the id map is applied to.
// Defaults to fml.DefaultIdentifiers.
func WithIdentifiers(ids *fml.Identifiers) Option {
	return func(c *config) error {
		c.ids = ids
		return nil
	}
}

// WithPreset serves CmdHandleExport and CmdHandleImport.
func WithPreset(p Preset) Option {
	return func(c *config) error {
		c.preset = p
		return nil
	}
}

func WithInitializer(fn Initializer) Option {
	return func(c *config) error {
		c.initializer = fn
		return nil
	}
}

// WithDebug serves CmdDebug.
func WithDebug(fn DebugFunc) Option {
	return func(c *config) error {
		c.debug = fn
		return nil
	}
}

// WithPortOptions are passed to the runtime and every port it links.
func WithPortOptions(opts ...fml.Option) Option {
	return func(c *config) error {
		c.portOpts = append(c.portOpts, opts...)
		return nil
	}
}
