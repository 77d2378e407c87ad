package fml

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	DefaultServerThreads   = 1
	DefaultCallSlots       = 256
	DefaultShutdownTimeout = 5 * time.Second
)

// Config is the FML tuning delivered to every module.
type Config struct {
	ServerThreads int
	CallSlots     int
}

func (c Config) withDefaults() Config {
	if c.ServerThreads <= 0 {
		c.ServerThreads = DefaultServerThreads
	}
	if c.CallSlots <= 0 {
		c.CallSlots = DefaultCallSlots
	}
	return c
}

type config struct {
	logHandler      slog.Handler
	msink           metrics.MetricSink
	metricLabels    []metrics.Label
	fml             Config
	shutdownTimeout time.Duration
	dispatcher      Dispatcher

	// set by Runtime for the ports it links
	base   context.Context
	noDrop func() bool
}

func newConfig(opts []Option) (*config, error) {
	cfg := &config{shutdownTimeout: DefaultShutdownTimeout}
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
	if cfg.base == nil {
		cfg.base = context.Background()
	}
	if cfg.noDrop == nil {
		cfg.noDrop = func() bool { return false }
	}
	cfg.fml = cfg.fml.withDefaults()

	return cfg, nil
}

// Option to pass to `NewPort` or `NewRuntime`
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

// WithConfig sets the number of server workers and call slots per port.
func WithConfig(fml Config) Option {
	return func(c *config) error {
		c.fml = fml
		return nil
	}
}

// WithShutdownTimeout bounds how long closing a port waits for
// in-flight dispatches.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.shutdownTimeout = d
		return nil
	}
}

// WithDispatcher replaces the port's own service registry as the target
// of inbound calls.
func WithDispatcher(d Dispatcher) Option {
	return func(c *config) error {
		c.dispatcher = d
		return nil
	}
}
