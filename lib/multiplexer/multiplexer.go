// Package multiplexer splits one packet stream into concurrent sub-flows.
//
// Inbound requests are queued in arrival order for the dispatch side,
// while responses are handed to whichever caller registered the matching
// tag. A slow request never delays a response.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
)

var (
	ErrShutdown = errors.New("multiplexer: shut down")
	ErrTagInUse = errors.New("multiplexer: tag already has a waiter")
)

var (
	MetricPacketInCount        = []string{"multiplexer", "packet", "in", "count"}
	MetricResponseDroppedCount = []string{"multiplexer", "response", "dropped", "count"}
	MetricRequestQueueLength   = []string{"multiplexer", "request", "queue", "length"}
	MetricMalformedPacketCount = []string{"multiplexer", "packet", "malformed", "count"}
)

const (
	labelKind  = "kind"
	labelError = "error"
)

// Receiver is the inbound half of a transport.
type Receiver interface {
	Recv(ctx context.Context) ([]byte, error)
}

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

// Option to pass to `Multiplex`
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

// WithMetricLabels adds static labels to every metric emitted.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// Multiplexer owns the read side of one transport.
type Multiplexer struct {
	recv   Receiver
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	requests *queue

	waitersMu sync.Mutex
	waiters   map[uint32]chan Packet
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	shutdownOnce sync.Once
	cause        error
}

// Multiplex starts reading from recv in a background goroutine.
func Multiplex(recv Receiver, opts ...Option) (*Multiplexer, error) {
	cfg := &config{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("multiplexer: invalid option: %w", err)
		}
	}
	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	if cfg.msink == nil {
		cfg.msink = &metrics.BlackholeSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		recv:     recv,
		logger:   slog.New(cfg.logHandler).With("component", "multiplexer"),
		msink:    cfg.msink,
		labels:   cfg.metricLabels,
		requests: newQueue(),
		waiters:  make(map[uint32]chan Packet),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go m.run()

	return m, nil
}

func (m *Multiplexer) run() {
	defer close(m.done)

	for {
		data, err := m.recv.Recv(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil {
				m.logger.Debug("receiver closed", slog.String("error", err.Error()))
			}
			m.shutdown(err)
			return
		}

		p := Packet(data)
		if err := p.Validate(); err != nil {
			// the stream can no longer be trusted to be in sync
			m.logger.Error("malformed packet", slog.String("error", err.Error()))
			m.msink.IncrCounterWithLabels(MetricMalformedPacketCount, 1, m.labels)
			m.shutdown(err)
			return
		}

		m.msink.IncrCounterWithLabels(MetricPacketInCount, 1,
			append([]metrics.Label{{Name: labelKind, Value: KindString(p.Kind())}}, m.labels...))

		switch p.Kind() {
		case KindRequest:
			if !m.requests.push(p) {
				return
			}
			m.msink.SetGaugeWithLabels(MetricRequestQueueLength, float32(m.requests.len()), m.labels)
		default:
			m.deliver(p)
		}
	}
}

func (m *Multiplexer) deliver(p Packet) {
	tag := p.Tag()

	m.waitersMu.Lock()
	ch, ok := m.waiters[tag]
	if ok {
		delete(m.waiters, tag)
	}
	m.waitersMu.Unlock()

	if !ok {
		m.logger.Warn("dropping response without a waiter",
			slog.Uint64("tag", uint64(tag)),
			slog.String("kind", KindString(p.Kind())))
		m.msink.IncrCounterWithLabels(MetricResponseDroppedCount, 1,
			append([]metrics.Label{{Name: labelError, Value: "no_waiter"}}, m.labels...))
		return
	}

	// capacity 1 and the waiter was removed above, so this never blocks
	ch <- p
}

// Expect registers a waiter for tag. It must be called before the
// request carrying tag is sent, otherwise the response may be dropped.
// The returned channel yields exactly one packet, or is closed on shutdown.
func (m *Multiplexer) Expect(tag uint32) (<-chan Packet, error) {
	m.waitersMu.Lock()
	defer m.waitersMu.Unlock()

	if m.closed {
		return nil, m.err()
	}
	if _, exists := m.waiters[tag]; exists {
		return nil, fmt.Errorf("%w: %d", ErrTagInUse, tag)
	}

	ch := make(chan Packet, 1)
	m.waiters[tag] = ch
	return ch, nil
}

// Forget drops the waiter for tag, if any. A response arriving later is discarded.
func (m *Multiplexer) Forget(tag uint32) {
	m.waitersMu.Lock()
	delete(m.waiters, tag)
	m.waitersMu.Unlock()
}

// Outstanding returns the number of registered waiters.
func (m *Multiplexer) Outstanding() int {
	m.waitersMu.Lock()
	defer m.waitersMu.Unlock()
	return len(m.waiters)
}

// NextRequest blocks until an inbound request is available.
// It returns ErrShutdown once the multiplexer is shut down.
func (m *Multiplexer) NextRequest(ctx context.Context) (Packet, error) {
	return m.requests.pop(ctx)
}

// Shutdown stops delivery and wakes every blocked waiter.
// It does not wait for the read loop, see Done.
func (m *Multiplexer) Shutdown() {
	m.shutdown(ErrShutdown)
}

func (m *Multiplexer) shutdown(cause error) {
	m.shutdownOnce.Do(func() {
		m.cancel()

		m.waitersMu.Lock()
		m.closed = true
		m.cause = cause
		for tag, ch := range m.waiters {
			close(ch)
			delete(m.waiters, tag)
		}
		m.waitersMu.Unlock()

		m.requests.close()
	})
}

// Done is closed once the read loop has returned.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

// Err reports why the multiplexer stopped, or nil while it is running.
func (m *Multiplexer) Err() error {
	m.waitersMu.Lock()
	defer m.waitersMu.Unlock()
	if !m.closed {
		return nil
	}
	return m.err()
}

func (m *Multiplexer) err() error {
	if m.cause == nil || errors.Is(m.cause, ErrShutdown) {
		return ErrShutdown
	}
	return fmt.Errorf("%w: %w", ErrShutdown, m.cause)
}
