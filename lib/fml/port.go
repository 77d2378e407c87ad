// Package fml runs remote trait objects over a packet transport.
//
// A Port bundles the multiplexer, the outbound client and the dispatch
// server for one peer. Objects exported through a Port are owned by its
// Registry and named on the wire by a Handle.
package fml

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/semaphore"

	"github.com/snowmerak/baselink.go/lib/multiplexer"
	"github.com/snowmerak/baselink.go/lib/transport"
)

// Port is the communication endpoint to one peer.
type Port struct {
	id       PortID
	registry *Registry
	mux      *multiplexer.Multiplexer
	client   *client
	server   *server

	send transport.Sender
	recv transport.Receiver

	life   context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

type portKey struct{}

// PortFrom returns the port serving the current dispatch, or nil outside one.
func PortFrom(ctx context.Context) *Port {
	p, _ := ctx.Value(portKey{}).(*Port)
	return p
}

// NewPort starts a port over send and recv. Closing the port closes both
// if they implement io.Closer.
func NewPort(id PortID, send transport.Sender, recv transport.Receiver, opts ...Option) (*Port, error) {
	if id == UndecidedPort {
		return nil, fmt.Errorf("fml: port id %d is reserved", id)
	}

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("fml: invalid option: %w", err)
	}

	labels := append([]metrics.Label{LabelPort.M(strconv.Itoa(int(id)))}, cfg.metricLabels...)
	logger := slog.New(cfg.logHandler).With(LabelPort.L(id))

	mux, err := multiplexer.Multiplex(recv,
		multiplexer.WithLog(cfg.logHandler),
		multiplexer.WithMetricSink(cfg.msink),
		multiplexer.WithMetricLabels(labels))
	if err != nil {
		return nil, err
	}

	life, cancel := context.WithCancel(cfg.base)

	p := &Port{
		id:       id,
		registry: newRegistry(id, logger, cfg.msink, labels),
		mux:      mux,
		send:     send,
		recv:     recv,
		life:     life,
		cancel:   cancel,
		cfg:      cfg,
		logger:   logger,
		msink:    cfg.msink,
		labels:   labels,
	}

	p.client = &client{
		send:   send,
		mux:    mux,
		slots:  semaphore.NewWeighted(int64(cfg.fml.CallSlots)),
		life:   life,
		logger: logger,
		msink:  cfg.msink,
		labels: labels,
	}

	dispatcher := cfg.dispatcher
	if dispatcher == nil {
		dispatcher = p.registry
	}
	p.server = &server{
		mux:        mux,
		send:       send,
		dispatcher: dispatcher,
		ctx:        context.WithValue(life, portKey{}, p),
		logger:     logger,
		msink:      cfg.msink,
		labels:     labels,
	}
	p.server.start(cfg.fml.ServerThreads)

	return p, nil
}

func (p *Port) ID() PortID {
	return p.id
}

// Registry returns the objects exported through this port.
func (p *Port) Registry() *Registry {
	return p.registry
}

// Export registers object under trait and returns the handle naming it.
func (p *Port) Export(trait *Trait, object any) Handle {
	return Handle{
		ID:       p.registry.Register(trait, object),
		Exporter: p.id,
		Importer: UndecidedPort,
	}
}

// Unexport deletes an object exported through this port. Later calls
// through its handle are protocol violations.
func (p *Port) Unexport(h Handle) bool {
	if h.Exporter != p.id {
		misuse("%s was not exported by port %d", h, p.id)
	}
	return p.registry.Delete(h.ID)
}

// Import binds a handle received from the peer to this port.
func (p *Port) Import(h Handle) *Remote {
	if !h.Decided() {
		misuse("import of undecided %s", h)
	}
	h.Importer = p.id
	return &Remote{handle: h, port: p}
}

// Call sends a raw call and blocks until its response arrives or the port
// shuts down.
func (p *Port) Call(ctx context.Context, h Handle, method MethodID, args []byte) ([]byte, error) {
	if !h.Decided() {
		violation("call through undecided %s", h)
	}
	if method == UndecidedMethod {
		violation("call with undecided method id on %s", h)
	}
	if p.closed.Load() {
		return nil, ErrShutdown
	}

	req := Request{Handle: h, Method: method, Args: args}
	return p.client.call(ctx, req.Marshal())
}

// Outstanding returns the number of calls waiting for a response.
func (p *Port) Outstanding() int {
	return p.mux.Outstanding()
}

// Closed reports whether Close has been called.
func (p *Port) Closed() bool {
	return p.closed.Load()
}

// Close shuts the port down. Pending calls return ErrShutdown, the
// multiplexer stops before the server so workers stop taking requests
// while they can still answer, and the transport goes last.
// From inside a dispatch on this port use CloseContext instead.
func (p *Port) Close() error {
	return p.CloseContext(context.Background())
}

// CloseContext is Close for callers that may be running inside a dispatch.
// When ctx belongs to a dispatch on this port the in-flight dispatches are
// not waited for, and the answer to the calling dispatch is lost.
func (p *Port) CloseContext(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.shutdown(PortFrom(ctx) == p)
	})
	return p.closeErr
}

func (p *Port) shutdown(inDispatch bool) error {
	var errs []error

	// 1. Release callers and stop request delivery
	p.cancel()
	p.mux.Shutdown()

	// 2. Wait for in-flight dispatches, one of which would be the caller
	switch {
	case inDispatch:
		p.logger.Debug("port closed from its own dispatch")
	case !p.server.wait(p.cfg.shutdownTimeout):
		p.logger.Warn("dispatches still running after shutdown timeout",
			slog.Duration("timeout", p.cfg.shutdownTimeout))
	}

	// 3. Tear down the transport
	closers := make([]io.Closer, 0, 2)
	if c, ok := p.send.(io.Closer); ok {
		closers = append(closers, c)
	}
	if c, ok := p.recv.(io.Closer); ok && !sameCloser(closers, c) {
		closers = append(closers, c)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	select {
	case <-p.mux.Done():
	case <-time.After(p.cfg.shutdownTimeout):
		p.logger.Warn("multiplexer read loop did not exit")
	}

	// 4. Drop exported objects
	dropped := p.registry.clear(!p.cfg.noDrop())
	p.logger.Debug("port closed", slog.Int("objects", dropped))

	if len(errs) > 0 {
		return fmt.Errorf("fml: close port %d: %w", p.id, errors.Join(errs...))
	}
	return nil
}

func sameCloser(closers []io.Closer, c io.Closer) bool {
	for _, existing := range closers {
		if existing == c {
			return true
		}
	}
	return false
}
