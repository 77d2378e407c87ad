package fml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"

	"github.com/snowmerak/baselink.go/lib/transport"
)

type link struct {
	peerModule string
	peerPort   PortID
	port       *Port
}

// Runtime is the per-module global context: its FML config and the
// table of linked ports.
type Runtime struct {
	key     InstanceKey
	session string
	opts    []Option
	cfg     *config

	mu    sync.RWMutex
	links map[PortID]*link

	noDrop atomic.Bool
	closed atomic.Bool

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewRuntime creates the context of one module instance. Options are also
// applied to every port the runtime links.
func NewRuntime(key InstanceKey, fml Config, opts ...Option) (*Runtime, error) {
	opts = append(append([]Option(nil), opts...), WithConfig(fml))

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("fml: invalid option: %w", err)
	}

	rt := &Runtime{
		key:     key,
		session: uuid.NewString(),
		opts:    opts,
		cfg:     cfg,
		links:   make(map[PortID]*link),
		msink:   cfg.msink,
		labels: append([]metrics.Label{
			LabelInstanceKey.M(strconv.FormatUint(uint64(key), 10)),
		}, cfg.metricLabels...),
	}
	rt.logger = slog.New(cfg.logHandler).With(LabelInstanceKey.L(key), LabelSession.L(rt.session))

	return rt, nil
}

func (rt *Runtime) Key() InstanceKey {
	return rt.key
}

// Session is a random id for this runtime, used to correlate logs.
func (rt *Runtime) Session() string {
	return rt.session
}

func (rt *Runtime) Config() Config {
	return rt.cfg.fml
}

// NoDrop reports whether the process is shutting down, in which case
// exported objects are not released and deletes are not sent.
func (rt *Runtime) NoDrop() bool {
	return rt.noDrop.Load()
}

// Link creates the port id towards peerModule's port peerPort. Linking an
// id that is already linked panics.
func (rt *Runtime) Link(id, peerPort PortID, peerModule string, send transport.Sender, recv transport.Receiver) (*Port, error) {
	if rt.closed.Load() {
		return nil, ErrShutdown
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, exists := rt.links[id]; exists {
		misuse("port %d already linked", id)
	}

	base := WithInstanceKey(context.Background(), rt.key)
	opts := append(append([]Option(nil), rt.opts...),
		WithMetricLabels(append([]metrics.Label{LabelPeerModule.M(peerModule)}, rt.labels...)),
		withBase(base),
		withNoDrop(rt.noDrop.Load))

	port, err := NewPort(id, send, recv, opts...)
	if err != nil {
		return nil, err
	}
	rt.links[id] = &link{peerModule: peerModule, peerPort: peerPort, port: port}

	rt.msink.IncrCounterWithLabels(MetricLinkCount, 1, rt.labels)
	rt.logger.Info("linked",
		LabelPort.L(id),
		LabelPeerModule.L(peerModule),
		LabelPeerPort.L(peerPort))

	return port, nil
}

// Unlink closes and forgets the port id. ctx may be the context of a
// dispatch on that port, see Port.CloseContext.
func (rt *Runtime) Unlink(ctx context.Context, id PortID) error {
	rt.mu.Lock()
	l, ok := rt.links[id]
	if ok {
		delete(rt.links, id)
	}
	rt.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPort, id)
	}

	rt.msink.IncrCounterWithLabels(MetricUnlinkCount, 1, rt.labels)
	rt.logger.Info("unlinked", LabelPort.L(id), LabelPeerModule.L(l.peerModule))

	return l.port.CloseContext(ctx)
}

// Port returns the port linked under id.
func (rt *Runtime) Port(id PortID) (*Port, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	l, ok := rt.links[id]
	if !ok {
		return nil, false
	}
	return l.port, true
}

// Peer returns the module and port on the other side of id.
func (rt *Runtime) Peer(id PortID) (string, PortID, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	l, ok := rt.links[id]
	if !ok {
		return "", UndecidedPort, false
	}
	return l.peerModule, l.peerPort, true
}

// FindPort returns the port linked to peerModule. With several links to
// the same module the lowest port id wins.
func (rt *Runtime) FindPort(peerModule string) (PortID, bool) {
	for _, id := range rt.Ports() {
		if module, _, ok := rt.Peer(id); ok && module == peerModule {
			return id, true
		}
	}
	return UndecidedPort, false
}

// Ports lists the linked port ids in ascending order.
func (rt *Runtime) Ports() []PortID {
	rt.mu.RLock()
	ids := make([]PortID, 0, len(rt.links))
	for id := range rt.links {
		ids = append(ids, id)
	}
	rt.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Register exports object through port id.
func (rt *Runtime) Register(id PortID, trait *Trait, object any) Handle {
	port, ok := rt.Port(id)
	if !ok {
		misuse("register on unknown port %d", id)
	}
	return port.Export(trait, object)
}

// Shutdown closes every port without releasing exported objects and
// removes the runtime from the process table.
func (rt *Runtime) Shutdown() error {
	if !rt.closed.CompareAndSwap(false, true) {
		return nil
	}
	rt.noDrop.Store(true)

	rt.mu.Lock()
	links := rt.links
	rt.links = make(map[PortID]*link)
	rt.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := l.port.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	uninstall(rt)
	rt.logger.Info("runtime shut down", slog.Int("ports", len(links)))

	if len(errs) > 0 {
		return fmt.Errorf("fml: shutdown: %w", errors.Join(errs...))
	}
	return nil
}

func withBase(ctx context.Context) Option {
	return func(c *config) error {
		c.base = ctx
		return nil
	}
}

func withNoDrop(fn func() bool) Option {
	return func(c *config) error {
		c.noDrop = fn
		return nil
	}
}

var runtimes = struct {
	sync.RWMutex
	m map[InstanceKey]*Runtime
}{m: make(map[InstanceKey]*Runtime)}

// Install makes rt reachable through Current for contexts bound to its key.
// Installing a second runtime for the same key panics.
func Install(rt *Runtime) {
	runtimes.Lock()
	defer runtimes.Unlock()

	if _, exists := runtimes.m[rt.key]; exists {
		misuse("runtime for instance %d already installed", rt.key)
	}
	runtimes.m[rt.key] = rt
}

func uninstall(rt *Runtime) {
	runtimes.Lock()
	defer runtimes.Unlock()

	if runtimes.m[rt.key] == rt {
		delete(runtimes.m, rt.key)
	}
}

// Lookup returns the runtime installed for key.
func Lookup(key InstanceKey) (*Runtime, bool) {
	runtimes.RLock()
	defer runtimes.RUnlock()

	rt, ok := runtimes.m[key]
	return rt, ok
}

// Current returns the runtime of the instance ctx is bound to. It panics if
// ctx carries no instance key or no runtime is installed for it.
func Current(ctx context.Context) *Runtime {
	key := InstanceKeyFrom(ctx)
	rt, ok := Lookup(key)
	if !ok {
		misuse("no runtime installed for instance %d", key)
	}
	return rt
}
