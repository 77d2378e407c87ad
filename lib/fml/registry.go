package fml

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
)

const maxSlots = math.MaxUint16 - 1

// Dispatcher serves the inbound calls of one port. A returned error is sent
// back to the caller as a *RemoteError; a panic is reported as a fault.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) ([]byte, error)
}

// Releaser is implemented by exported objects that hold resources. Release
// runs once the object is deleted and no call is still running on it.
type Releaser interface {
	Release()
}

type entry struct {
	trait  *Trait
	object any
	refs   atomic.Int32
	drop   atomic.Bool
}

func (e *entry) unref() {
	if e.refs.Add(-1) != 0 || !e.drop.Load() {
		return
	}
	if r, ok := e.object.(Releaser); ok {
		r.Release()
	}
}

// Registry owns the objects exported through one port.
type Registry struct {
	port PortID

	mu    sync.RWMutex
	slots map[uint16]*entry
	next  uint16

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func newRegistry(port PortID, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *Registry {
	return &Registry{
		port:   port,
		slots:  make(map[uint16]*entry),
		logger: logger,
		msink:  msink,
		labels: labels,
	}
}

// Register stores object at a fresh slot. It panics if trait has no id yet
// or object does not implement it.
func (r *Registry) Register(trait *Trait, object any) ServiceObjectID {
	if trait.ID() == UndecidedTrait {
		misuse("trait %s exported before identifiers were set up", trait.name)
	}
	if !trait.accepts(object) {
		misuse("%T does not implement trait %s", object, trait.name)
	}

	e := &entry{trait: trait, object: object}
	e.refs.Store(1)

	r.mu.Lock()
	if len(r.slots) >= maxSlots {
		r.mu.Unlock()
		misuse("service registry of port %d is full", r.port)
	}
	for {
		r.next++
		if r.next == 0 || r.next == UndecidedIndex {
			continue
		}
		if _, used := r.slots[r.next]; !used {
			break
		}
	}
	index := r.next
	r.slots[index] = e
	r.mu.Unlock()

	r.msink.IncrCounterWithLabels(MetricExportCount, 1,
		append([]metrics.Label{LabelTrait.M(trait.name)}, r.labels...))

	return ServiceObjectID{Trait: trait.ID(), Index: index}
}

// Delete removes the object at id. The object is released after the last
// running call on it returns. It reports whether anything was removed.
func (r *Registry) Delete(id ServiceObjectID) bool {
	r.mu.Lock()
	e, ok := r.slots[id.Index]
	if ok && e.trait.ID() == id.Trait {
		delete(r.slots, id.Index)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.msink.IncrCounterWithLabels(MetricDeleteCount, 1,
		append([]metrics.Label{LabelTrait.M(e.trait.name)}, r.labels...))

	e.drop.Store(true)
	e.unref()
	return true
}

// Len returns the number of registered objects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

func (r *Registry) acquire(id ServiceObjectID) *entry {
	r.mu.RLock()
	e, ok := r.slots[id.Index]
	if ok {
		e.refs.Add(1)
	}
	r.mu.RUnlock()

	if !ok {
		violation("no object at index %d of port %d", id.Index, r.port)
	}
	if e.trait.ID() != id.Trait {
		e.unref()
		violation("index %d of port %d holds trait %s, not trait %d", id.Index, r.port, e.trait.name, id.Trait)
	}
	return e
}

// clear empties the registry. Objects are released only when drop is set.
func (r *Registry) clear(drop bool) int {
	r.mu.Lock()
	slots := r.slots
	r.slots = make(map[uint16]*entry)
	r.mu.Unlock()

	for _, e := range slots {
		e.drop.Store(drop)
		e.unref()
	}
	return len(slots)
}

// Dispatch resolves req against the registered object and invokes it.
func (r *Registry) Dispatch(ctx context.Context, req Request) ([]byte, error) {
	if !req.Handle.Decided() {
		violation("call through undecided %s", req.Handle)
	}
	if req.Handle.Exporter != r.port {
		violation("%s arrived at port %d", req.Handle, r.port)
	}

	if req.Method == methodDelete {
		if !r.Delete(req.Handle.ID) {
			r.logger.Debug("delete of a missing object", LabelPort.L(r.port), slog.String("handle", req.Handle.String()))
		}
		return nil, nil
	}

	e := r.acquire(req.Handle.ID)
	defer e.unref()

	m := e.trait.lookup(req.Method)
	if m == nil {
		violation("unknown method %d for trait %s", req.Method, e.trait.name)
	}

	r.msink.IncrCounterWithLabels(MetricDispatchCount, 1,
		append([]metrics.Label{LabelTrait.M(e.trait.name), LabelMethod.M(strconv.FormatUint(uint64(req.Method), 10))}, r.labels...))

	return m.dispatch(ctx, e.object, req.Args)
}
