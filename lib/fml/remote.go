package fml

import (
	"context"
	"errors"
	"sync/atomic"
)

// Remote is an imported handle bound to the port it arrived on.
type Remote struct {
	handle   Handle
	port     *Port
	released atomic.Bool
}

func (r *Remote) Handle() Handle {
	return r.handle
}

// Port returns the port calls are sent through.
func (r *Remote) Port() *Port {
	return r.port
}

func (r *Remote) call(ctx context.Context, m *method, args []byte) ([]byte, error) {
	if r.released.Load() {
		violation("call through released %s", r.handle)
	}
	if m.trait.ID() != r.handle.ID.Trait {
		violation("method %s.%s called through %s", m.trait.name, m.name, r.handle)
	}
	return r.port.Call(ctx, r.handle, m.ID(), args)
}

// Release tells the exporter to delete the object. It is a no-op after the
// first call and while the importing process is shutting down.
func (r *Remote) Release(ctx context.Context) error {
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	if r.port.cfg.noDrop() {
		return nil
	}

	_, err := r.port.Call(ctx, r.handle, methodDelete, nil)
	if errors.Is(err, ErrShutdown) {
		return nil
	}
	return err
}
