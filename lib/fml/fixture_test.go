package fml_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snowmerak/baselink.go/lib/fml"
	"github.com/snowmerak/baselink.go/lib/transport"
)

type Hello interface {
	Greet(name string) string
}

type helloImpl struct {
	prefix   string
	released atomic.Int32
}

func (h *helloImpl) Greet(name string) string {
	return h.prefix + ", " + name
}

func (h *helloImpl) Release() {
	h.released.Add(1)
}

type fixture struct {
	ids   *fml.Identifiers
	hello *fml.Trait

	greet fml.Method[string, string]
	fail  fml.Method[string, fml.Unit]
	block fml.Method[fml.Unit, fml.Unit]
	spawn fml.Method[string, fml.Handle]
	whoam fml.Method[fml.Unit, fml.InstanceKey]
	leave fml.Method[fml.Unit, fml.Unit]
	drop  fml.Method[fml.Unit, fml.Unit]

	blocked chan struct{}
	unblock chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ids:     fml.NewIdentifiers(),
		blocked: make(chan struct{}, 16),
		unblock: make(chan struct{}),
	}
	f.hello = fml.DefineTrait[Hello](f.ids, "Hello")

	f.greet = fml.DefineMethod(f.hello, "greet", func(ctx context.Context, h Hello, name string) (string, error) {
		return h.Greet(name), nil
	})
	f.fail = fml.DefineMethod(f.hello, "fail", func(ctx context.Context, h Hello, reason string) (fml.Unit, error) {
		return fml.Unit{}, errors.New(reason)
	})
	f.block = fml.DefineMethod(f.hello, "block", func(ctx context.Context, h Hello, _ fml.Unit) (fml.Unit, error) {
		f.blocked <- struct{}{}
		select {
		case <-f.unblock:
		case <-ctx.Done():
		}
		return fml.Unit{}, nil
	})
	f.spawn = fml.DefineMethod(f.hello, "spawn", func(ctx context.Context, h Hello, prefix string) (fml.Handle, error) {
		return fml.PortFrom(ctx).Export(f.hello, &helloImpl{prefix: prefix}), nil
	})
	f.whoam = fml.DefineMethod(f.hello, "whoami", func(ctx context.Context, h Hello, _ fml.Unit) (fml.InstanceKey, error) {
		return fml.InstanceKeyFrom(ctx), nil
	})
	f.leave = fml.DefineMethod(f.hello, "leave", func(ctx context.Context, h Hello, _ fml.Unit) (fml.Unit, error) {
		return fml.Unit{}, fml.PortFrom(ctx).CloseContext(ctx)
	})
	f.drop = fml.DefineMethod(f.hello, "drop", func(ctx context.Context, h Hello, _ fml.Unit) (fml.Unit, error) {
		return fml.Unit{}, fml.Current(ctx).Unlink(ctx, fml.PortFrom(ctx).ID())
	})

	f.ids.Setup(0, fml.NewIdMap(f.ids.Traits()...))
	return f
}

func newPortPair(t *testing.T, aOpts, bOpts []fml.Option) (*fml.Port, *fml.Port) {
	t.Helper()

	ta, tb := transport.NewIntraPair(0)

	a, err := fml.NewPort(1, ta, ta, aOpts...)
	require.NoError(t, err)
	b, err := fml.NewPort(2, tb, tb, bOpts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// panicError runs fn and returns what it panicked with.
func panicError(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if err, ok = r.(error); !ok {
				err = fmt.Errorf("%v", r)
			}
		}
	}()
	fn()
	return nil
}
