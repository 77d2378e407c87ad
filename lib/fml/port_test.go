package fml_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/baselink.go/lib/fml"
	"github.com/snowmerak/baselink.go/lib/transport"
)

func TestPort_RoundTrip(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t, nil, nil)
	ctx := testContext(t)

	impl := &helloImpl{prefix: "Hello"}
	h := a.Export(f.hello, impl)
	assert.Equal(t, fml.PortID(1), h.Exporter)
	assert.Equal(t, fml.UndecidedPort, h.Importer)

	r := b.Import(h)
	assert.Equal(t, fml.PortID(2), r.Handle().Importer)

	got, err := f.greet.Call(ctx, r, "Robot3")
	require.NoError(t, err)
	assert.Equal(t, impl.Greet("Robot3"), got)
	assert.Equal(t, "Hello, Robot3", got)
}

func TestPort_BothDirections(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t, nil, nil)
	ctx := testContext(t)

	fromA := b.Import(a.Export(f.hello, &helloImpl{prefix: "A"}))
	fromB := a.Import(b.Export(f.hello, &helloImpl{prefix: "B"}))

	got, err := f.greet.Call(ctx, fromA, "x")
	require.NoError(t, err)
	assert.Equal(t, "A, x", got)

	got, err = f.greet.Call(ctx, fromB, "y")
	require.NoError(t, err)
	assert.Equal(t, "B, y", got)
}

func TestPort_ConcurrentCalls(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t, []fml.Option{fml.WithConfig(fml.Config{ServerThreads: 4})}, nil)
	ctx := testContext(t)

	r := b.Import(a.Export(f.hello, &helloImpl{prefix: "Hello"}))

	const callers = 32
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("robot-%d", i)
			got, err := f.greet.Call(ctx, r, name)
			if err != nil {
				errs <- err
				return
			}
			if got != "Hello, "+name {
				errs <- fmt.Errorf("caller %d got %q", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, b.Outstanding())
}

// shuffleDispatcher holds every call until n have arrived, then answers
// them in random order.
type shuffleDispatcher struct {
	n int

	mu    sync.Mutex
	gates []chan struct{}
	all   chan struct{}
}

func newShuffleDispatcher(n int) *shuffleDispatcher {
	d := &shuffleDispatcher{n: n, all: make(chan struct{})}
	go func() {
		<-d.all
		for _, i := range rand.Perm(n) {
			close(d.gates[i])
			time.Sleep(time.Millisecond)
		}
	}()
	return d
}

func (d *shuffleDispatcher) Dispatch(ctx context.Context, req fml.Request) ([]byte, error) {
	gate := make(chan struct{})

	d.mu.Lock()
	d.gates = append(d.gates, gate)
	if len(d.gates) == d.n {
		close(d.all)
	}
	d.mu.Unlock()

	<-gate
	return req.Args, nil
}

func TestPort_TagsMatchUnderShuffledResponses(t *testing.T) {
	const callers = 16

	a, b := newPortPair(t, nil, []fml.Option{
		fml.WithDispatcher(newShuffleDispatcher(callers)),
		fml.WithConfig(fml.Config{ServerThreads: callers}),
	})
	ctx := testContext(t)

	h := fml.Handle{ID: fml.ServiceObjectID{Trait: 0, Index: 1}, Exporter: b.ID(), Importer: a.ID()}

	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Call(ctx, h, 0, []byte(fmt.Sprintf("call-%d", i)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("call-%d", i), string(results[i]))
	}
}

func TestPort_RemoteError(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t, nil, nil)
	ctx := testContext(t)

	r := b.Import(a.Export(f.hello, &helloImpl{prefix: "Hello"}))

	_, err := f.fail.Call(ctx, r, "no greeting today")
	var remote *fml.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no greeting today", remote.Message)

	// the port is still usable
	got, err := f.greet.Call(ctx, r, "again")
	require.NoError(t, err)
	assert.Equal(t, "Hello, again", got)
}

func TestPort_DeleteThenCallIsFatal(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t, nil, nil)
	ctx := testContext(t)

	impl := &helloImpl{prefix: "Hello"}
	h := a.Export(f.hello, impl)
	r := b.Import(h)

	got, err := f.greet.Call(ctx, r, "Robot3")
	require.NoError(t, err)
	assert.Equal(t, "Hello, Robot3", got)

	require.True(t, a.Unexport(h))
	assert.Equal(t, int32(1), impl.released.Load())
	assert.Zero(t, a.Registry().Len())

	err = panicError(func() {
		f.greet.Call(ctx, r, "Robot3")
	})
	require.ErrorIs(t, err, fml.ErrProtocolViolation)

	// the exporter keeps serving other objects
	r2 := b.Import(a.Export(f.hello, &helloImpl{prefix: "Hi"}))
	got, err = f.greet.Call(ctx, r2, "Robot4")
	require.NoError(t, err)
	assert.Equal(t, "Hi, Robot4", got)
	assert.NotEqual(t, h.ID.Index, r2.Handle().ID.Index)
}

func TestPort_UndecidedHandleIsFatal(t *testing.T) {
	f := newFixture(t)
	_, b := newPortPair(t, nil, nil)
	ctx := testContext(t)

	for _, h := range []fml.Handle{fml.UndecidedHandle(), {}} {
		err := panicError(func() {
			b.Call(ctx, h, f.greet.ID(), nil)
		})
		assert.ErrorIs(t, err, fml.ErrProtocolViolation)

		err = panicError(func() {
			b.Import(h)
		})
		assert.ErrorIs(t, err, fml.ErrMisuse)
	}
}

func TestPort_UnknownMethodIsFatal(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t, nil, nil)
	ctx := testContext(t)

	h := a.Export(f.hello, &helloImpl{prefix: "Hello"})
	args, err := fml.Marshal("x")
	require.NoError(t, err)

	err = panicError(func() {
		b.Call(ctx, h, 999, args)
	})
	assert.ErrorIs(t, err, fml.ErrProtocolViolation)
}

func TestPort_WrongTraitIsFatal(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t, nil, nil)
	ctx := testContext(t)

	h := a.Export(f.hello, &helloImpl{prefix: "Hello"})
	h.ID.Trait++

	err := panicError(func() {
		b.Call(ctx, h, f.greet.ID(), nil)
	})
	assert.ErrorIs(t, err, fml.ErrProtocolViolation)
}

func TestPort_ExportMisuse(t *testing.T) {
	f := newFixture(t)
	a, _ := newPortPair(t, nil, nil)

	err := panicError(func() {
		a.Export(f.hello, "not a hello")
	})
	assert.ErrorIs(t, err, fml.ErrMisuse)

	ids := fml.NewIdentifiers()
	pending := fml.DefineTrait[Hello](ids, "Pending")
	err = panicError(func() {
		a.Export(pending, &helloImpl{})
	})
	assert.ErrorIs(t, err, fml.ErrMisuse)
}

func TestPort_ReleaseDeletesRemotely(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t, nil, nil)
	ctx := testContext(t)

	impl := &helloImpl{prefix: "Hello"}
	r := b.Import(a.Export(f.hello, impl))
	require.Equal(t, 1, a.Registry().Len())

	require.NoError(t, r.Release(ctx))
	assert.Zero(t, a.Registry().Len())
	assert.Equal(t, int32(1), impl.released.Load())

	// a second release is a no-op
	require.NoError(t, r.Release(ctx))

	err := panicError(func() {
		f.greet.Call(ctx, r, "x")
	})
	assert.ErrorIs(t, err, fml.ErrProtocolViolation)
}

func TestPort_DeleteWaitsForRunningCall(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t, nil, nil)
	ctx := testContext(t)

	impl := &helloImpl{prefix: "Hello"}
	h := a.Export(f.hello, impl)
	r := b.Import(h)

	done := make(chan error, 1)
	go func() {
		_, err := f.block.Call(ctx, r, fml.Unit{})
		done <- err
	}()
	<-f.blocked

	require.True(t, a.Unexport(h))
	assert.Zero(t, impl.released.Load(), "released while a call was still running")

	close(f.unblock)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), impl.released.Load())
}

func TestPort_NestedExport(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t, nil, nil)
	ctx := testContext(t)

	r := b.Import(a.Export(f.hello, &helloImpl{prefix: "Hello"}))

	child, err := f.spawn.Call(ctx, r, "Howdy")
	require.NoError(t, err)
	assert.Equal(t, a.ID(), child.Exporter)

	got, err := f.greet.Call(ctx, r.Port().Import(child), "partner")
	require.NoError(t, err)
	assert.Equal(t, "Howdy, partner", got)
	assert.Equal(t, 2, a.Registry().Len())
}

func TestPort_ShutdownReleasesBlockedCallers(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t, []fml.Option{fml.WithShutdownTimeout(time.Second)}, nil)
	ctx := testContext(t)

	r := b.Import(a.Export(f.hello, &helloImpl{prefix: "Hello"}))

	done := make(chan error, 1)
	go func() {
		_, err := f.block.Call(ctx, r, fml.Unit{})
		done <- err
	}()
	<-f.blocked

	require.NoError(t, b.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, fml.ErrShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked caller was not released by shutdown")
	}

	_, err := f.greet.Call(ctx, r, "late")
	assert.ErrorIs(t, err, fml.ErrShutdown)
}

func TestPort_PeerShutdownReleasesCallers(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	ta, tb := transport.NewIntraPair(0)
	a, err := fml.NewPort(1, ta, ta)
	require.NoError(t, err)
	b, err := fml.NewPort(2, tb, tb)
	require.NoError(t, err)
	t.Cleanup(func() {
		close(f.unblock)
		a.Close()
		b.Close()
	})

	r := b.Import(a.Export(f.hello, &helloImpl{prefix: "Hello"}))

	done := make(chan error, 1)
	go func() {
		_, err := f.block.Call(ctx, r, fml.Unit{})
		done <- err
	}()
	<-f.blocked

	// the stream ends while the method is still running
	require.NoError(t, ta.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, fml.ErrShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("caller hung after the peer went away")
	}
}

func TestPort_CallSlotsBoundOutstanding(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t,
		[]fml.Option{fml.WithConfig(fml.Config{ServerThreads: 4})},
		[]fml.Option{fml.WithConfig(fml.Config{CallSlots: 1})})
	ctx := testContext(t)

	r := b.Import(a.Export(f.hello, &helloImpl{prefix: "Hello"}))

	first := make(chan error, 1)
	go func() {
		_, err := f.block.Call(ctx, r, fml.Unit{})
		first <- err
	}()
	<-f.blocked

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := f.greet.Call(short, r, "waiting")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, b.Outstanding())

	close(f.unblock)
	require.NoError(t, <-first)

	got, err := f.greet.Call(ctx, r, "now")
	require.NoError(t, err)
	assert.Equal(t, "Hello, now", got)
}

func TestPort_CloseDropsExportedObjects(t *testing.T) {
	f := newFixture(t)
	a, _ := newPortPair(t, nil, nil)

	impl := &helloImpl{prefix: "Hello"}
	a.Export(f.hello, impl)

	require.NoError(t, a.Close())
	assert.True(t, a.Closed())
	assert.Zero(t, a.Registry().Len())
	assert.Equal(t, int32(1), impl.released.Load())

	// closing twice is harmless
	require.NoError(t, a.Close())
}

func TestPort_CloseFromOwnDispatch(t *testing.T) {
	f := newFixture(t)
	a, b := newPortPair(t, []fml.Option{fml.WithShutdownTimeout(5 * time.Second)}, nil)
	ctx := testContext(t)

	r := b.Import(a.Export(f.hello, &helloImpl{prefix: "Hello"}))

	start := time.Now()
	_, err := f.leave.Call(ctx, r, fml.Unit{})
	elapsed := time.Since(start)

	// the port is gone before the answer could be sent
	assert.ErrorIs(t, err, fml.ErrShutdown)
	assert.Less(t, elapsed, 2*time.Second, "close waited for the dispatch that called it")
	assert.True(t, a.Closed())
}
