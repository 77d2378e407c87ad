package multiplexer_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/baselink.go/lib/multiplexer"
)

// chanReceiver feeds packets pushed by the test into the multiplexer.
type chanReceiver struct {
	ch chan []byte
}

func newChanReceiver() *chanReceiver {
	return &chanReceiver{ch: make(chan []byte, 64)}
}

func (r *chanReceiver) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-r.ch:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestMultiplexer(t *testing.T) (*multiplexer.Multiplexer, *chanReceiver) {
	t.Helper()

	recv := newChanReceiver()
	mux, err := multiplexer.Multiplex(recv)
	require.NoError(t, err)
	t.Cleanup(mux.Shutdown)

	return mux, recv
}

func TestMultiplexer_RequestsKeepArrivalOrder(t *testing.T) {
	mux, recv := newTestMultiplexer(t)

	for i := uint32(1); i <= 5; i++ {
		recv.ch <- multiplexer.NewPacket(multiplexer.KindRequest, i, []byte{byte(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := uint32(1); i <= 5; i++ {
		p, err := mux.NextRequest(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, p.Tag())
	}
}

func TestMultiplexer_ResponsesRoutedByTag(t *testing.T) {
	mux, recv := newTestMultiplexer(t)

	tags := []uint32{10, 11, 12, 13}
	waits := make(map[uint32]<-chan multiplexer.Packet)
	for _, tag := range tags {
		ch, err := mux.Expect(tag)
		require.NoError(t, err)
		waits[tag] = ch
	}

	// deliver in reverse order
	for i := len(tags) - 1; i >= 0; i-- {
		recv.ch <- multiplexer.NewPacket(multiplexer.KindResponse, tags[i], []byte{byte(tags[i])})
	}

	for _, tag := range tags {
		select {
		case p := <-waits[tag]:
			assert.Equal(t, tag, p.Tag())
			assert.Equal(t, []byte{byte(tag)}, p.Payload())
		case <-time.After(time.Second):
			t.Fatalf("no response for tag %d", tag)
		}
	}
	assert.Zero(t, mux.Outstanding())
}

func TestMultiplexer_ResponseNotBlockedBySlowRequest(t *testing.T) {
	mux, recv := newTestMultiplexer(t)

	ch, err := mux.Expect(7)
	require.NoError(t, err)

	// nobody consumes these requests
	for i := uint32(1); i <= 32; i++ {
		recv.ch <- multiplexer.NewPacket(multiplexer.KindRequest, i, nil)
	}
	recv.ch <- multiplexer.NewPacket(multiplexer.KindResponse, 7, []byte("ok"))

	select {
	case p := <-ch:
		assert.Equal(t, []byte("ok"), p.Payload())
	case <-time.After(time.Second):
		t.Fatal("response was blocked behind pending requests")
	}
}

func TestMultiplexer_ExpectDuplicateTag(t *testing.T) {
	mux, _ := newTestMultiplexer(t)

	_, err := mux.Expect(3)
	require.NoError(t, err)

	_, err = mux.Expect(3)
	assert.ErrorIs(t, err, multiplexer.ErrTagInUse)

	mux.Forget(3)
	_, err = mux.Expect(3)
	assert.NoError(t, err)
}

func TestMultiplexer_UnknownTagDropped(t *testing.T) {
	mux, recv := newTestMultiplexer(t)

	recv.ch <- multiplexer.NewPacket(multiplexer.KindResponse, 99, []byte("late"))

	ch, err := mux.Expect(100)
	require.NoError(t, err)
	recv.ch <- multiplexer.NewPacket(multiplexer.KindResponse, 100, []byte("on time"))

	select {
	case p := <-ch:
		assert.Equal(t, []byte("on time"), p.Payload())
	case <-time.After(time.Second):
		t.Fatal("multiplexer stopped after an unknown tag")
	}
	assert.NoError(t, mux.Err())
}

func TestMultiplexer_ShutdownWakesWaiters(t *testing.T) {
	mux, _ := newTestMultiplexer(t)

	ch, err := mux.Expect(1)
	require.NoError(t, err)

	reqErr := make(chan error, 1)
	go func() {
		_, err := mux.NextRequest(context.Background())
		reqErr <- err
	}()

	mux.Shutdown()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "waiter channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by shutdown")
	}

	select {
	case err := <-reqErr:
		assert.ErrorIs(t, err, multiplexer.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("request reader was not woken by shutdown")
	}

	_, err = mux.Expect(2)
	assert.ErrorIs(t, err, multiplexer.ErrShutdown)

	select {
	case <-mux.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop did not exit")
	}
}

func TestMultiplexer_StreamClosureShutsDown(t *testing.T) {
	mux, recv := newTestMultiplexer(t)

	ch, err := mux.Expect(1)
	require.NoError(t, err)

	close(recv.ch)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by stream closure")
	}

	<-mux.Done()
	err = mux.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, multiplexer.ErrShutdown))
	assert.True(t, errors.Is(err, io.EOF))
}

func TestMultiplexer_MalformedPacketStopsDelivery(t *testing.T) {
	mux, recv := newTestMultiplexer(t)

	recv.ch <- []byte{0x01, 0x02}

	select {
	case <-mux.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop kept going after a malformed packet")
	}
	assert.ErrorIs(t, mux.Err(), multiplexer.ErrShortPacket)
}
