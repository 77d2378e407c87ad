package baselink

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/snowmerak/baselink.go/lib/fml"
	"github.com/snowmerak/baselink.go/lib/multiplexer"
	"github.com/snowmerak/baselink.go/lib/transport"
)

var (
	ErrBadMessage        = errors.New("baselink: malformed control message")
	ErrUnexpectedCommand = errors.New("baselink: unexpected command")
	ErrNoDebug           = errors.New("baselink: no debug routine")
	ErrNoPreset          = errors.New("baselink: no handle preset")
	ErrUnknownModule     = errors.New("baselink: unknown module")
)

// channel moves control messages over a transport, one message per packet.
// The controller sends requests and the module answers with responses, or
// with an error packet when a command failed.
type channel struct {
	t    transport.Transport
	kind uint8 // kind of the packets this side sends
	peer uint8 // kind expected from the other side
	seq  atomic.Uint32
}

func newChannel(t transport.Transport, kind, peer uint8) *channel {
	return &channel{t: t, kind: kind, peer: peer}
}

func (c *channel) send(ctx context.Context, v any) error {
	data, err := fml.Marshal(v)
	if err != nil {
		return err
	}
	return c.t.Send(ctx, multiplexer.NewPacket(c.kind, c.seq.Add(1), data))
}

// fail reports a failed command in place of its reply.
func (c *channel) fail(ctx context.Context, cause error) error {
	return c.t.Send(ctx, multiplexer.NewPacket(multiplexer.KindError, c.seq.Add(1), []byte(cause.Error())))
}

func (c *channel) recv(ctx context.Context, v any) error {
	data, err := c.t.Recv(ctx)
	if err != nil {
		return err
	}

	p := multiplexer.Packet(data)
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadMessage, err)
	}

	switch p.Kind() {
	case c.peer:
	case multiplexer.KindError:
		return &fml.RemoteError{Message: string(p.Payload())}
	default:
		return fmt.Errorf("%w: unexpected %s packet", ErrBadMessage, multiplexer.KindString(p.Kind()))
	}

	if err := fml.Unmarshal(p.Payload(), v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadMessage, err)
	}
	return nil
}
