package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/snowmerak/baselink.go/lib/multiplexer"
)

const streamReadBuffer = 64

// Stream carries packets over an ordinary byte stream using the
// multiplexer framing.
type Stream struct {
	node    *multiplexer.Node
	closers []io.Closer

	packets chan []byte
	readErr error

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps a reader/writer pair and starts reading immediately.
// Closers are closed, in order, by Close.
func NewStream(reader io.Reader, writer io.Writer, closers ...io.Closer) *Stream {
	s := &Stream{
		node:    multiplexer.NewNode(reader, writer),
		closers: closers,
		packets: make(chan []byte, streamReadBuffer),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Stream) Send(ctx context.Context, packet []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.node.WritePacket(packet)
}

func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-s.packets:
		if !ok {
			return nil, s.readErr
		}
		return p, nil
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) readLoop() {
	for {
		p, err := s.node.ReadPacket()
		if err != nil {
			select {
			case <-s.closed:
				err = ErrClosed
			default:
			}
			s.readErr = err
			close(s.packets)
			return
		}

		select {
		case s.packets <- p:
		case <-s.closed:
			s.readErr = ErrClosed
			close(s.packets)
			return
		}
	}
}

// Close closes the underlying closers. A blocked read loop returns once
// the stream it reads from is closed.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		var errs []error
		for _, c := range s.closers {
			if err := c.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.closeErr = fmt.Errorf("close errors: %w", errors.Join(errs...))
		}
	})
	return s.closeErr
}
