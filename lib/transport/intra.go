package transport

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// DefaultIntraCapacity is the number of packets buffered in each direction.
const DefaultIntraCapacity = 256

// IntraConfig is the config for KindIntra. Both ends open the same Name.
type IntraConfig struct {
	Name string
}

// Intra is one end of an in-process packet channel.
type Intra struct {
	name string

	send chan<- []byte
	recv <-chan []byte

	closed     chan struct{}
	peerClosed <-chan struct{}
	closeOnce  sync.Once
}

// NewIntraPair returns two connected ends.
func NewIntraPair(capacity int) (*Intra, *Intra) {
	if capacity <= 0 {
		capacity = DefaultIntraCapacity
	}

	ab := make(chan []byte, capacity)
	ba := make(chan []byte, capacity)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &Intra{send: ab, recv: ba, closed: aClosed, peerClosed: bClosed}
	b := &Intra{send: ba, recv: ab, closed: bClosed, peerClosed: aClosed}
	return a, b
}

var (
	intraMu      sync.Mutex
	intraPending = make(map[string]*Intra)
)

// NewIntraName returns a fresh rendezvous name for DialIntra.
func NewIntraName() string {
	return "intra-" + uuid.NewString()
}

// DialIntra returns one end of the channel registered under name.
// The first caller creates the pair, the second caller takes the other end.
func DialIntra(name string) *Intra {
	intraMu.Lock()
	defer intraMu.Unlock()

	if peer, ok := intraPending[name]; ok {
		delete(intraPending, name)
		return peer
	}

	a, b := NewIntraPair(DefaultIntraCapacity)
	a.name, b.name = name, name
	intraPending[name] = b
	return a
}

func openIntra(_ context.Context, config []byte) (Transport, error) {
	var cfg IntraConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		return nil, ErrBadConfig
	}
	return DialIntra(cfg.Name), nil
}

func (t *Intra) Name() string {
	return t.name
}

func (t *Intra) Send(ctx context.Context, packet []byte) error {
	// the receiver owns what it gets
	b := make([]byte, len(packet))
	copy(b, packet)

	select {
	case <-t.closed:
		return ErrClosed
	case <-t.peerClosed:
		return ErrClosed
	default:
	}

	select {
	case t.send <- b:
		return nil
	case <-t.closed:
		return ErrClosed
	case <-t.peerClosed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns io.EOF once the peer has closed and everything it sent was read.
func (t *Intra) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-t.recv:
		return b, nil
	default:
	}

	select {
	case b := <-t.recv:
		return b, nil
	case <-t.closed:
		return nil, ErrClosed
	case <-t.peerClosed:
		select {
		case b := <-t.recv:
			return b, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Intra) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}
