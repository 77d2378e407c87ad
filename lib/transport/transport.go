// Package transport provides the byte-buffer channels a Port runs over.
//
// A transport only moves whole packets. It knows nothing about tags,
// handles or dispatch; those live one layer up.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrUnknownKind = errors.New("transport: unknown kind")
	ErrBadConfig   = errors.New("transport: malformed config")
)

// Kinds understood by Open.
const (
	KindIntra        = "Intra"
	KindDomainSocket = "DomainSocket"
)

// Sender is the outbound half of a transport. Implementations must be
// safe for concurrent use and must never interleave two packets.
type Sender interface {
	Send(ctx context.Context, packet []byte) error
}

// Receiver is the inbound half of a transport.
type Receiver interface {
	Recv(ctx context.Context) ([]byte, error)
}

// Transport is a full duplex packet channel to one peer.
type Transport interface {
	Sender
	Receiver
	io.Closer
}

// Opener builds a transport from its encoded config.
type Opener func(ctx context.Context, config []byte) (Transport, error)

var (
	openersMu sync.RWMutex
	openers   = make(map[string]Opener)
)

func init() {
	Register(KindIntra, openIntra)
	Register(KindDomainSocket, openDomainSocket)
}

// Register makes an opener available under kind.
// It panics if kind is already registered.
func Register(kind string, opener Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()

	if _, exists := openers[kind]; exists {
		panic(fmt.Sprintf("transport kind %s already registered", kind))
	}
	openers[kind] = opener
}

// Open creates a transport of the given kind.
func Open(ctx context.Context, kind string, config []byte) (Transport, error) {
	openersMu.RLock()
	opener, ok := openers[kind]
	openersMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	return opener(ctx, config)
}

// Kinds lists the registered transport kinds in sorted order.
func Kinds() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()

	kinds := make([]string, 0, len(openers))
	for kind := range openers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

var mh codec.MsgpackHandle

// EncodeConfig serializes a transport config for Open.
func EncodeConfig(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &mh).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode transport config: %w", err)
	}
	return out, nil
}

func decodeConfig(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, &mh).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}
	return nil
}
