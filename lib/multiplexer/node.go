package multiplexer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// 1 Byte for the packet kind, 4 Bytes for the call tag, and 4 Bytes for the payload length
	PacketHeaderSize = 9

	KindRequest  = uint8(0x01) // Inbound call to be dispatched
	KindResponse = uint8(0x02) // Serialized return value of a call
	KindError    = uint8(0x03) // Application error raised by the called method
	KindFault    = uint8(0x04) // Remote side hit a protocol violation while serving the call
)

// MaxPayloadSize bounds a single packet payload.
const MaxPayloadSize = 1024 * 1024 * 16

var (
	ErrShortPacket     = errors.New("multiplexer: packet shorter than its header")
	ErrLengthMismatch  = errors.New("multiplexer: header length does not match payload")
	ErrPayloadTooLarge = errors.New("multiplexer: payload exceeds maximum size")
	ErrUnknownKind     = errors.New("multiplexer: unknown packet kind")
	ErrNilWriter       = errors.New("multiplexer: writer is nil")
)

// Packet is one framed message: a fixed header followed by its payload.
type Packet []byte

// NewPacket builds a packet of the given kind, tagged with tag.
func NewPacket(kind uint8, tag uint32, payload []byte) Packet {
	p := make(Packet, PacketHeaderSize+len(payload))
	p[0] = kind
	binary.BigEndian.PutUint32(p[1:5], tag)
	binary.BigEndian.PutUint32(p[5:9], uint32(len(payload)))
	copy(p[PacketHeaderSize:], payload)
	return p
}

func (p Packet) Kind() uint8 {
	return p[0]
}

func (p Packet) Tag() uint32 {
	return binary.BigEndian.Uint32(p[1:5])
}

// Payload returns the bytes after the header. The slice aliases the packet.
func (p Packet) Payload() []byte {
	return p[PacketHeaderSize:]
}

// Validate checks the header against the packet's actual size.
func (p Packet) Validate() error {
	if len(p) < PacketHeaderSize {
		return ErrShortPacket
	}

	switch p.Kind() {
	case KindRequest, KindResponse, KindError, KindFault:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, p.Kind())
	}

	length := binary.BigEndian.Uint32(p[5:9])
	if length > MaxPayloadSize {
		return fmt.Errorf("%w: %d", ErrPayloadTooLarge, length)
	}
	if int(length) != len(p)-PacketHeaderSize {
		return fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, length, len(p)-PacketHeaderSize)
	}

	return nil
}

// KindString names a packet kind for logs.
func KindString(kind uint8) string {
	switch kind {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindFault:
		return "fault"
	default:
		return "unknown"
	}
}

var headerPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, PacketHeaderSize)
	},
}

// Node frames packets over a byte stream.
// Writes are serialized so a packet is never interleaved with another one.
type Node struct {
	reader io.Reader
	writer io.Writer

	writerLock sync.Mutex
	readerLock sync.Mutex
}

func NewNode(reader io.Reader, writer io.Writer) *Node {
	return &Node{
		reader: reader,
		writer: writer,
	}
}

// WritePacket writes p as a single contiguous write.
func (n *Node) WritePacket(p Packet) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("refusing to write packet: %w", err)
	}

	n.writerLock.Lock()
	defer n.writerLock.Unlock()

	if n.writer == nil {
		return ErrNilWriter
	}

	if _, err := n.writer.Write(p); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}

	return nil
}

// ReadPacket blocks until one whole packet has been read from the stream.
// io.EOF is returned as is when the stream ends on a packet boundary.
func (n *Node) ReadPacket() (Packet, error) {
	n.readerLock.Lock()
	defer n.readerLock.Unlock()

	header := headerPool.Get().([]byte)
	defer headerPool.Put(header)

	if _, err := io.ReadFull(n.reader, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("incomplete header: %w", err)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[5:9])
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d", ErrPayloadTooLarge, length)
	}

	p := make(Packet, PacketHeaderSize+int(length))
	copy(p, header)
	if length > 0 {
		if _, err := io.ReadFull(n.reader, p[PacketHeaderSize:]); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("incomplete payload: %w", err)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}
