package fml

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// PortID names a port within one module.
type PortID uint16

const (
	UndecidedPort  PortID = math.MaxUint16
	UndecidedIndex uint16 = math.MaxUint16
)

var errMalformed = errors.New("malformed wire data")

// ServiceObjectID names one exported object within the port that exported it.
// Index 0 is never allocated, so the zero value is never a live object.
type ServiceObjectID struct {
	Trait TraitID
	Index uint16
}

// Handle names an exported object across the wire. It does not own the
// object; the exporter's registry does.
type Handle struct {
	ID       ServiceObjectID
	Exporter PortID
	Importer PortID
}

// UndecidedHandle returns the default handle. Any call through it panics.
func UndecidedHandle() Handle {
	return Handle{
		ID:       ServiceObjectID{Trait: UndecidedTrait, Index: UndecidedIndex},
		Exporter: UndecidedPort,
		Importer: UndecidedPort,
	}
}

// Decided reports whether the exporter side of h is fully resolved.
func (h Handle) Decided() bool {
	return h.ID.Trait != UndecidedTrait &&
		h.ID.Index != 0 && h.ID.Index != UndecidedIndex &&
		h.Exporter != UndecidedPort
}

func (h Handle) String() string {
	return fmt.Sprintf("handle(trait=%d index=%d exporter=%d importer=%d)",
		h.ID.Trait, h.ID.Index, h.Exporter, h.Importer)
}

const (
	handleFieldTrait    protowire.Number = 1
	handleFieldIndex    protowire.Number = 2
	handleFieldExporter protowire.Number = 3
	handleFieldImporter protowire.Number = 4
)

// MarshalBinary encodes h in its protobuf wire form.
func (h Handle) MarshalBinary() ([]byte, error) {
	return h.appendWire(nil), nil
}

func (h Handle) appendWire(b []byte) []byte {
	b = protowire.AppendTag(b, handleFieldTrait, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.ID.Trait))
	b = protowire.AppendTag(b, handleFieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.ID.Index))
	b = protowire.AppendTag(b, handleFieldExporter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Exporter))
	b = protowire.AppendTag(b, handleFieldImporter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Importer))
	return b
}

// UnmarshalBinary decodes a handle written by MarshalBinary.
func (h *Handle) UnmarshalBinary(b []byte) error {
	decoded := UndecidedHandle()

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: handle tag: %w", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: handle field %d: %w", errMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return fmt.Errorf("%w: handle field %d: %w", errMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if v > math.MaxUint16 {
			return fmt.Errorf("%w: handle field %d out of range: %d", errMalformed, num, v)
		}

		switch num {
		case handleFieldTrait:
			decoded.ID.Trait = TraitID(v)
		case handleFieldIndex:
			decoded.ID.Index = uint16(v)
		case handleFieldExporter:
			decoded.Exporter = PortID(v)
		case handleFieldImporter:
			decoded.Importer = PortID(v)
		}
	}

	*h = decoded
	return nil
}

// Request is the payload of a call packet.
type Request struct {
	Handle Handle
	Method MethodID
	Args   []byte
}

const (
	requestFieldHandle protowire.Number = 1
	requestFieldMethod protowire.Number = 2
	requestFieldArgs   protowire.Number = 3
)

// Marshal encodes r for the wire.
func (r Request) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, requestFieldHandle, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Handle.appendWire(nil))
	b = protowire.AppendTag(b, requestFieldMethod, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Method))
	b = protowire.AppendTag(b, requestFieldArgs, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Args)
	return b
}

// ParseRequest decodes a call payload.
func ParseRequest(b []byte) (Request, error) {
	r := Request{Handle: UndecidedHandle(), Method: UndecidedMethod}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("%w: request tag: %w", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == requestFieldHandle && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, fmt.Errorf("%w: request handle: %w", errMalformed, protowire.ParseError(n))
			}
			if err := r.Handle.UnmarshalBinary(v); err != nil {
				return r, err
			}
			b = b[n:]
		case num == requestFieldMethod && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, fmt.Errorf("%w: request method: %w", errMalformed, protowire.ParseError(n))
			}
			if v > math.MaxUint32 {
				return r, fmt.Errorf("%w: method id out of range: %d", errMalformed, v)
			}
			r.Method = MethodID(v)
			b = b[n:]
		case num == requestFieldArgs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, fmt.Errorf("%w: request args: %w", errMalformed, protowire.ParseError(n))
			}
			r.Args = v
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("%w: request field %d: %w", errMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return r, nil
}
