package fml

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var mh = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return h
}()

// Marshal encodes v with the codec used for arguments and results.
func Marshal(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, mh).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return out, nil
}

// Unmarshal decodes data produced by Marshal into v.
func Unmarshal(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, mh).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}
