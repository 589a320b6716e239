package rpc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// codecName is sent as the gRPC content-subtype ("application/grpc+msgpack").
const codecName = "msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// Reply is the raw, undecoded payload a backend answered with.
type Reply []byte

// msgpackCodec passes Reply values through untouched and MessagePack-encodes
// everything else.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return codecName }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	switch r := v.(type) {
	case Reply:
		return r, nil
	case *Reply:
		return *r, nil
	}
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	if r, ok := v.(*Reply); ok {
		*r = append((*r)[:0], data...)
		return nil
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc: decode: %w", err)
	}
	return nil
}

type request struct {
	Args []any `msgpack:"args"`
}

type serverRequest struct {
	Args Args `msgpack:"args"`
}

// Args are the positional arguments of one call, decoded lazily.
type Args []msgpack.RawMessage

func (a Args) Len() int { return len(a) }

func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("rpc: missing argument %d", i)
	}
	if err := msgpack.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("rpc: argument %d: %w", i, err)
	}
	return nil
}
