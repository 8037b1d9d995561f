package relay

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"imconnect/node/internal/protocol"
)

// CodecName is the gRPC content subtype used by relay calls.
const CodecName = "imwire"

// wireCodec marshals relay messages with their own protobuf wire encoders, so the
// service needs no generated code.
type wireCodec struct{}

func (wireCodec) Name() string { return CodecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(protocol.Message)
	if !ok {
		return nil, fmt.Errorf("imwire: cannot marshal %T", v)
	}
	return msg.MarshalWire(), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(protocol.Message)
	if !ok {
		return fmt.Errorf("imwire: cannot unmarshal into %T", v)
	}
	return msg.UnmarshalWire(data)
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}
