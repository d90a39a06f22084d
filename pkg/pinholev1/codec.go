package pinholev1

import (
	"encoding/json"
	"fmt"
)

// jsonCodec implements connect.Codec over plain Go structs. connect-go's
// generic handler constructors (NewUnaryHandler, NewServerStreamHandler)
// are not constrained to proto.Message, so a hand-written codec is a
// real, compiling use of connectrpc.com/connect rather than a fabricated
// substitute for the absent generated protobuf stubs (DESIGN.md,
// "pkg/pinholev1").
type jsonCodec struct{}

// CodecName is registered with the handler/client as the wire codec name.
const CodecName = "json"

func newJSONCodec() *jsonCodec { return &jsonCodec{} }

func (*jsonCodec) Name() string { return CodecName }

func (*jsonCodec) Marshal(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	return b, nil
}

func (*jsonCodec) Unmarshal(data []byte, msg any) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal into %T: %w", msg, err)
	}
	return nil
}
