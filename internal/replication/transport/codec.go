package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"replicatedlog/internal/replication"
	"replicatedlog/internal/replication/wire"
)

// codecName is the gRPC content subtype of the replication service: application/grpc+rlog
const codecName = "rlog"

// codec lets gRPC carry the replication messages in their protobuf wire form without
// generated message types.
type codec struct{}

func (codec) Name() string { return codecName }

func (codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *replication.AppendEntriesRequest:
		return wire.MarshalRequest(m), nil
	case *replication.AppendEntriesResult:
		return wire.MarshalResult(m), nil
	default:
		return nil, fmt.Errorf("rlog codec: cannot marshal %T", v)
	}
}

func (codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *replication.AppendEntriesRequest:
		req, err := wire.UnmarshalRequest(data)
		if err != nil {
			return err
		}
		*m = *req
	case *replication.AppendEntriesResult:
		res, err := wire.UnmarshalResult(data)
		if err != nil {
			return err
		}
		*m = *res
	default:
		return fmt.Errorf("rlog codec: cannot unmarshal into %T", v)
	}
	return nil
}

func init() {
	encoding.RegisterCodec(codec{})
}
