package ping

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Subtype is the content subtype ("application/grpc+json") the codec is
// registered under. Servers pick it up from the request; clients select it
// with grpc.CallContentSubtype, which [Call] and [Watch] do.
const Subtype = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec encodes protobuf messages with protojson and everything else
// with encoding/json, so generated clients may use the subtype as well.
type jsonCodec struct{}

func (jsonCodec) Name() string { return Subtype }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return protojson.Unmarshal(data, m)
	}
	return json.Unmarshal(data, v)
}
