package lifecycle

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is the gRPC content-subtype this package's messages are
// carried under: "application/grpc+lifecycle-json". Registering a custom
// codec lets the deploy-notification stream use plain Go structs instead of
// generated protobuf messages, the same extension point the grpc-go
// ecosystem uses for non-protobuf payloads (JSON, msgpack, etc).
const jsonCodecName = "lifecycle-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
