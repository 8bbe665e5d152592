package service

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// The admin API is consumed by the platform backend and by storage node
// agents, neither of which shares generated message types with warden. The
// service therefore speaks plain JSON frames: clients select the codec via
// the "json" content subtype while the standard health checking service stays
// on the default proto codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }
