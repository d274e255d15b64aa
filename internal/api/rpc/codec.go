package rpc

import (
	"encoding/json"
)

// jsonCodec lets Connect carry plain Go structs as JSON. It replaces the
// default protobuf-backed "json" codec, which only accepts proto messages.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
