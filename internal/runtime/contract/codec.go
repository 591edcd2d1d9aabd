package contract

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/procbus/internal/runtime/jsoncodec"
)

// Marshal encodes a Go value to wire JSON. Protobuf messages use protojson,
// everything else goes through sonic.
func Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		data, err := protojson.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", v, err)
		}
		return data, nil
	}
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes wire JSON into a fresh T. Pointer-to-message types are
// allocated and filled through protojson.
func Unmarshal[T any](data []byte) (T, error) {
	var out T
	if msg, ok := any(out).(proto.Message); ok {
		fresh := msg.ProtoReflect().Type().New().Interface()
		if err := protojson.Unmarshal(data, fresh); err != nil {
			return out, fmt.Errorf("decode %T: %w", out, err)
		}
		return fresh.(T), nil
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := jsoncodec.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}
