package store

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	tagString byte = iota + 1
	tagInt
	tagFloat
	tagBool
	tagTime
	tagBlob
)

// envelope keeps the Go type of a value so that it decodes back to the
// canonical representation (int64 stays int64, blobs stay []byte).
type envelope struct {
	Tag   byte               `msgpack:"t"`
	Value msgpack.RawMessage `msgpack:"v"`
}

// EncodeValue serializes a property value for durable storage.
func EncodeValue(v Value) ([]byte, error) {
	var tag byte
	switch v.(type) {
	case string:
		tag = tagString
	case int64:
		tag = tagInt
	case float64:
		tag = tagFloat
	case bool:
		tag = tagBool
	case time.Time:
		tag = tagTime
	case []byte:
		tag = tagBlob
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidValue, v)
	}
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return msgpack.Marshal(envelope{Tag: tag, Value: raw})
}

// DecodeValue restores a value written by EncodeValue.
func DecodeValue(data []byte) (Value, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	switch env.Tag {
	case tagString:
		return decodeAs[string](env.Value)
	case tagInt:
		return decodeAs[int64](env.Value)
	case tagFloat:
		return decodeAs[float64](env.Value)
	case tagBool:
		return decodeAs[bool](env.Value)
	case tagTime:
		t, err := decodeAs[time.Time](env.Value)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	case tagBlob:
		return decodeAs[[]byte](env.Value)
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrInvalidValue, env.Tag)
	}
}

func decodeAs[T any](raw msgpack.RawMessage) (T, error) {
	var v T
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}
