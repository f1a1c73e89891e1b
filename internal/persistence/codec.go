package persistence

import (
	"encoding/json"
	"fmt"
)

// EncodeValue serializes v as JSON for storage in an event payload or a
// record column. A nil value encodes to nil.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

// DecodeValue decodes data produced by EncodeValue into a T. Empty data
// decodes to the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// MustEncode is EncodeValue for values known to be serializable.
func MustEncode(v any) []byte {
	data, err := EncodeValue(v)
	if err != nil {
		panic(err)
	}
	return data
}
