package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/pingup/flowline/pkg/api"
)

func init() {
	// Step results and event payloads travel through `any`; register the
	// concrete types the engine stores there beyond gob's builtins.
	gob.Register(time.Time{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(api.Event{})
}

// EncodeValue serializes arbitrary Go values using encoding/gob.
// Callers must ensure that values are gob-encodable; types carried inside
// interface values must be registered with gob.Register.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	// Encode as interface{} so we can safely decode into interface{}.
	iv := v
	if err := enc.Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes a value previously produced by EncodeValue.
// A nil/empty payload decodes to the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}

	var iv any
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&iv); err != nil {
		return zero, err
	}
	v, ok := iv.(T)
	if !ok {
		return zero, fmt.Errorf("gob: decoded payload of type %T not assignable to target", iv)
	}
	return v, nil
}
