package serialization

import (
	"io"

	"github.com/hamba/avro/v2"
)

// Decoder reads consecutive values from one stream, each under its own
// schema. Bytes read past a value stay buffered for the next Decode.
type Decoder interface {
	Decode(schema avro.Schema, v any) error
}

// Serializer encodes and decodes values under resolved schemas.
type Serializer interface {
	Marshal(schema avro.Schema, v any) ([]byte, error)
	Unmarshal(schema avro.Schema, data []byte, v any) error

	// Check reports whether values of schema can be decoded into v, which
	// must be a pointer, without consuming any input.
	Check(schema avro.Schema, v any) error

	NewDecoder(reader io.Reader, bufSize int) Decoder
}
