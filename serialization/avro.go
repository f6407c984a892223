package serialization

import (
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/hamba/avro/v2"
)

type avroSerializer struct {
	api avro.API
}

// NewAvroSerializer returns a Serializer using the codec's default
// configuration.
func NewAvroSerializer() Serializer {
	return &avroSerializer{api: avro.DefaultConfig}
}

// NewAvroSerializerWithConfig returns a Serializer using cfg.
func NewAvroSerializerWithConfig(cfg avro.Config) Serializer {
	return &avroSerializer{api: cfg.Freeze()}
}

func (s *avroSerializer) Marshal(schema avro.Schema, v any) ([]byte, error) {
	if schema == nil {
		return nil, ErrNilSchema
	}
	if schema.Type() == avro.Null {
		return []byte{}, nil
	}
	return s.api.Marshal(schema, v)
}

func (s *avroSerializer) Unmarshal(schema avro.Schema, data []byte, v any) error {
	if schema == nil {
		return ErrNilSchema
	}
	if schema.Type() == avro.Null {
		return nil
	}
	return s.api.Unmarshal(schema, data, v)
}

// Check decodes schema from empty input into a fresh value of v's type.
// A decoder that runs out of input accepts the type; one that fails
// before reading does not.
func (s *avroSerializer) Check(schema avro.Schema, v any) error {
	if schema == nil {
		return ErrNilSchema
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: %T is not a non-nil pointer", ErrIncompatibleType, v)
	}
	elem := rv.Type().Elem()
	if schema.Type() == avro.Null || elem.Kind() == reflect.Interface {
		return nil
	}

	err := s.api.Unmarshal(schema, nil, reflect.New(elem).Interface())
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrIncompatibleType, err)
}

func (s *avroSerializer) NewDecoder(reader io.Reader, bufSize int) Decoder {
	return &streamDecoder{
		reader: avro.NewReader(reader, bufSize, avro.WithReaderConfig(s.api)),
	}
}

type streamDecoder struct {
	reader *avro.Reader
}

// Decode reads one value. A failure is sticky: the stream position is
// unknown afterwards, so every later call returns the same error.
// Null occupies no bytes, so v is left untouched for a null schema.
func (d *streamDecoder) Decode(schema avro.Schema, v any) error {
	if d.reader.Error != nil {
		return d.reader.Error
	}
	if schema == nil {
		return ErrNilSchema
	}
	if schema.Type() == avro.Null {
		return nil
	}
	d.reader.ReadVal(schema, v)
	return d.reader.Error
}
