package serialization

import (
	"bytes"
	"testing"

	"github.com/hamba/avro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderReadsConsecutiveValues(t *testing.T) {
	s := NewAvroSerializer()
	str := avro.MustParse(`"string"`)
	boolean := avro.MustParse(`"boolean"`)

	a, err := s.Marshal(str, "add")
	require.NoError(t, err)
	b, err := s.Marshal(boolean, true)
	require.NoError(t, err)

	dec := s.NewDecoder(bytes.NewReader(append(a, b...)), 2)

	var name string
	require.NoError(t, dec.Decode(str, &name))
	assert.Equal(t, "add", name)

	var flag bool
	require.NoError(t, dec.Decode(boolean, &flag))
	assert.True(t, flag)
}

func TestDecoderErrorIsSticky(t *testing.T) {
	s := NewAvroSerializer()
	long := avro.MustParse(`"long"`)

	dec := s.NewDecoder(bytes.NewReader(nil), 16)

	var v int64
	err := dec.Decode(long, &v)
	require.Error(t, err)
	assert.Equal(t, err, dec.Decode(long, &v))
}

func TestNilSchema(t *testing.T) {
	s := NewAvroSerializer()

	_, err := s.Marshal(nil, 1)
	assert.ErrorIs(t, err, ErrNilSchema)
	assert.ErrorIs(t, s.Unmarshal(nil, nil, new(int)), ErrNilSchema)
}

func TestDecoderSkipsNull(t *testing.T) {
	s := NewAvroSerializer()
	str := avro.MustParse(`"string"`)
	null := avro.MustParse(`"null"`)

	a, err := s.Marshal(str, "before")
	require.NoError(t, err)
	b, err := s.Marshal(str, "after")
	require.NoError(t, err)

	dec := s.NewDecoder(bytes.NewReader(append(a, b...)), 16)

	var first, second string
	require.NoError(t, dec.Decode(str, &first))

	var filler any
	require.NoError(t, dec.Decode(null, &filler))
	assert.Nil(t, filler)

	require.NoError(t, dec.Decode(str, &second))
	assert.Equal(t, "before", first)
	assert.Equal(t, "after", second)
}

func TestNullHasNoBytes(t *testing.T) {
	s := NewAvroSerializer()
	null := avro.MustParse(`"null"`)

	data, err := s.Marshal(null, nil)
	require.NoError(t, err)
	assert.Empty(t, data)

	var v any
	assert.NoError(t, s.Unmarshal(null, nil, &v))
	assert.Nil(t, v)
}

func TestCheck(t *testing.T) {
	s := NewAvroSerializer()
	long := avro.MustParse(`"long"`)
	record := avro.MustParse(`{"type": "record", "name": "P", "fields": [{"name": "x", "type": "int"}]}`)

	type p struct {
		X int `avro:"x"`
	}

	assert.NoError(t, s.Check(long, new(int64)))
	assert.NoError(t, s.Check(long, new(any)))
	assert.NoError(t, s.Check(record, new(p)))
	assert.NoError(t, s.Check(record, new(map[string]any)))
	assert.NoError(t, s.Check(avro.MustParse(`"null"`), new(struct{ A string })))

	assert.ErrorIs(t, s.Check(long, new(struct{ A string })), ErrIncompatibleType)
	assert.ErrorIs(t, s.Check(long, int64(1)), ErrIncompatibleType)
	assert.ErrorIs(t, s.Check(nil, new(int64)), ErrNilSchema)
}
