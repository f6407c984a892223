// Package transport moves Avro values over a stream as length-prefixed
// buffers.
//
// Every buffer on the wire is a 4-byte big-endian length followed by that
// many payload bytes. One logical value may span several buffers, and a
// zero-length buffer terminates a request or response.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/hamba/avro/v2"
	"github.com/rs/zerolog"
	"github.com/srand/avroipc/serialization"
)

// Dialer opens the stream a connection runs over.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)

	// Address identifies the peer in logs.
	Address() string
}

// OpError reports a failed read or write. The transport is unusable after
// one is returned.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return "transport: " + e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Transport is one framed stream. It is not safe for concurrent use; callers
// serialise whole request/response cycles.
type Transport struct {
	conn       net.Conn
	frames     *frameReader
	decoder    serialization.Decoder
	serializer serialization.Serializer
	log        zerolog.Logger
	err        error
}

func New(conn net.Conn, options ...Option) (*Transport, error) {
	opts := defaultOptions()
	for _, opt := range options {
		if err := opt(&opts); err != nil {
			return nil, err
		}
	}

	t := &Transport{
		conn:       conn,
		frames:     newFrameReader(conn, opts.ChunkSize, opts.MaxFrameSize),
		serializer: opts.Serializer,
		log:        opts.Logger,
	}
	t.frames.onFrame = func(size uint32) {
		t.log.Trace().Uint32("size", size).Msg("read buffer header")
	}
	t.decoder = opts.Serializer.NewDecoder(t.frames, opts.ChunkSize)
	return t, nil
}

func (t *Transport) Serializer() serialization.Serializer {
	return t.serializer
}

// Err returns the error that broke the transport, if any.
func (t *Transport) Err() error {
	return t.err
}

func (t *Transport) fail(op string, err error) error {
	if t.err == nil {
		t.err = &OpError{Op: op, Err: err}
		t.log.Debug().Err(err).Str("op", op).Msg("transport failed")
	}
	return t.err
}

// WriteBuffer sends b as a single length-prefixed buffer in one write.
func (t *Transport) WriteBuffer(b []byte) error {
	if t.err != nil {
		return t.err
	}

	out := AppendFrame(make([]byte, 0, HeaderLen+len(b)), b)
	if _, err := t.conn.Write(out); err != nil {
		return t.fail("write", err)
	}

	t.log.Trace().Int("size", len(b)).Msg("wrote buffer")
	return nil
}

// WriteTerminator sends the zero-length buffer that ends a message.
func (t *Transport) WriteTerminator() error {
	return t.WriteBuffer(nil)
}

// WriteValue encodes v under schema and sends it as one buffer.
func (t *Transport) WriteValue(schema avro.Schema, v any) error {
	if t.err != nil {
		return t.err
	}

	data, err := t.serializer.Marshal(schema, v)
	if err != nil {
		return err
	}
	return t.WriteBuffer(data)
}

// ReadValue decodes the next value under schema into v, reading as many
// buffers as the value needs. Bytes past the value remain buffered for the
// next call.
func (t *Transport) ReadValue(schema avro.Schema, v any) error {
	if t.err != nil {
		return t.err
	}

	if err := t.decoder.Decode(schema, v); err != nil {
		return t.fail("read", err)
	}
	return nil
}

// ReadTerminator consumes the zero-length buffer that ends a response. Any
// payload left before it breaks the transport.
func (t *Transport) ReadTerminator() error {
	if t.err != nil {
		return t.err
	}

	if err := t.frames.readTerminator(); err != nil {
		return t.fail("read", err)
	}
	return nil
}

// SetDeadline bounds pending and future reads and writes. Hitting it breaks
// the transport.
func (t *Transport) SetDeadline(deadline time.Time) error {
	return t.conn.SetDeadline(deadline)
}

func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Close closes the underlying stream. Later operations return ErrClosed.
func (t *Transport) Close() error {
	if t.err == nil {
		t.err = ErrClosed
	}
	return t.conn.Close()
}
