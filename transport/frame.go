package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderLen is the size of the big-endian length prefix of every buffer.
	HeaderLen = 4

	DefaultChunkSize    = 4096
	DefaultMaxFrameSize = 16 << 20
)

var (
	ErrFrameTooLarge = errors.New("transport: frame too large")
	ErrClosed        = errors.New("transport: closed")
	ErrTrailingData  = errors.New("transport: data before terminator")
)

// AppendFrame appends payload to dst as one length-prefixed buffer.
// A nil or empty payload produces a terminator.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// frameReader exposes the payloads of consecutive buffers as one byte stream.
// A new length prefix is read only once the current buffer is drained, and
// zero-length buffers are skipped.
type frameReader struct {
	r         io.Reader
	remaining uint32
	chunk     int
	max       uint32
	header    [HeaderLen]byte
	onFrame   func(size uint32)
}

func newFrameReader(r io.Reader, chunk int, max uint32) *frameReader {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &frameReader{r: r, chunk: chunk, max: max}
}

func (f *frameReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for f.remaining == 0 {
		if _, err := io.ReadFull(f.r, f.header[:]); err != nil {
			return 0, err
		}
		size := binary.BigEndian.Uint32(f.header[:])
		if f.max > 0 && size > f.max {
			return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
		if f.onFrame != nil {
			f.onFrame(size)
		}
		f.remaining = size
	}

	n := len(p)
	if n > f.chunk {
		n = f.chunk
	}
	if uint32(n) > f.remaining {
		n = int(f.remaining)
	}

	n, err := f.r.Read(p[:n])
	f.remaining -= uint32(n)
	if errors.Is(err, io.EOF) && f.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// readTerminator consumes the zero-length buffer that ends a message. The
// current buffer must be fully drained first.
func (f *frameReader) readTerminator() error {
	if f.remaining > 0 {
		return fmt.Errorf("%w: %d bytes left in buffer", ErrTrailingData, f.remaining)
	}
	if _, err := io.ReadFull(f.r, f.header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(f.header[:])
	if f.onFrame != nil {
		f.onFrame(size)
	}
	if size != 0 {
		f.remaining = size
		return fmt.Errorf("%w: %d byte buffer", ErrTrailingData, size)
	}
	return nil
}

// ReadMessage reads buffers up to and including the next terminator and
// returns their payloads in order. It is the server side of the framing;
// clients stream values through a Transport instead.
func ReadMessage(r io.Reader, max uint32) ([][]byte, error) {
	var (
		header  [HeaderLen]byte
		buffers [][]byte
	)
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if len(buffers) > 0 && errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}

		size := binary.BigEndian.Uint32(header[:])
		if size == 0 {
			return buffers, nil
		}
		if max > 0 && size > max {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buffers = append(buffers, payload)
	}
}
