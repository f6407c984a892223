package transport

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/srand/avroipc/serialization"
)

// Options configures the framing layer of a Transport.
type Options struct {
	// Upper bound of a single socket read while draining a buffer.
	ChunkSize int

	// Largest buffer accepted from the peer. Zero disables the check.
	MaxFrameSize uint32

	Serializer serialization.Serializer

	Logger zerolog.Logger
}

type Option func(*Options) error

func defaultOptions() Options {
	return Options{
		ChunkSize:    DefaultChunkSize,
		MaxFrameSize: DefaultMaxFrameSize,
		Serializer:   serialization.NewAvroSerializer(),
		Logger:       zerolog.Nop(),
	}
}

func WithChunkSize(n int) Option {
	return func(opts *Options) error {
		if n <= 0 {
			return fmt.Errorf("chunk size must be positive, got %d", n)
		}
		opts.ChunkSize = n
		return nil
	}
}

func WithMaxFrameSize(n uint32) Option {
	return func(opts *Options) error {
		opts.MaxFrameSize = n
		return nil
	}
}

func WithSerializer(s serialization.Serializer) Option {
	return func(opts *Options) error {
		if s == nil {
			return fmt.Errorf("serializer cannot be nil")
		}
		opts.Serializer = s
		return nil
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(opts *Options) error {
		opts.Logger = logger
		return nil
	}
}
