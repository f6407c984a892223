package avroipc

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/srand/avroipc/transport"
)

const DefaultMaxHandshakeRetries = 1

type options struct {
	logger              zerolog.Logger
	registerer          prometheus.Registerer
	callTimeout         time.Duration
	maxHandshakeRetries int
	dialOptions         []transport.DialOption
	transportOptions    []transport.Option
}

type Option func(*options) error

func newOptions(opts []Option) (*options, error) {
	o := &options{
		logger:              log.Logger,
		maxHandshakeRetries: DefaultMaxHandshakeRetries,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// WithRegisterer enables call and handshake metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) error {
		o.registerer = reg
		return nil
	}
}

// WithCallTimeout bounds every handshake and call. Zero, the default, blocks
// indefinitely. Hitting the bound breaks the connection.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return fmt.Errorf("call timeout cannot be negative")
		}
		o.callTimeout = d
		return nil
	}
}

// WithMaxHandshakeRetries sets how many times a NONE handshake is retried
// with the server's identity before giving up.
func WithMaxHandshakeRetries(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return fmt.Errorf("handshake retries cannot be negative")
		}
		o.maxHandshakeRetries = n
		return nil
	}
}

// WithDialOptions configures the dialer built by Dial.
func WithDialOptions(opts ...transport.DialOption) Option {
	return func(o *options) error {
		o.dialOptions = append(o.dialOptions, opts...)
		return nil
	}
}

// WithTransportOptions configures the framing layer.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) error {
		o.transportOptions = append(o.transportOptions, opts...)
		return nil
	}
}
