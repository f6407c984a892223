package transport

import (
	"crypto/tls"
	"fmt"
	"time"
)

type DialOptions struct {
	Addrs []string

	// Timeout for the dial operation. Zero means no timeout.
	ConnectTimeout time.Duration

	// Underlying protocol to use (e.g. "tcp", "unix").
	Protocol string

	// TLS configuration for secure connections. Nil dials in plain text.
	TlsConfig *tls.Config
}

type DialOption func(*DialOptions) error

// NewDialOptions applies options over the defaults.
func NewDialOptions(options ...DialOption) (*DialOptions, error) {
	opts := &DialOptions{
		Protocol: "tcp",
	}

	for _, opt := range options {
		if err := opt(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

func WithAddress(addr string) DialOption {
	return func(opts *DialOptions) error {
		opts.Addrs = append(opts.Addrs, addr)
		return nil
	}
}

func WithConnectTimeout(d time.Duration) DialOption {
	return func(opts *DialOptions) error {
		opts.ConnectTimeout = d
		return nil
	}
}

func WithProtocol(protocol string) DialOption {
	return func(opts *DialOptions) error {
		opts.Protocol = protocol
		return nil
	}
}

func WithTLSConfig(tlsConfig *tls.Config) DialOption {
	return func(opts *DialOptions) error {
		opts.TlsConfig = tlsConfig
		return nil
	}
}

func WithCertificateFile(certFile, keyFile string) DialOption {
	return func(opts *DialOptions) error {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("failed to load certificate: %v", err)
		}

		if opts.TlsConfig == nil {
			opts.TlsConfig = &tls.Config{}
		}

		opts.TlsConfig.Certificates = []tls.Certificate{cert}
		return nil
	}
}
