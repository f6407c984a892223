// Package tcp dials Avro IPC connections over TCP, optionally with TLS.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/srand/avroipc/transport"
)

var ErrNoAddress = errors.New("tcp: no address provided")

type tcpDialer struct {
	dialOptions *transport.DialOptions
}

var _ transport.Dialer = (*tcpDialer)(nil)

func NewDialer(options ...transport.DialOption) (transport.Dialer, error) {
	dialOptions, err := transport.NewDialOptions(options...)
	if err != nil {
		return nil, err
	}

	if len(dialOptions.Addrs) == 0 {
		return nil, ErrNoAddress
	}

	return &tcpDialer{dialOptions: dialOptions}, nil
}

// Dial tries each configured address in order and returns the first stream
// that connects.
func (d *tcpDialer) Dial(ctx context.Context) (net.Conn, error) {
	netDialer := &net.Dialer{Timeout: d.dialOptions.ConnectTimeout}

	var lastErr error
	for _, addr := range d.dialOptions.Addrs {
		var (
			conn net.Conn
			err  error
		)
		if d.dialOptions.TlsConfig != nil {
			tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: d.dialOptions.TlsConfig}
			conn, err = tlsDialer.DialContext(ctx, d.dialOptions.Protocol, addr)
		} else {
			conn, err = netDialer.DialContext(ctx, d.dialOptions.Protocol, addr)
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (d *tcpDialer) Address() string {
	return d.dialOptions.Protocol + "://" + d.dialOptions.Addrs[0]
}
