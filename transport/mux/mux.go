// Package mux runs several Avro IPC connections as streams of one
// multiplexed link.
//
// Each stream carries an independent connection with its own handshake and
// named-type cache, so one stream per worker gives concurrency without
// sharing a connection.
package mux

import (
	"context"
	"net"
	"sync"

	"github.com/hashicorp/yamux"
	"github.com/srand/avroipc/transport"
	"go.uber.org/multierr"
)

type Dialer struct {
	session *yamux.Session
	addr    string

	mu      sync.Mutex
	streams map[*stream]struct{}
}

// stream removes itself from its dialer when closed.
type stream struct {
	net.Conn
	dialer *Dialer
	once   sync.Once
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.dialer.mu.Lock()
		delete(s.dialer.streams, s)
		s.dialer.mu.Unlock()
	})
	return s.Conn.Close()
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer starts the client end of a session over conn. A nil config uses
// the yamux defaults.
func NewDialer(conn net.Conn, config *yamux.Config) (*Dialer, error) {
	session, err := yamux.Client(conn, config)
	if err != nil {
		return nil, err
	}

	return &Dialer{
		session: session,
		addr:    "yamux://" + conn.RemoteAddr().String(),
		streams: make(map[*stream]struct{}),
	}, nil
}

// Dial opens a new stream.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := d.session.Open()
	if err != nil {
		return nil, err
	}

	s := &stream{Conn: conn, dialer: d}
	d.mu.Lock()
	d.streams[s] = struct{}{}
	d.mu.Unlock()
	return s, nil
}

func (d *Dialer) Address() string {
	return d.addr
}

// NumStreams returns how many streams opened through the dialer are not yet
// closed.
func (d *Dialer) NumStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// Close closes every stream opened through the dialer, then the session and
// its underlying connection.
func (d *Dialer) Close() error {
	d.mu.Lock()
	streams := d.streams
	d.streams = make(map[*stream]struct{})
	d.mu.Unlock()

	var err error
	for s := range streams {
		err = multierr.Append(err, s.Conn.Close())
	}
	return multierr.Append(err, d.session.Close())
}

// Serve runs the server end of a session over conn, handing each accepted
// stream to handle in its own goroutine until the session ends.
func Serve(conn net.Conn, config *yamux.Config, handle func(net.Conn)) error {
	session, err := yamux.Server(conn, config)
	if err != nil {
		return err
	}
	defer session.Close()

	for {
		stream, err := session.Accept()
		if err != nil {
			return err
		}

		go func() {
			defer stream.Close()
			handle(stream)
		}()
	}
}
