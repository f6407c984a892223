package avroipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/srand/avroipc/schema"
	"github.com/srand/avroipc/transport"
	"github.com/srand/avroipc/transport/tcp"
)

// Conn is a client connection to an Avro IPC server.
//
// A Conn owns one stream and one named-type cache. Calls are serialised: each
// holds the connection for its whole write and read cycle, so a Conn may be
// shared, but calls never overlap on the wire. After a transport error every
// operation returns that error and the Conn must be replaced.
type Conn struct {
	id       uuid.UUID
	addr     string
	nc       net.Conn
	tr       *transport.Transport
	resolver *schema.Resolver
	opts     *options
	log      zerolog.Logger
	metrics  *metrics
	closed   atomic.Bool

	mu          sync.Mutex
	negotiation *Negotiation
	protocol    *Protocol
}

// Dial connects to host:port over TCP.
func Dial(ctx context.Context, host string, port int, opts ...Option) (*Conn, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	dialOptions := append([]transport.DialOption{
		transport.WithAddress(net.JoinHostPort(host, strconv.Itoa(port))),
	}, o.dialOptions...)

	dialer, err := tcp.NewDialer(dialOptions...)
	if err != nil {
		return nil, err
	}
	return NewConn(ctx, dialer, opts...)
}

// NewConn opens a stream with dialer and wraps it in a Conn.
func NewConn(ctx context.Context, dialer transport.Dialer, opts ...Option) (*Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	nc, err := dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", dialer.Address(), err)
	}

	c, err := newConn(nc, dialer.Address(), opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Client wraps an already established stream.
func Client(nc net.Conn, opts ...Option) (*Conn, error) {
	return newConn(nc, nc.RemoteAddr().String(), opts)
}

func newConn(nc net.Conn, addr string, opts []Option) (*Conn, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	m, err := newMetrics(o.registerer)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	logger := o.logger.With().Str("conn", id.String()).Str("addr", addr).Logger()

	tr, err := transport.New(nc, append(o.transportOptions, transport.WithLogger(logger))...)
	if err != nil {
		return nil, err
	}

	logger.Debug().Msg("connected")

	return &Conn{
		id:       id,
		addr:     addr,
		nc:       nc,
		tr:       tr,
		resolver: schema.NewResolver(nil),
		opts:     o,
		log:      logger,
		metrics:  m,
	}, nil
}

func (c *Conn) ID() uuid.UUID {
	return c.id
}

func (c *Conn) Address() string {
	return c.addr
}

// Cache returns the named types registered on this connection.
func (c *Conn) Cache() *schema.Cache {
	return c.resolver.Cache()
}

// Negotiation returns the result of the last successful handshake, or nil.
func (c *Conn) Negotiation() *Negotiation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiation
}

// Protocol returns the negotiated protocol, or nil if none was negotiated or
// it could not be parsed.
func (c *Conn) Protocol() *Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// RegisterProtocol registers the named types declared by p so methods
// referring to them can be called.
func (c *Conn) RegisterProtocol(p *Protocol) error {
	for _, t := range p.Types {
		if _, err := c.resolver.Resolve(p.Namespace, string(t)); err != nil {
			return fmt.Errorf("protocol %s: %w", p.Name, err)
		}
	}
	return nil
}

func (c *Conn) loadProtocol(doc string) error {
	p, err := ParseProtocol(doc)
	if err != nil {
		return err
	}
	if err := c.RegisterProtocol(p); err != nil {
		return err
	}
	c.protocol = p
	return nil
}

// Call invokes method with args and returns the decoded response. Records
// decode to map[string]any.
func (c *Conn) Call(ctx context.Context, method Method, args Args) (any, error) {
	var out any
	if err := c.CallInto(ctx, method, args, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Invoke calls a method of the negotiated protocol by name.
func (c *Conn) Invoke(ctx context.Context, name string, args Args) (any, error) {
	p := c.Protocol()
	if p == nil {
		return nil, ErrNoProtocol
	}

	method, err := p.Method(name)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, method, args)
}

// CallInto invokes method with args and decodes the response into out, which
// must be a non-nil pointer.
//
// Arguments are bound and encoded before anything is written, so usage
// errors leave the connection untouched. A remote error is returned as
// *RemoteError and the connection stays usable.
func (c *Conn) CallInto(ctx context.Context, method Method, args Args, out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.observeCall(method.Name, start, err)
	}()

	if rv := reflect.ValueOf(out); rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrInvalidOutput
	}

	msg, err := Bind(method, args)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if c.negotiation == nil {
		return ErrHandshakeRequired
	}

	req, err := c.encode(msg)
	if err != nil {
		return err
	}
	if err := c.tr.Serializer().Check(req.response, out); err != nil {
		return fmt.Errorf("%s: %w", method.Name, err)
	}

	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	c.log.Debug().Str("method", method.Name).Int("params", len(msg.Params)).Msg("call")

	if err := c.exchange(method.Name, req, out); err != nil {
		return c.contextError(ctx, err)
	}
	return nil
}

func (c *Conn) exchange(method string, req *request, out any) error {
	for _, b := range req.buffers {
		if err := c.tr.WriteBuffer(b); err != nil {
			return err
		}
	}
	if err := c.tr.WriteTerminator(); err != nil {
		return err
	}

	var meta map[string][]byte
	if err := c.readValue(metadataSchema, &meta); err != nil {
		return err
	}

	var failed bool
	if err := c.readValue(booleanSchema, &failed); err != nil {
		return err
	}

	if failed {
		var remote map[string]any
		if err := c.readValue(errorSchema, &remote); err != nil {
			return err
		}
		if err := c.tr.ReadTerminator(); err != nil {
			return err
		}
		c.log.Debug().Str("method", method).Msg("remote error")
		return &RemoteError{Method: method, Message: errorMessage(remote)}
	}

	if err := c.tr.ReadValue(req.response, out); err != nil {
		return err
	}
	return c.tr.ReadTerminator()
}

// readValue resolves raw on the connection cache and reads one value.
func (c *Conn) readValue(raw string, v any) error {
	sch, err := c.resolver.Resolve("", raw)
	if err != nil {
		return err
	}
	return c.tr.ReadValue(sch, v)
}

func (c *Conn) usable() error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.tr.Err()
}

// begin applies the call timeout and ties ctx to the socket: cancelling ctx
// expires the socket deadline, aborting pending I/O. The returned func must
// be called once the exchange is over.
func (c *Conn) begin(ctx context.Context) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline, hasDeadline := ctx.Deadline()
	if c.opts.callTimeout > 0 {
		d := time.Now().Add(c.opts.callTimeout)
		if !hasDeadline || d.Before(deadline) {
			deadline, hasDeadline = d, true
		}
	}
	if hasDeadline {
		if err := c.tr.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = c.tr.SetDeadline(time.Unix(1, 0))
	})

	return func() {
		if !stop() {
			<-fired
		}
		if hasDeadline || ctx.Err() != nil {
			_ = c.tr.SetDeadline(time.Time{})
		}
	}, nil
}

// contextError attaches the context's error to a failure it caused.
func (c *Conn) contextError(ctx context.Context, err error) error {
	if ctx == nil || ctx.Err() == nil {
		return err
	}
	if errors.Is(err, ctx.Err()) {
		return err
	}
	return fmt.Errorf("%w: %w", ctx.Err(), err)
}

// Close closes the stream. A call in progress fails with a transport error.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.log.Debug().Msg("closing")
	return c.nc.Close()
}
