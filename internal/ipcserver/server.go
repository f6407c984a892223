// Package ipcserver is a small Avro IPC server.
//
// It answers handshakes for one protocol document and dispatches
// calls to a Handler. Every message it receives must end with a terminator
// buffer. A message whose first buffer is an empty metadata map is a call;
// anything else is a handshake.
package ipcserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/hamba/avro/v2"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/srand/avroipc"
	"github.com/srand/avroipc/schema"
	"github.com/srand/avroipc/serialization"
	"github.com/srand/avroipc/transport"
	"github.com/srand/avroipc/transport/mux"
	"go.uber.org/multierr"
)

// Handler answers calls. A returned error is sent as a remote error.
type Handler interface {
	Handle(method string, params []any) (any, error)
}

type HandlerFunc func(method string, params []any) (any, error)

func (f HandlerFunc) Handle(method string, params []any) (any, error) {
	return f(method, params)
}

type Option func(*Server)

// WithSplitSize makes the server cut every response into buffers of at most
// n bytes, regardless of value boundaries.
func WithSplitSize(n int) Option {
	return func(s *Server) {
		s.split = n
	}
}

// WithRejectAll makes every handshake answer NONE.
func WithRejectAll() Option {
	return func(s *Server) {
		s.rejectAll = true
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.log = logger
	}
}

type Server struct {
	protocol   *avroipc.Protocol
	hash       [16]byte
	handler    Handler
	serializer serialization.Serializer
	log        zerolog.Logger

	split     int
	rejectAll bool

	mu         sync.Mutex
	handshakes []avroipc.HandshakeRequest
	listeners  []net.Listener
	conns      map[net.Conn]struct{}
	closed     bool
	wg         sync.WaitGroup
}

func New(doc string, handler Handler, opts ...Option) (*Server, error) {
	p, err := avroipc.ParseProtocol(doc)
	if err != nil {
		return nil, err
	}

	s := &Server{
		protocol:   p,
		hash:       p.Hash(),
		handler:    handler,
		serializer: serialization.NewAvroSerializer(),
		log:        log.Logger,
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) Protocol() *avroipc.Protocol {
	return s.protocol
}

func (s *Server) Hash() [16]byte {
	return s.hash
}

// Addr returns the address of the first listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr().String())
	return host
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Handshakes returns every handshake request received so far, in order.
func (s *Server) Handshakes() []avroipc.HandshakeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]avroipc.HandshakeRequest(nil), s.handshakes...)
}

// Listen registers l and accepts connections on it in the background
// until l or the server is closed.
func (s *Server) Listen(l net.Listener) error {
	if err := s.track(l); err != nil {
		return err
	}
	s.log.Debug().Stringer("addr", l.Addr()).Msg("ipcserver: listening")
	go s.accept(l)
	return nil
}

// Serve accepts connections on l until l or the server is closed.
func (s *Server) Serve(l net.Listener) error {
	if err := s.track(l); err != nil {
		return err
	}
	return s.accept(l)
}

func (s *Server) track(l net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		l.Close()
		return net.ErrClosed
	}
	s.listeners = append(s.listeners, l)
	return nil
}

func (s *Server) accept(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.ServeConn(nc)
	}
}

// ServeConn serves one stream until the peer closes it.
func (s *Server) ServeConn(nc net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[nc] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		nc.Close()
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		s.wg.Done()
	}()

	sess, err := s.newSession(nc)
	if err != nil {
		s.log.Error().Err(err).Msg("ipcserver: session setup failed")
		return
	}

	for {
		msg, err := transport.ReadMessage(nc, transport.DefaultMaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Msg("ipcserver: read failed")
			}
			return
		}

		if isCall(msg) {
			err = sess.call(msg)
		} else {
			err = sess.handshake(msg)
		}
		if err != nil {
			s.log.Debug().Err(err).Msg("ipcserver: session ended")
			return
		}
	}
}

// ServeMux serves every stream of a multiplexed link over nc.
func (s *Server) ServeMux(nc net.Conn, config *yamux.Config) error {
	return mux.Serve(nc, config, s.ServeConn)
}

// Close stops every listener and connection and waits for sessions to end.
func (s *Server) Close() error {
	var err error

	s.mu.Lock()
	s.closed = true
	for _, l := range s.listeners {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	for nc := range s.conns {
		nc.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func isCall(msg [][]byte) bool {
	return len(msg) >= 2 && len(msg[0]) == 1 && msg[0][0] == 0
}

// session holds the per-connection named-type cache.
type session struct {
	server   *Server
	nc       net.Conn
	resolver *schema.Resolver
}

func (s *Server) newSession(nc net.Conn) (*session, error) {
	sess := &session{server: s, nc: nc, resolver: schema.NewResolver(nil)}

	for _, raw := range []string{avroipc.HandshakeRequestSchema, avroipc.HandshakeResponseSchema, `"string"`} {
		if _, err := sess.resolver.Resolve("", raw); err != nil {
			return nil, err
		}
	}
	for _, t := range s.protocol.Types {
		if _, err := sess.resolver.Resolve(s.protocol.Namespace, string(t)); err != nil {
			return nil, err
		}
	}
	for _, name := range s.protocol.MethodNames() {
		m := s.protocol.Messages[name]
		for _, p := range m.Request {
			if _, err := sess.resolver.Resolve(m.Namespace, string(p.Type)); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
		if _, err := sess.resolver.Resolve(m.Namespace, m.ResponseSchema()); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return sess, nil
}

// resolve returns a memoised schema. Everything the session uses was
// resolved in newSession, so a failure here is a bug.
func (sess *session) resolve(namespace, raw string) avro.Schema {
	sch, err := sess.resolver.Resolve(namespace, raw)
	if err != nil {
		panic(err)
	}
	return sch
}

func (sess *session) handshake(msg [][]byte) error {
	s := sess.server

	var req avroipc.HandshakeRequest
	if err := s.serializer.Unmarshal(sess.resolve("", avroipc.HandshakeRequestSchema), msg[0], &req); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}

	s.mu.Lock()
	s.handshakes = append(s.handshakes, req)
	s.mu.Unlock()

	resp := s.match(req)
	s.log.Debug().Str("match", resp.Match).Msg("ipcserver: handshake")

	out, err := s.serializer.Marshal(sess.resolve("", avroipc.HandshakeResponseSchema), resp)
	if err != nil {
		return err
	}

	// Response, empty metadata, false flag. The trailing null has no bytes.
	return sess.write(out, []byte{0}, []byte{0})
}

func (s *Server) match(req avroipc.HandshakeRequest) avroipc.HandshakeResponse {
	doc := s.protocol.Text
	hash := s.hash

	known := req.ClientHash == s.hash ||
		(req.ClientProtocol != nil && avroipc.ProtocolHash(*req.ClientProtocol) == s.hash)

	switch {
	case s.rejectAll || !known:
		return avroipc.HandshakeResponse{Match: avroipc.MatchNone, ServerProtocol: &doc, ServerHash: &hash}
	case req.ServerHash == s.hash:
		return avroipc.HandshakeResponse{Match: avroipc.MatchBoth}
	default:
		return avroipc.HandshakeResponse{Match: avroipc.MatchClient, ServerProtocol: &doc, ServerHash: &hash}
	}
}

func (sess *session) call(msg [][]byte) error {
	s := sess.server

	var name string
	if err := s.serializer.Unmarshal(sess.resolve("", `"string"`), msg[1], &name); err != nil {
		return fmt.Errorf("decode method name: %w", err)
	}

	method, err := s.protocol.Method(name)
	if err != nil {
		return sess.fail(err)
	}
	if len(msg)-2 != len(method.Request) {
		return sess.fail(fmt.Errorf("%s: got %d parameters, want %d", name, len(msg)-2, len(method.Request)))
	}

	params := make([]any, len(method.Request))
	for i, p := range method.Request {
		if err := s.serializer.Unmarshal(sess.resolve(method.Namespace, string(p.Type)), msg[2+i], &params[i]); err != nil {
			return sess.fail(fmt.Errorf("%s: decode %q: %w", name, p.Name, err))
		}
	}

	response := sess.resolve(method.Namespace, method.ResponseSchema())

	result, err := s.handler.Handle(name, params)
	if err != nil {
		return sess.fail(err)
	}

	out, err := s.serializer.Marshal(response, result)
	if err != nil {
		return sess.fail(fmt.Errorf("%s: encode response: %w", name, err))
	}
	return sess.write([]byte{0}, []byte{0}, out)
}

// fail answers the current call with a remote error: empty metadata, true
// flag, then branch 0 of the ["string"] union.
func (sess *session) fail(err error) error {
	msg, merr := sess.server.serializer.Marshal(sess.resolve("", `"string"`), err.Error())
	if merr != nil {
		return merr
	}
	return sess.write([]byte{0}, []byte{1}, append([]byte{0}, msg...))
}

// write sends payloads followed by a terminator, re-cut into split-sized
// buffers when configured.
func (sess *session) write(payloads ...[]byte) error {
	if split := sess.server.split; split > 0 {
		var joined []byte
		for _, p := range payloads {
			joined = append(joined, p...)
		}
		payloads = payloads[:0]
		for len(joined) > 0 {
			n := min(split, len(joined))
			payloads = append(payloads, joined[:n])
			joined = joined[n:]
		}
	}

	var wire []byte
	for _, p := range payloads {
		if len(p) > 0 {
			wire = transport.AppendFrame(wire, p)
		}
	}
	wire = transport.AppendFrame(wire, nil)

	_, err := sess.nc.Write(wire)
	return err
}
