// Package avrotest runs an in-process Avro IPC server for tests.
//
// Servers are ipcserver servers bound to a loopback listener and closed when
// the test ends.
package avrotest

import (
	"fmt"
	"net"
	"testing"

	"github.com/srand/avroipc/internal/ipcserver"
	"github.com/srand/avroipc/internal/logging"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type (
	Server      = ipcserver.Server
	Handler     = ipcserver.Handler
	HandlerFunc = ipcserver.HandlerFunc
	Option      = ipcserver.Option
)

var (
	WithSplitSize = ipcserver.WithSplitSize
	WithRejectAll = ipcserver.WithRejectAll
	WithLogger    = ipcserver.WithLogger
)

// HandlerMock answers each call with the expectation registered under the
// Avro method name, e.g. On("add", []any{1, 2}).
type HandlerMock struct {
	mock.Mock
}

func (m *HandlerMock) Handle(method string, params []any) (any, error) {
	args := m.MethodCalled(method, params)
	return args.Get(0), args.Error(1)
}

// EchoProtocol declares one method returning its string argument. Echo
// implements it.
const EchoProtocol = `{
	"protocol": "Echo",
	"namespace": "avrotest",
	"messages": {
		"echo": {"request": [{"name": "text", "type": "string"}], "response": "string"}
	}
}`

var Echo = HandlerFunc(func(method string, params []any) (any, error) {
	if method != "echo" {
		return nil, fmt.Errorf("unknown method %s", method)
	}
	return params[0], nil
})

func NewServer(doc string, handler Handler, opts ...Option) (*Server, error) {
	return ipcserver.New(doc, handler, opts...)
}

// Start listens on a loopback port and serves until the test ends.
func Start(tb testing.TB, doc string, handler Handler, opts ...Option) *Server {
	tb.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(tb, err)
	return StartOn(tb, l, doc, handler, opts...)
}

// StartOn serves on l until the test ends.
func StartOn(tb testing.TB, l net.Listener, doc string, handler Handler, opts ...Option) *Server {
	tb.Helper()
	logging.ConfigureTests()

	s, err := NewServer(doc, handler, opts...)
	if err != nil {
		l.Close()
		require.NoError(tb, err)
	}

	require.NoError(tb, s.Listen(l))
	tb.Cleanup(func() {
		s.Close()
	})
	return s
}
