package avroipc_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/srand/avroipc"
	"github.com/srand/avroipc/internal/avrotest"
	"github.com/srand/avroipc/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const calculatorProtocol = `{
	"protocol": "Calculator",
	"namespace": "test.calc",
	"types": [
		{"type": "record", "name": "Point", "fields": [
			{"name": "x", "type": "int"},
			{"name": "y", "type": "int"}
		]}
	],
	"messages": {
		"add": {"request": [{"name": "a", "type": "int"}, {"name": "b", "type": "int"}], "response": "int"},
		"fail": {"request": [], "response": "null"},
		"echo": {"request": [{"name": "p", "type": "Point"}], "response": "Point"},
		"slow": {"request": [{"name": "ms", "type": "int"}], "response": "null"}
	}
}`

var addMethod = avroipc.NewMethod("add", `"int"`,
	avroipc.Param("a", `"int"`),
	avroipc.Param("b", `"int"`),
)

type point struct {
	X int `avro:"x"`
	Y int `avro:"y"`
}

// calculator answers every method of calculatorProtocol.
var calculator = avrotest.HandlerFunc(func(method string, params []any) (any, error) {
	switch method {
	case "add":
		return params[0].(int) + params[1].(int), nil
	case "fail":
		return nil, errors.New("division by zero")
	case "echo":
		return params[0], nil
	case "slow":
		time.Sleep(time.Duration(params[0].(int)) * time.Millisecond)
		return nil, nil
	}
	return nil, fmt.Errorf("no method %s", method)
})

func blank() [16]byte {
	var h [16]byte
	copy(h[:], bytes.Repeat([]byte(" "), 16))
	return h
}

func dial(t *testing.T, server *avrotest.Server, opts ...avroipc.Option) *avroipc.Conn {
	t.Helper()

	conn, err := avroipc.Dial(context.Background(), server.Host(), server.Port(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

type ConnTestSuite struct {
	suite.Suite
	handler *avrotest.HandlerMock
	server  *avrotest.Server
	conn    *avroipc.Conn
}

// SetupTest runs before each test in the suite
func (s *ConnTestSuite) SetupTest() {
	s.handler = &avrotest.HandlerMock{}
	s.server = avrotest.Start(s.T(), calculatorProtocol, s.handler)
	s.conn = dial(s.T(), s.server)
}

// TearDownTest runs after each test in the suite
func (s *ConnTestSuite) TearDownTest() {
	s.conn.Close()

	// Assert that all expectations were met
	s.handler.AssertExpectations(s.T())
}

func (s *ConnTestSuite) handshake() {
	_, err := s.conn.Handshake(context.Background())
	s.Require().NoError(err)
}

func (s *ConnTestSuite) TestHandshakeRetriesWithServerIdentity() {
	doc, err := s.conn.Handshake(context.Background())
	s.Require().NoError(err)
	s.Equal(calculatorProtocol, doc)

	neg := s.conn.Negotiation()
	s.Require().NotNil(neg)
	s.Equal(avroipc.MatchBoth, neg.Match)
	s.Equal(2, neg.Attempts)
	s.Equal(s.server.Hash(), neg.ServerHash)

	sent := s.server.Handshakes()
	s.Require().Len(sent, 2)

	s.Equal(blank(), sent[0].ClientHash)
	s.Nil(sent[0].ClientProtocol)
	s.Equal(blank(), sent[0].ServerHash)
	s.Require().NotNil(sent[0].Meta)
	s.Empty(*sent[0].Meta)

	s.Equal(s.server.Hash(), sent[1].ClientHash)
	s.Require().NotNil(sent[1].ClientProtocol)
	s.Equal(calculatorProtocol, *sent[1].ClientProtocol)
	s.Equal(s.server.Hash(), sent[1].ServerHash)

	p := s.conn.Protocol()
	s.Require().NotNil(p)
	s.Equal("Calculator", p.Name)
	s.Contains(s.conn.Cache().Names(), "test.calc.Point")
}

func (s *ConnTestSuite) TestHandshakeWithServerHashMatchesImmediately() {
	s.handshake()
	hash := s.conn.Negotiation().ServerHash

	doc, err := s.conn.Handshake(context.Background(),
		avroipc.WithClientHash(hash),
		avroipc.WithServerHash(hash),
	)
	s.Require().NoError(err)
	s.Empty(doc)

	neg := s.conn.Negotiation()
	s.Equal(avroipc.MatchBoth, neg.Match)
	s.Equal(1, neg.Attempts)
	s.Len(s.server.Handshakes(), 3)
}

func (s *ConnTestSuite) TestHandshakeClientMatch() {
	doc, err := s.conn.Handshake(context.Background(), avroipc.WithClientProtocol(calculatorProtocol))
	s.Require().NoError(err)
	s.Equal(calculatorProtocol, doc)

	neg := s.conn.Negotiation()
	s.Equal(avroipc.MatchClient, neg.Match)
	s.Equal(1, neg.Attempts)
	s.Equal(s.server.Hash(), neg.ServerHash)
}

func (s *ConnTestSuite) TestCall() {
	s.handshake()
	s.handler.On("add", []any{2, 3}).Return(5, nil).Once()

	res, err := s.conn.Call(context.Background(), addMethod, avroipc.Positional(2, 3))
	s.Require().NoError(err)
	s.Equal(5, res)
}

func (s *ConnTestSuite) TestRemoteErrorKeepsConnection() {
	s.handshake()
	s.handler.On("fail", []any{}).Return(nil, errors.New("division by zero")).Once()
	s.handler.On("add", []any{1, 1}).Return(2, nil).Once()

	_, err := s.conn.Call(context.Background(), avroipc.NewMethod("fail", `"null"`), avroipc.Args{})
	var remote *avroipc.RemoteError
	s.Require().ErrorAs(err, &remote)
	s.Equal("fail", remote.Method)
	s.Equal("division by zero", remote.Message)
	s.False(avroipc.IsTransportError(err))

	res, err := s.conn.Call(context.Background(), addMethod, avroipc.Positional(1, 1))
	s.Require().NoError(err)
	s.Equal(2, res)
}

func (s *ConnTestSuite) TestNamedArguments() {
	s.handshake()
	s.handler.On("add", []any{2, 3}).Return(5, nil).Twice()

	res, err := s.conn.Call(context.Background(), addMethod, avroipc.Named("b", 3).With("a", 2))
	s.Require().NoError(err)
	s.Equal(5, res)

	mixed := avroipc.Args{Positional: []any{2}, Named: map[string]any{"b": 3}}
	res, err = s.conn.Call(context.Background(), addMethod, mixed)
	s.Require().NoError(err)
	s.Equal(5, res)
}

func (s *ConnTestSuite) TestUsageErrorsLeaveConnectionUsable() {
	s.handshake()
	s.handler.On("add", []any{1, 2}).Return(3, nil).Once()

	_, err := s.conn.Call(context.Background(), addMethod, avroipc.Positional(1))
	s.ErrorIs(err, avroipc.ErrMissingArgument)

	_, err = s.conn.Call(context.Background(), addMethod, avroipc.Positional(1, 2, 3))
	s.ErrorIs(err, avroipc.ErrUnexpectedArgument)

	_, err = s.conn.Call(context.Background(), addMethod, avroipc.Positional("one", 2))
	s.Error(err)
	s.False(avroipc.IsTransportError(err))

	err = s.conn.CallInto(context.Background(), addMethod, avroipc.Positional(1, 2), nil)
	s.ErrorIs(err, avroipc.ErrInvalidOutput)

	res, err := s.conn.Call(context.Background(), addMethod, avroipc.Positional(1, 2))
	s.Require().NoError(err)
	s.Equal(3, res)
}

func (s *ConnTestSuite) TestNullResponse() {
	s.handshake()
	s.handler.On("slow", []any{0}).Return(nil, nil).Once()
	s.handler.On("add", []any{1, 2}).Return(3, nil).Once()

	res, err := s.conn.Invoke(context.Background(), "slow", avroipc.Positional(0))
	s.Require().NoError(err)
	s.Nil(res)

	res, err = s.conn.Call(context.Background(), addMethod, avroipc.Positional(1, 2))
	s.Require().NoError(err)
	s.Equal(3, res)
}

func (s *ConnTestSuite) TestOutputTypeMismatchLeavesConnectionUsable() {
	s.handshake()
	s.handler.On("add", []any{1, 2}).Return(3, nil).Once()

	_, err := avroipc.Rpc[struct{ A string }](context.Background(), s.conn, addMethod, avroipc.Positional(1, 2))
	s.ErrorIs(err, serialization.ErrIncompatibleType)
	s.False(avroipc.IsTransportError(err))

	res, err := s.conn.Call(context.Background(), addMethod, avroipc.Positional(1, 2))
	s.Require().NoError(err)
	s.Equal(3, res)
}

func (s *ConnTestSuite) TestCallBeforeHandshake() {
	_, err := s.conn.Call(context.Background(), addMethod, avroipc.Positional(1, 2))
	s.ErrorIs(err, avroipc.ErrHandshakeRequired)

	_, err = s.conn.Invoke(context.Background(), "add", avroipc.Positional(1, 2))
	s.ErrorIs(err, avroipc.ErrNoProtocol)
}

func (s *ConnTestSuite) TestInvoke() {
	s.handshake()
	s.handler.On("add", []any{4, 5}).Return(9, nil).Once()

	res, err := s.conn.Invoke(context.Background(), "add", avroipc.Positional(4, 5))
	s.Require().NoError(err)
	s.Equal(9, res)

	_, err = s.conn.Invoke(context.Background(), "mul", avroipc.Positional(4, 5))
	s.ErrorIs(err, avroipc.ErrUnknownMethod)
}

func (s *ConnTestSuite) TestRecordRoundTrip() {
	s.handshake()
	in := map[string]any{"x": 1, "y": -2}
	s.handler.On("echo", []any{in}).Return(in, nil).Once()

	echo, err := s.conn.Protocol().Method("echo")
	s.Require().NoError(err)

	var out point
	s.Require().NoError(s.conn.CallInto(context.Background(), echo, avroipc.Positional(point{X: 1, Y: -2}), &out))
	s.Equal(point{X: 1, Y: -2}, out)
}

func (s *ConnTestSuite) TestRpc() {
	s.handshake()
	s.handler.On("add", []any{20, 22}).Return(42, nil).Twice()

	res, err := avroipc.Rpc[int](context.Background(), s.conn, addMethod, avroipc.Positional(20, 22))
	s.Require().NoError(err)
	s.Equal(42, *res)

	res, err = avroipc.RpcByName[int](context.Background(), s.conn, "add", avroipc.Positional(20, 22))
	s.Require().NoError(err)
	s.Equal(42, *res)
}

func (s *ConnTestSuite) TestCancelBreaksConnection() {
	s.handshake()
	s.handler.On("slow", mock.Anything).Run(func(args mock.Arguments) {
		time.Sleep(300 * time.Millisecond)
	}).Return(nil, nil).Maybe()

	slow, err := s.conn.Protocol().Method("slow")
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = s.conn.Call(ctx, slow, avroipc.Positional(0))
	s.Require().Error(err)
	s.ErrorIs(err, context.Canceled)
	s.True(avroipc.IsTransportError(err))

	_, err = s.conn.Call(context.Background(), addMethod, avroipc.Positional(1, 2))
	s.True(avroipc.IsTransportError(err))
}

func (s *ConnTestSuite) TestContextDeadline() {
	s.handshake()
	s.handler.On("slow", mock.Anything).Run(func(args mock.Arguments) {
		time.Sleep(300 * time.Millisecond)
	}).Return(nil, nil).Maybe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.conn.Invoke(ctx, "slow", avroipc.Positional(0))
	s.ErrorIs(err, context.DeadlineExceeded)
	s.True(avroipc.IsTransportError(err))
}

func (s *ConnTestSuite) TestCancelledBeforeCall() {
	s.handshake()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.conn.Call(ctx, addMethod, avroipc.Positional(1, 2))
	s.ErrorIs(err, context.Canceled)
	s.False(avroipc.IsTransportError(err))
}

func (s *ConnTestSuite) TestClose() {
	s.handshake()
	s.Require().NoError(s.conn.Close())
	s.NoError(s.conn.Close())

	_, err := s.conn.Call(context.Background(), addMethod, avroipc.Positional(1, 2))
	s.ErrorIs(err, avroipc.ErrConnClosed)

	_, err = s.conn.Handshake(context.Background())
	s.ErrorIs(err, avroipc.ErrConnClosed)
}

func TestConnTestSuite(t *testing.T) {
	suite.Run(t, new(ConnTestSuite))
}

func TestHandshakeRetryLimit(t *testing.T) {
	server := avrotest.Start(t, calculatorProtocol, calculator, avrotest.WithRejectAll())

	conn := dial(t, server)
	_, err := conn.Handshake(context.Background())

	var neg *avroipc.NegotiationError
	require.ErrorAs(t, err, &neg)
	assert.Equal(t, 2, neg.Attempts)
	assert.Equal(t, server.Hash(), neg.ServerHash)
	assert.Len(t, server.Handshakes(), 2)
	assert.Nil(t, conn.Negotiation())

	_, err = conn.Call(context.Background(), addMethod, avroipc.Positional(1, 2))
	assert.ErrorIs(t, err, avroipc.ErrHandshakeRequired)

	strict := dial(t, server, avroipc.WithMaxHandshakeRetries(0))
	_, err = strict.Handshake(context.Background())
	require.ErrorAs(t, err, &neg)
	assert.Equal(t, 1, neg.Attempts)
}

func TestSegmentedResponses(t *testing.T) {
	server := avrotest.Start(t, calculatorProtocol, calculator, avrotest.WithSplitSize(1))
	conn := dial(t, server)

	doc, err := conn.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, calculatorProtocol, doc)

	res, err := conn.Invoke(context.Background(), "add", avroipc.Positional(1000, 24))
	require.NoError(t, err)
	assert.Equal(t, 1024, res)

	_, err = conn.Invoke(context.Background(), "fail", avroipc.Args{})
	var remote *avroipc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "division by zero", remote.Message)

	res, err = conn.Invoke(context.Background(), "echo", avroipc.Positional(map[string]any{"x": 3, "y": 4}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 3, "y": 4}, res)
}

func TestConcurrentCalls(t *testing.T) {
	server := avrotest.Start(t, calculatorProtocol, calculator)
	conn := dial(t, server)

	_, err := conn.Handshake(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]any, 16)
	errs := make([]error, 16)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = conn.Call(context.Background(), addMethod, avroipc.Positional(i, i))
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 2*i, results[i])
	}
}

func TestCallTimeout(t *testing.T) {
	server := avrotest.Start(t, calculatorProtocol, calculator)
	conn := dial(t, server, avroipc.WithCallTimeout(50*time.Millisecond))

	_, err := conn.Handshake(context.Background())
	require.NoError(t, err)

	_, err = conn.Invoke(context.Background(), "slow", avroipc.Positional(300))
	require.Error(t, err)
	assert.True(t, avroipc.IsTransportError(err))
}

func TestClientOverExistingStream(t *testing.T) {
	server, err := avrotest.NewServer(calculatorProtocol, calculator)
	require.NoError(t, err)
	defer server.Close()

	client, peer := net.Pipe()
	go server.ServeConn(peer)

	conn, err := avroipc.Client(client)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Handshake(context.Background())
	require.NoError(t, err)

	// net.Pipe is unbuffered: each server write only completes once the
	// client has read the whole response, terminator included.
	res, err := conn.Invoke(context.Background(), "add", avroipc.Positional(7, 8))
	require.NoError(t, err)
	assert.Equal(t, 15, res)

	_, err = conn.Invoke(context.Background(), "fail", avroipc.Args{})
	var remote *avroipc.RemoteError
	require.ErrorAs(t, err, &remote)

	res, err = conn.Invoke(context.Background(), "slow", avroipc.Positional(0))
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = conn.Invoke(context.Background(), "add", avroipc.Positional(1, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, res)
}

func TestDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	_, err = avroipc.Dial(context.Background(), "127.0.0.1", addr.Port)
	assert.Error(t, err)
}

func TestInvalidOptions(t *testing.T) {
	server := avrotest.Start(t, calculatorProtocol, calculator)

	_, err := avroipc.Dial(context.Background(), server.Host(), server.Port(), avroipc.WithCallTimeout(-time.Second))
	assert.Error(t, err)

	_, err = avroipc.Dial(context.Background(), server.Host(), server.Port(), avroipc.WithMaxHandshakeRetries(-1))
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	server := avrotest.Start(t, calculatorProtocol, calculator)
	reg := prometheus.NewRegistry()
	conn := dial(t, server, avroipc.WithRegisterer(reg))

	_, err := conn.Handshake(context.Background())
	require.NoError(t, err)

	_, err = conn.Invoke(context.Background(), "add", avroipc.Positional(1, 2))
	require.NoError(t, err)
	_, err = conn.Invoke(context.Background(), "fail", avroipc.Args{})
	require.Error(t, err)

	// A second connection shares the collectors.
	other := dial(t, server, avroipc.WithRegisterer(reg))
	_, err = other.Handshake(context.Background())
	require.NoError(t, err)

	expected := `
# HELP avroipc_calls_total Total number of remote calls by outcome.
# TYPE avroipc_calls_total counter
avroipc_calls_total{method="add",outcome="ok"} 1
avroipc_calls_total{method="fail",outcome="remote_error"} 1
# HELP avroipc_handshake_responses_total Total number of handshake responses by match.
# TYPE avroipc_handshake_responses_total counter
avroipc_handshake_responses_total{match="BOTH"} 2
avroipc_handshake_responses_total{match="NONE"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"avroipc_calls_total", "avroipc_handshake_responses_total"))

	n, err := testutil.GatherAndCount(reg, "avroipc_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
