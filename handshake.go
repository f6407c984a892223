package avroipc

import (
	"context"
	"fmt"
)

const (
	MatchBoth   = "BOTH"
	MatchClient = "CLIENT"
	MatchNone   = "NONE"
)

const (
	HandshakeRequestSchema = `{
		"type": "record",
		"name": "HandshakeRequest",
		"namespace": "org.apache.avro.ipc",
		"fields": [
			{"name": "clientHash", "type": {"type": "fixed", "name": "MD5", "size": 16}},
			{"name": "clientProtocol", "type": ["null", "string"]},
			{"name": "serverHash", "type": "MD5"},
			{"name": "meta", "type": ["null", {"type": "map", "values": "bytes"}]}
		]
	}`

	// HandshakeResponseSchema refers to MD5 from HandshakeRequestSchema and
	// must be resolved after it on the same cache.
	HandshakeResponseSchema = `{
		"type": "record",
		"name": "HandshakeResponse",
		"namespace": "org.apache.avro.ipc",
		"fields": [
			{"name": "match", "type": {"type": "enum", "name": "HandshakeMatch", "symbols": ["BOTH", "CLIENT", "NONE"]}},
			{"name": "serverProtocol", "type": ["null", "string"]},
			{"name": "serverHash", "type": ["null", "MD5"]},
			{"name": "meta", "type": ["null", {"type": "map", "values": "bytes"}]}
		]
	}`
)

type HandshakeRequest struct {
	ClientHash     [16]byte           `avro:"clientHash"`
	ClientProtocol *string            `avro:"clientProtocol"`
	ServerHash     [16]byte           `avro:"serverHash"`
	Meta           *map[string][]byte `avro:"meta"`
}

type HandshakeResponse struct {
	Match          string             `avro:"match"`
	ServerProtocol *string            `avro:"serverProtocol"`
	ServerHash     *[16]byte          `avro:"serverHash"`
	Meta           *map[string][]byte `avro:"meta"`
}

// Negotiation summarises a completed handshake.
type Negotiation struct {
	Match      string
	Protocol   string
	ServerHash [16]byte
	Attempts   int
}

type HandshakeOption func(*HandshakeRequest)

func WithClientHash(hash [16]byte) HandshakeOption {
	return func(req *HandshakeRequest) {
		req.ClientHash = hash
	}
}

func WithClientProtocol(doc string) HandshakeOption {
	return func(req *HandshakeRequest) {
		req.ClientProtocol = &doc
	}
}

func WithServerHash(hash [16]byte) HandshakeOption {
	return func(req *HandshakeRequest) {
		req.ServerHash = hash
	}
}

func blankHash() [16]byte {
	var h [16]byte
	for i := range h {
		h[i] = ' '
	}
	return h
}

// NewHandshakeRequest returns a request with blank hashes and no client
// protocol, adjusted by opts.
func NewHandshakeRequest(opts ...HandshakeOption) HandshakeRequest {
	meta := map[string][]byte{}
	req := HandshakeRequest{
		ClientHash: blankHash(),
		ServerHash: blankHash(),
		Meta:       &meta,
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// Handshake agrees on a protocol with the server and returns its document.
//
// When the server answers NONE, the request is repeated with the server's
// hash and protocol in place of the client's, at most the number of times
// allowed by WithMaxHandshakeRetries. A successful handshake also parses the
// protocol and registers its named types, enabling Invoke.
func (c *Conn) Handshake(ctx context.Context, opts ...HandshakeOption) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return "", err
	}

	done, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	defer done()

	neg, err := c.negotiate(NewHandshakeRequest(opts...))
	if err != nil {
		return "", c.contextError(ctx, err)
	}

	c.negotiation = neg
	c.log.Info().Str("match", neg.Match).Int("attempts", neg.Attempts).Msg("handshake complete")

	if neg.Protocol != "" {
		if err := c.loadProtocol(neg.Protocol); err != nil {
			c.log.Warn().Err(err).Msg("negotiated protocol not usable for Invoke")
		}
	}
	return neg.Protocol, nil
}

func (c *Conn) negotiate(req HandshakeRequest) (*Negotiation, error) {
	for attempt := 1; ; attempt++ {
		resp, err := c.exchangeHandshake(req)
		if err != nil {
			return nil, err
		}

		c.metrics.handshake(resp.Match)
		c.log.Debug().Int("attempt", attempt).Str("match", resp.Match).Msg("handshake response")

		switch resp.Match {
		case MatchBoth, MatchClient:
			neg := &Negotiation{
				Match:      resp.Match,
				ServerHash: req.ServerHash,
				Attempts:   attempt,
			}
			if resp.ServerHash != nil {
				neg.ServerHash = *resp.ServerHash
			}
			if resp.ServerProtocol != nil {
				neg.Protocol = *resp.ServerProtocol
			} else if req.ClientProtocol != nil {
				neg.Protocol = *req.ClientProtocol
			}
			return neg, nil

		case MatchNone:
			if resp.ServerHash == nil {
				return nil, fmt.Errorf("%w: NONE handshake without server hash", ErrProtocolViolation)
			}
			if attempt > c.opts.maxHandshakeRetries {
				return nil, &NegotiationError{Attempts: attempt, ServerHash: *resp.ServerHash}
			}
			req = HandshakeRequest{
				ClientHash:     *resp.ServerHash,
				ClientProtocol: resp.ServerProtocol,
				ServerHash:     *resp.ServerHash,
				Meta:           req.Meta,
			}

		default:
			return nil, fmt.Errorf("%w: handshake match %q", ErrProtocolViolation, resp.Match)
		}
	}
}

// exchangeHandshake sends one handshake in a call envelope with an empty
// method name, then reads the response and the three filler values that
// follow it.
func (c *Conn) exchangeHandshake(req HandshakeRequest) (*HandshakeResponse, error) {
	reqSchema, err := c.resolver.Resolve("", HandshakeRequestSchema)
	if err != nil {
		return nil, err
	}
	respSchema, err := c.resolver.Resolve("", HandshakeResponseSchema)
	if err != nil {
		return nil, err
	}

	if err := c.tr.WriteValue(reqSchema, req); err != nil {
		return nil, err
	}
	meta, err := c.marshal("", metadataSchema, map[string][]byte{})
	if err != nil {
		return nil, err
	}
	name, err := c.marshal("", stringSchema, "")
	if err != nil {
		return nil, err
	}
	for _, b := range [][]byte{meta, name, nil} {
		if err := c.tr.WriteBuffer(b); err != nil {
			return nil, err
		}
	}

	var resp HandshakeResponse
	if err := c.tr.ReadValue(respSchema, &resp); err != nil {
		return nil, err
	}

	var (
		respMeta map[string][]byte
		flag     bool
		null     any
	)
	if err := c.readValue(metadataSchema, &respMeta); err != nil {
		return nil, err
	}
	if err := c.readValue(booleanSchema, &flag); err != nil {
		return nil, err
	}
	if err := c.readValue(nullSchema, &null); err != nil {
		return nil, err
	}
	if err := c.tr.ReadTerminator(); err != nil {
		return nil, err
	}
	return &resp, nil
}
