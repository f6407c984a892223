package avroipc

import (
	"context"
)

// Rpc performs a remote procedure call to method with args and decodes the
// response into a new Res.
func Rpc[Res any](ctx context.Context, conn *Conn, method Method, args Args) (*Res, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var res Res
	if err := conn.CallInto(ctx, method, args, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RpcByName is Rpc for a method of the negotiated protocol.
func RpcByName[Res any](ctx context.Context, conn *Conn, name string, args Args) (*Res, error) {
	p := conn.Protocol()
	if p == nil {
		return nil, ErrNoProtocol
	}

	method, err := p.Method(name)
	if err != nil {
		return nil, err
	}
	return Rpc[Res](ctx, conn, method, args)
}
