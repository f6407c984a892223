package unix

import (
	"github.com/srand/avroipc/transport"
	"github.com/srand/avroipc/transport/tcp"
)

// NewDialer dials a unix domain socket path instead of a TCP address.
func NewDialer(options ...transport.DialOption) (transport.Dialer, error) {
	dialOptions := []transport.DialOption{}
	dialOptions = append(dialOptions, options...)
	dialOptions = append(dialOptions, transport.WithProtocol("unix"))
	return tcp.NewDialer(dialOptions...)
}
