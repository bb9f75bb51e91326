package proxy

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// dialUpstream opens a TCP connection to addr for the caller's own
// protocol framing. The proxy is required to be byte-transparent (spec
// §6): real PeerCast servers and peers do not speak any wrapper
// protocol, so nothing is written to the connection before the caller's
// own bytes.
func dialUpstream(ctx context.Context, d *net.Dialer, network, addr string) (net.Conn, error) {
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial upstream %s", addr)
	}
	return conn, nil
}
