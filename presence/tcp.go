package presence

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
)

// TCPProber treats a completed TCP handshake as a sighting. With
// RefusedIsPresent a refused connection counts too, since only a live host
// answers with a reset.
type TCPProber struct {
	Address          string
	RefusedIsPresent bool
}

// NewTCPProber returns a prober for host:port.
func NewTCPProber(host string, port int, refusedIsPresent bool) *TCPProber {
	return &TCPProber{
		Address:          net.JoinHostPort(host, strconv.Itoa(port)),
		RefusedIsPresent: refusedIsPresent,
	}
}

func (p *TCPProber) Probe(ctx context.Context) (bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		if p.RefusedIsPresent && errors.Is(err, syscall.ECONNREFUSED) {
			return true, nil
		}
		return false, err
	}
	_ = conn.Close()
	return true, nil
}

func (p *TCPProber) Close() error { return nil }
