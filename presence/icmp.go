package presence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// Checksum is the 16-bit one's complement of the one's complement sum of b,
// taken as big-endian words. A message carrying a valid checksum sums to 0.
func Checksum(b []byte) uint16 {
	var sum uint32
	for ; len(b) > 1; b = b[2:] {
		sum += uint32(binary.BigEndian.Uint16(b))
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// ICMPProber sends one echo request per probe and waits for the reply.
type ICMPProber struct {
	ip         net.IP
	privileged bool
	ttl        int
	id         int
	seq        atomic.Uint32
}

// NewICMPProber returns a prober for addr. Unprivileged probes use the
// kernel's ping sockets (udp4); privileged ones use a raw ICMP socket.
func NewICMPProber(addr string, privileged bool) (*ICMPProber, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		ips, err := net.LookupIP(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
		}
		for _, candidate := range ips {
			if candidate.To4() != nil {
				ip = candidate
				break
			}
		}
	}
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("no IPv4 address for %s", addr)
	}
	return &ICMPProber{
		ip:         ip.To4(),
		privileged: privileged,
		ttl:        8,
		id:         os.Getpid() & 0xffff,
	}, nil
}

// EchoRequest returns the marshalled echo request with the given sequence.
func (p *ICMPProber) EchoRequest(seq int) ([]byte, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: seq & 0xffff},
	}
	return msg.Marshal(nil)
}

func (p *ICMPProber) Probe(ctx context.Context) (bool, error) {
	network, dst := "udp4", net.Addr(&net.UDPAddr{IP: p.ip})
	if p.privileged {
		network, dst = "ip4:icmp", &net.IPAddr{IP: p.ip}
	}

	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return false, fmt.Errorf("failed to open icmp socket: %w", err)
	}
	defer conn.Close()

	if pc := conn.IPv4PacketConn(); pc != nil {
		_ = pc.SetTTL(p.ttl)
	}

	seq := int(p.seq.Add(1) - 1)
	req, err := p.EchoRequest(seq)
	if err != nil {
		return false, fmt.Errorf("failed to marshal echo request: %w", err)
	}

	deadline := time.Now().Add(DefaultProbeTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("failed to set deadline: %w", err)
	}

	if _, err := conn.WriteTo(req, dst); err != nil {
		return false, fmt.Errorf("failed to send echo request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return false, nil
			}
			return false, fmt.Errorf("failed to read echo reply: %w", err)
		}
		if p.isReply(buf[:n], peer, seq) {
			return true, nil
		}
	}
}

// isReply reports whether b, read from peer, answers our echo request seq.
// Other processes' pings arrive on the same raw socket, so the sender and
// identifier must both match. Ping sockets rewrite the identifier and only
// deliver replies for their own socket, so it is not compared there.
func (p *ICMPProber) isReply(b []byte, peer net.Addr, seq int) bool {
	if !p.ip.Equal(peerIP(peer)) {
		return false
	}
	echo, ok := parseEchoReply(b)
	if !ok || echo.Seq != seq&0xffff {
		return false
	}
	return !p.privileged || echo.ID == p.id
}

// parseEchoReply returns the echo body of b if it is a well formed echo reply.
func parseEchoReply(b []byte) (*icmp.Echo, bool) {
	if Checksum(b) != 0 {
		return nil, false
	}
	msg, err := icmp.ParseMessage(protocolICMP, b)
	if err != nil || msg.Type != ipv4.ICMPTypeEchoReply {
		return nil, false
	}
	echo, ok := msg.Body.(*icmp.Echo)
	return echo, ok
}

func peerIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	}
	return nil
}

func (p *ICMPProber) Close() error { return nil }
