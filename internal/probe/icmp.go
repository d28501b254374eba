package probe

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sakuffo/slotctl/internal/logger"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// ICMPProber sends one ICMP echo over an unprivileged datagram socket.
// When the kernel refuses such sockets (net.ipv4.ping_group_range) it
// hands the probe to its fallback instead.
type ICMPProber struct {
	timeout  time.Duration
	logger   logger.Logger
	fallback Prober
	listen   func(network, address string) (*icmp.PacketConn, error)
	seq      atomic.Uint32

	warnOnce sync.Once
}

// NewICMPProber creates an ICMP prober. fallback may be nil, in which case
// a host is reported unreachable whenever no socket can be opened.
func NewICMPProber(timeout time.Duration, log logger.Logger, fallback Prober) *ICMPProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ICMPProber{
		timeout:  timeout,
		logger:   log,
		fallback: fallback,
		listen:   icmp.ListenPacket,
	}
}

// Reachable implements Prober.
func (p *ICMPProber) Reachable(parent context.Context, target string) bool {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", target)
	if err != nil || len(ips) == 0 {
		p.logger.Debug("Resolving %s: %v", target, err)
		return false
	}
	ip := ips[0]

	conn, err := p.listen("udp4", "0.0.0.0")
	if err != nil {
		p.warnOnce.Do(func() {
			p.logger.Warn("Unprivileged ICMP unavailable (%v), falling back to ping", err)
		})
		if p.fallback == nil {
			return false
		}
		return p.fallback.Reachable(parent, target)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: []byte("slotctl"),
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return false
	}
	if _, err := conn.WriteTo(wire, &net.UDPAddr{IP: ip}); err != nil {
		p.logger.Debug("Sending echo to %s (%s): %v", target, ip, err)
		return false
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			p.logger.Debug("No echo reply from %s (%s): %v", target, ip, err)
			return false
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// The kernel rewrites the echo ID on datagram sockets, so match
		// on sequence and source only.
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		if udp, ok := peer.(*net.UDPAddr); ok && udp.IP.Equal(ip) {
			return true
		}
	}
}
