package sensors

import (
	"context"
	"net"
	"os"
	"time"

	"codeberg.org/mutker/netsentry/internal/models"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	defaultPingCount   = 4
	defaultPingTimeout = 2 * time.Second
	protocolICMP       = 1

	// Reported when no echo reply could be obtained.
	SentinelLatency = 999
	SentinelLoss    = 100
)

var pingPayload = []byte("netsentry")

type pingCollector struct {
	count   int
	timeout time.Duration
	id      int
}

func newPing(cfg map[string]string) (*pingCollector, error) {
	count, err := intOption(cfg, "ping_count", defaultPingCount)
	if err != nil {
		return nil, err
	}
	timeout, err := durationOption(cfg, "timeout", defaultPingTimeout)
	if err != nil {
		return nil, err
	}
	return &pingCollector{count: count, timeout: timeout, id: os.Getpid() & 0xffff}, nil
}

// Collect sends count echo requests one after another and reports the mean
// round trip of the replies and the share of requests lost.
func (c *pingCollector) Collect(ctx context.Context, t Target) (Reading, error) {
	dst := net.ParseIP(t.IP).To4()
	if dst == nil {
		return pingFailure(), collectFailed("ping", &net.AddrError{Err: "not an IPv4 address", Addr: t.IP})
	}

	conn, privileged, err := listenICMP()
	if err != nil {
		return pingFailure(), collectFailed("ping", err)
	}
	defer conn.Close()

	var addr net.Addr = &net.UDPAddr{IP: dst}
	if privileged {
		addr = &net.IPAddr{IP: dst}
	}

	var (
		sent  int
		total time.Duration
		recv  int
		last  error
	)
	for seq := 1; seq <= c.count; seq++ {
		if ctx.Err() != nil {
			last = ctx.Err()
			break
		}
		sent++

		rtt, err := c.echo(ctx, conn, addr, dst, seq, privileged)
		if err != nil {
			last = err
			continue
		}
		recv++
		total += rtt
	}

	if recv == 0 {
		return pingFailure(), collectFailed("ping", last)
	}

	loss := float64(sent-recv) / float64(sent) * 100
	status := models.SensorOK
	if loss > 0 {
		status = models.SensorWarning
	}

	return Reading{
		Values: map[string]float64{
			MetricPingLatency:    float64(total.Microseconds()) / 1000 / float64(recv),
			MetricPingPacketLoss: loss,
		},
		Status: status,
	}, nil
}

func (c *pingCollector) echo(ctx context.Context, conn *icmp.PacketConn, addr net.Addr, dst net.IP, seq int, privileged bool) (time.Duration, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: c.id, Seq: seq, Data: pingPayload},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(b, addr); err != nil {
		return 0, err
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, err
		}

		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// Unprivileged sockets get their echo ID rewritten by the kernel.
		if privileged && echo.ID != c.id {
			continue
		}
		if ip := peerIP(peer); ip != nil && !ip.Equal(dst) {
			continue
		}

		return time.Since(start), nil
	}
}

// listenICMP prefers an unprivileged datagram socket and falls back to a raw
// socket, which needs CAP_NET_RAW.
func listenICMP() (*icmp.PacketConn, bool, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err == nil {
		return conn, false, nil
	}

	conn, rawErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if rawErr != nil {
		return nil, false, err
	}
	return conn, true, nil
}

func peerIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	default:
		return nil
	}
}

func pingFailure() Reading {
	return Reading{
		Values: map[string]float64{
			MetricPingLatency:    SentinelLatency,
			MetricPingPacketLoss: SentinelLoss,
		},
		Status: models.SensorError,
	}
}
