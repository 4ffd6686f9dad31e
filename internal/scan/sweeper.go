package scan

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/logger"
	"golang.org/x/sync/errgroup"
)

const (
	defaultARPTable    = "/proc/net/arp"
	defaultConcurrency = 64
	defaultSettle      = 500 * time.Millisecond
	nudgePort          = "9"
	maxSweepHosts      = 1024
	incompleteFlags    = "0x0"
	zeroMAC            = "00:00:00:00:00:00"
)

// A stale neighbour entry stays complete through DELAY (5s) and three unicast
// solicitations one second apart before the kernel marks it failed.
const defaultConfirm = 9 * time.Second

// Observation is one host seen by a sweep.
type Observation struct {
	MAC string `json:"mac"`
	IP  string `json:"ip"`
}

// Sweeper lists the hosts currently present on subnet.
type Sweeper interface {
	Sweep(ctx context.Context, subnet string) ([]Observation, error)
}

// NeighborSweeper fills the kernel neighbour table by sending a single UDP
// datagram to every host of the subnet and then reads the resolved entries
// back from the ARP table. It needs no raw socket privileges.
//
// Entries that were only cached are confirmed by a second read once the
// kernel has had time to revalidate them; hosts that left drop out there.
type NeighborSweeper struct {
	arpTable    string
	concurrency int
	settle      time.Duration
	confirm     time.Duration
	dialer      *net.Dialer
	sleep       func(ctx      context.Context, d time.Duration) error
	log         logger.Logger
}

type SweeperOption func(*NeighborSweeper)

func WithARPTable(path string) SweeperOption {
	return func(s *NeighborSweeper) {
		s.arpTable = path
	}
}

func WithConcurrency(n int) SweeperOption {
	return func(s *NeighborSweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithSettle sets how long to wait for neighbour resolution after nudging.
func WithSettle(d time.Duration) SweeperOption {
	return func(s *NeighborSweeper) {
		s.settle = d
	}
}

// WithConfirmWindow sets the delay before the confirming read of the ARP
// table. Zero trusts the first read.
func WithConfirmWindow(d time.Duration) SweeperOption {
	return func(s *NeighborSweeper) {
		s.confirm = d
	}
}

func NewNeighborSweeper(log logger.Logger, opts ...SweeperOption) *NeighborSweeper {
	s := &NeighborSweeper{
		arpTable:    defaultARPTable,
		concurrency: defaultConcurrency,
		settle:      defaultSettle,
		confirm:     defaultConfirm,
		dialer:      &net.Dialer{Timeout: time.Second},
		sleep:       sleep,
		log:         log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *NeighborSweeper) Sweep(ctx context.Context, subnet string) ([]Observation, error) {
	errFactory := errors.New()

	prefix, err := ParseSubnet(subnet)
	if err != nil {
		return nil, err
	}

	hosts := Hosts(prefix)
	s.nudge(ctx, hosts)

	if err := s.sleep(ctx, s.settle); err != nil {
		return nil, errFactory.Wrap(ErrSweepFailed, err)
	}
	obs, err := s.readTable(prefix)
	if err != nil {
		return nil, err
	}

	if s.confirm > 0 && len(obs) > 0 {
		if err := s.sleep(ctx, s.confirm); err != nil {
			return nil, errFactory.Wrap(ErrSweepFailed, err)
		}
		again, err := s.readTable(prefix)
		if err != nil {
			return nil, err
		}
		obs = confirmed(obs, again)
	}

	s.log.Debug().
		Str("subnet", prefix.String()).
		Int("nudged", len(hosts)).
		Int("found", len(obs)).
		Msg("Sweep completed")

	return obs, nil
}

func (s *NeighborSweeper) readTable(prefix netip.Prefix) ([]Observation, error) {
	errFactory := errors.New()

	f, err := os.Open(s.arpTable)
	if err != nil {
		return nil, errFactory.Wrap(ErrSweepFailed, err)
	}
	defer f.Close()

	obs, err := parseARP(f, prefix)
	if err != nil {
		return nil, errFactory.Wrap(ErrSweepFailed, err)
	}
	return obs, nil
}

// confirmed keeps the observations of first that second still holds with the
// same address.
func confirmed(first, second []Observation) []Observation {
	still := make(map[Observation]struct{}, len(second))
	for _, o := range second {
		still[o] = struct{}{}
	}

	out := first[:0]
	for _, o := range first {
		if _, ok := still[o]; ok {
			out = append(out, o)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *NeighborSweeper) nudge(ctx context.Context, hosts []netip.Addr) {
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for _, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			conn, err := s.dialer.DialContext(ctx, "udp4", net.JoinHostPort(host.String(), nudgePort))
			if err != nil {
				return nil
			}
			defer conn.Close()
			_, _ = conn.Write([]byte{0})
			return nil
		})
	}

	_ = g.Wait()
}

// ParseSubnet parses an IPv4 CIDR small enough to sweep host by host.
func ParseSubnet(subnet string) (netip.Prefix, error) {
	errFactory := errors.New()

	prefix, err := netip.ParsePrefix(strings.TrimSpace(subnet))
	if err != nil {
		return netip.Prefix{}, errFactory.Wrap(ErrInvalidSubnet, err)
	}
	if !prefix.Addr().Is4() || 1<<(32-prefix.Bits()) > maxSweepHosts {
		return netip.Prefix{}, errFactory.WithData(ErrInvalidSubnet, struct{ Subnet string }{Subnet: subnet})
	}

	return prefix.Masked(), nil
}

// Hosts returns the usable host addresses of prefix, excluding the network
// and broadcast addresses where the prefix has them.
func Hosts(prefix netip.Prefix) []netip.Addr {
	prefix = prefix.Masked()

	var hosts []netip.Addr
	for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr)
	}

	if prefix.Bits() < 31 && len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts
}

// parseARP reads a /proc/net/arp formatted table and returns the complete
// entries inside prefix, one per hardware address.
func parseARP(r io.Reader, prefix netip.Prefix) ([]Observation, error) {
	sc := bufio.NewScanner(r)

	var (
		obs  []Observation
		seen = make(map[string]struct{})
	)
	for line := 0; sc.Scan(); line++ {
		if line == 0 {
			continue
		}

		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}

		ip, err := netip.ParseAddr(fields[0])
		if err != nil || !prefix.Contains(ip) {
			continue
		}

		flags, mac := fields[2], strings.ToLower(fields[3])
		if flags == incompleteFlags || mac == zeroMAC {
			continue
		}
		if _, err := net.ParseMAC(mac); err != nil {
			continue
		}

		if _, dup := seen[mac]; dup {
			continue
		}
		seen[mac] = struct{}{}
		obs = append(obs, Observation{MAC: mac, IP: ip.String()})
	}

	return obs, sc.Err()
}
