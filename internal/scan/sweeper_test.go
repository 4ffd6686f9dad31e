package scan

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/logger"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const arpFixture = `IP address       HW type     Flags       HW address            Mask     Device
192.168.1.1      0x1         0x2         AA:BB:CC:00:00:01     *        eth0
192.168.1.50     0x1         0x2         aa:bb:cc:dd:ee:ff     *        eth0
192.168.1.51     0x1         0x0         00:00:00:00:00:00     *        eth0
192.168.1.52     0x1         0x2         00:00:00:00:00:00     *        eth0
10.0.0.7         0x1         0x2         aa:bb:cc:00:00:07     *        eth1
192.168.1.60     0x1         0x2         aa:bb:cc:dd:ee:ff     *        eth0
garbage line
`

func TestParseARP(t *testing.T) {
	prefix := netip.MustParsePrefix("192.168.1.0/24")

	obs, err := parseARP(strings.NewReader(arpFixture), prefix)
	require.NoError(t, err)

	assert.Equal(t, []Observation{
		{MAC: "aa:bb:cc:00:00:01", IP: "192.168.1.1"},
		{MAC: "aa:bb:cc:dd:ee:ff", IP: "192.168.1.50"},
	}, obs)
}

func TestParseSubnet(t *testing.T) {
	prefix, err := ParseSubnet("192.168.1.77/24")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.0/24", prefix.String())

	for _, bad := range []string{"", "192.168.1.0", "10.0.0.0/8", "fd00::/120"} {
		_, err := ParseSubnet(bad)
		require.Error(t, err, bad)
		assert.True(t, errors.HasCode(err, ErrInvalidSubnet), bad)
	}
}

func TestHosts(t *testing.T) {
	hosts := Hosts(netip.MustParsePrefix("192.168.1.0/24"))
	require.Len(t, hosts, 254)
	assert.Equal(t, "192.168.1.1", hosts[0].String())
	assert.Equal(t, "192.168.1.254", hosts[len(hosts)-1].String())

	assert.Len(t, Hosts(netip.MustParsePrefix("10.0.0.4/31")), 2)
	assert.Len(t, Hosts(netip.MustParsePrefix("10.0.0.4/32")), 1)
}

func TestNeighborSweeperReadsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arp")
	require.NoError(t, os.WriteFile(path, []byte(arpFixture), 0o600))

	s := NewNeighborSweeper(logger.Nop(), WithARPTable(path), WithSettle(time.Millisecond), WithConfirmWindow(0), WithConcurrency(8))
	obs, err := s.Sweep(context.Background(), "192.168.1.0/30")
	require.NoError(t, err)
	assert.Len(t, obs, 1)
	assert.Equal(t, "192.168.1.1", obs[0].IP)
}

func TestNeighborSweeperDropsUnconfirmedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arp")
	require.NoError(t, os.WriteFile(path, []byte(arpFixture), 0o600))

	// 192.168.1.50 went away: the kernel failed to revalidate it and cleared the entry.
	revalidated := strings.Replace(arpFixture,
		"192.168.1.50     0x1         0x2         aa:bb:cc:dd:ee:ff",
		"192.168.1.50     0x1         0x0         00:00:00:00:00:00", 1)

	s := NewNeighborSweeper(logger.Nop(), WithARPTable(path), WithConfirmWindow(9*time.Second))
	var waits []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		if d == 9*time.Second {
			return os.WriteFile(path, []byte(revalidated), 0o600)
		}
		return nil
	}

	obs, err := s.Sweep(context.Background(), "192.168.1.0/24")
	require.NoError(t, err)
	assert.Equal(t, []Observation{{MAC: "aa:bb:cc:00:00:01", IP: "192.168.1.1"}}, obs)
	assert.Equal(t, []time.Duration{defaultSettle, 9 * time.Second}, waits)
}

func TestNeighborSweeperConfirmCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arp")
	require.NoError(t, os.WriteFile(path, []byte(arpFixture), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	s := NewNeighborSweeper(logger.Nop(), WithARPTable(path), WithSettle(0), WithConfirmWindow(time.Hour))
	s.sleep = func(ctx context.Context, d time.Duration) error {
		if d == time.Hour {
			cancel()
		}
		return sleep(ctx, 0)
	}

	_, err := s.Sweep(ctx, "192.168.1.0/24")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrSweepFailed))
}

func TestConfirmed(t *testing.T) {
	first := []Observation{
		{MAC: "aa:bb:cc:00:00:01", IP: "192.168.1.1"},
		{MAC: "aa:bb:cc:00:00:02", IP: "192.168.1.2"},
		{MAC: "aa:bb:cc:00:00:03", IP: "192.168.1.3"},
	}
	second := []Observation{
		{MAC: "aa:bb:cc:00:00:01", IP: "192.168.1.1"},
		{MAC: "aa:bb:cc:00:00:03", IP: "192.168.1.9"},
	}

	assert.Equal(t, []Observation{{MAC: "aa:bb:cc:00:00:01", IP: "192.168.1.1"}}, confirmed(first, second))
}

func TestNeighborSweeperMissingTable(t *testing.T) {
	s := NewNeighborSweeper(logger.Nop(), WithARPTable(filepath.Join(t.TempDir(), "missing")), WithSettle(0))
	_, err := s.Sweep(context.Background(), "192.168.1.0/30")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrSweepFailed))
}

func TestPickSubnet(t *testing.T) {
	ifaces := psnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
		{Name: "docker0", Flags: []string{"up", "broadcast"}, Addrs: psnet.InterfaceAddrList{{Addr: "172.17.0.1/16"}}},
		{Name: "eth1", Flags: []string{"broadcast"}, Addrs: psnet.InterfaceAddrList{{Addr: "10.1.2.3/24"}}},
		{Name: "eth0", Flags: []string{"up", "broadcast"}, Addrs: psnet.InterfaceAddrList{
			{Addr: "fe80::1/64"},
			{Addr: "169.254.3.4/16"},
			{Addr: "192.168.10.23/16"},
		}},
	}

	subnet, err := pickSubnet(ifaces)
	require.NoError(t, err)
	assert.Equal(t, "192.168.10.0/24", subnet)

	_, err = pickSubnet(ifaces[:3])
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrNoInterface))
}

func TestOUITable(t *testing.T) {
	table := DefaultOUITable()
	assert.Equal(t, "Raspberry Pi", table.ResolveVendor("B8-27-EB-12-34-56"))
	assert.Equal(t, "TP-Link", table.ResolveVendor("d4:5d:64:00:00:01"))
	assert.Equal(t, UnknownVendor, table.ResolveVendor("02:00:00:00:00:01"))
	assert.Equal(t, UnknownVendor, table.ResolveVendor("bad"))
}
