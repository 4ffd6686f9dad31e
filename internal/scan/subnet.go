package scan

import (
	"context"
	"net/netip"
	"slices"

	"codeberg.org/mutker/netsentry/internal/errors"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// FallbackSubnet is swept when no subnet is configured and none can be
// derived from the local interfaces.
const FallbackSubnet = "192.168.1.0/24"

// DetectSubnet derives the /24 of the first up, non-loopback interface with a
// private IPv4 address. Container bridges in 172.16.0.0/12 and link-local
// addresses are skipped.
func DetectSubnet(ctx context.Context) (string, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return "", errors.New().Wrap(ErrNoInterface, err)
	}
	return pickSubnet(ifaces)
}

var bridgeRange = netip.MustParsePrefix("172.16.0.0/12")

func pickSubnet(ifaces psnet.InterfaceStatList) (string, error) {
	for _, iface := range ifaces {
		if slices.Contains(iface.Flags, "loopback") || !slices.Contains(iface.Flags, "up") {
			continue
		}

		for _, a := range iface.Addrs {
			prefix, err := netip.ParsePrefix(a.Addr)
			if err != nil {
				continue
			}

			ip := prefix.Addr()
			if !ip.Is4() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || bridgeRange.Contains(ip) {
				continue
			}

			return netip.PrefixFrom(ip, 24).Masked().String(), nil
		}
	}

	return "", errors.New().New(ErrNoInterface)
}
