package scan

import (
	"context"
	"net"
	"strings"
	"time"
)

// UnknownVendor is the placeholder stored until a vendor is resolved.
const UnknownVendor = "Unknown"

const defaultLookupTimeout = 2 * time.Second

// NameResolver maps a network address to a host name. Failure is reported
// as ok=false, never as an error.
type NameResolver interface {
	ResolveName(ctx context.Context, ip string) (name string, ok bool)
}

// VendorResolver maps a hardware address to a manufacturer, or UnknownVendor.
type VendorResolver interface {
	ResolveVendor(mac string) string
}

// DNSResolver resolves names through reverse DNS.
type DNSResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
}

func NewDNSResolver(timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &DNSResolver{resolver: net.DefaultResolver, timeout: timeout}
}

func (r *DNSResolver) ResolveName(ctx context.Context, ip string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	names, err := r.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return "", false
	}

	name := strings.TrimSuffix(names[0], ".")
	return name, name != ""
}

// OUITable maps the first three octets of a hardware address, lower case and
// colon separated, to a manufacturer.
type OUITable map[string]string

func (t OUITable) ResolveVendor(mac string) string {
	mac = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(mac)), "-", ":")
	if len(mac) < 8 {
		return UnknownVendor
	}
	if vendor, ok := t[mac[:8]]; ok {
		return vendor
	}
	return UnknownVendor
}

// DefaultOUITable returns a copy of the built-in prefix table covering common
// home and small office vendors.
func DefaultOUITable() OUITable {
	t := make(OUITable, len(builtinOUI))
	for k, v := range builtinOUI {
		t[k] = v
	}
	return t
}

var builtinOUI = map[string]string{
	"44:09:b8": "Google", "e8:b0:c5": "Google", "b0:05:94": "Google", "c4:8b:66": "Google",
	"f8:0f:f9": "Google", "60:45:cb": "Google", "00:1a:11": "Google", "d8:16:14": "Google",
	"f0:ef:86": "Google",

	"d4:5d:64": "TP-Link", "e8:4e:06": "TP-Link", "10:27:f5": "TP-Link", "7c:61:66": "TP-Link",
	"10:d5:61": "TP-Link", "50:c7:bf": "TP-Link", "f4:f2:6d": "TP-Link", "d8:07:37": "TP-Link",
	"00:21:2f": "TP-Link", "7c:f6:66": "TP-Link", "48:e1:e9": "TP-Link",

	"00:00:0c": "Cisco",
	"00:03:93": "Apple", "00:05:02": "Apple", "28:cf:e9": "Apple", "d0:03:4b": "Apple",
	"f8:ff:c2": "Apple",

	"08:84:9d": "Amazon", "fc:a6:67": "Amazon", "00:bb:3a": "Amazon",

	"3c:5a:37": "Samsung", "00:07:ab": "Samsung",

	"70:9e:29": "Sony", "00:1d:ba": "Sony",

	"ac:ed:5c": "Asus", "b0:6e:bf": "Asus", "38:d5:47": "Asus", "24:4b:fe": "Asus",
	"00:e0:18": "Asus", "88:d7:f6": "Asus", "d0:17:c2": "Asus", "04:d9:f5": "Asus",

	"00:11:32": "Synology",
	"b8:27:eb": "Raspberry Pi", "dc:a6:32": "Raspberry Pi", "e4:5f:01": "Raspberry Pi",
	"00:e0:4c": "Realtek",
	"80:9f:9b": "Shenzhen Jiawei Technology", "a8:10:87": "Shenzhen Jiawei Technology",
}
