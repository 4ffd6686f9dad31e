package sensors

import (
	"context"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	PortOpen = "open"

	UnknownService = "Unknown"

	defaultScanWorkers = 50
)

// CommonPorts names the well known services checked by a common scan.
var CommonPorts = map[int]string{
	20:    "FTP Data",
	21:    "FTP Control",
	22:    "SSH",
	23:    "Telnet",
	25:    "SMTP",
	53:    "DNS",
	80:    "HTTP",
	110:   "POP3",
	143:   "IMAP",
	443:   "HTTPS",
	445:   "SMB",
	3306:  "MySQL",
	3389:  "RDP",
	5432:  "PostgreSQL",
	5900:  "VNC",
	8080:  "HTTP Proxy",
	8443:  "HTTPS Alt",
	27017: "MongoDB",
}

func ServiceName(port int) string {
	if name, ok := CommonPorts[port]; ok {
		return name
	}
	return UnknownService
}

// CommonPortList returns the keys of CommonPorts in ascending order.
func CommonPortList() []int {
	ports := make([]int, 0, len(CommonPorts))
	for p := range CommonPorts {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}

type PortResult struct {
	Port    int    `json:"port"`
	Service string `json:"service"`
	State   string `json:"state"`
}

// PortScanner runs TCP connect scans with a bounded number of concurrent dials.
type PortScanner struct {
	timeout time.Duration
	workers int
	dialer  *net.Dialer
}

func NewPortScanner(timeout time.Duration, workers int) *PortScanner {
	if timeout <= 0 {
		timeout = defaultPortTimeout
	}
	if workers <= 0 {
		workers = defaultScanWorkers
	}
	return &PortScanner{timeout: timeout, workers: workers, dialer: &net.Dialer{Timeout: timeout}}
}

// Scan returns the open ports of ip sorted by port. Refused and timed out
// connects count as closed; a cancelled ctx stops further dials.
func (s *PortScanner) Scan(ctx context.Context, ip string, ports []int) []PortResult {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		open []PortResult
	)
	g.SetLimit(s.workers)

	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !s.dial(ctx, ip, port) {
				return nil
			}
			mu.Lock()
			open = append(open, PortResult{Port: port, Service: ServiceName(port), State: PortOpen})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(open, func(a, b PortResult) int { return a.Port - b.Port })
	return open
}

func (s *PortScanner) dial(ctx context.Context, ip string, port int) bool {
	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := s.dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
