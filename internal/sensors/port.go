package sensors

import (
	"context"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
)

const defaultPortTimeout = time.Second

var defaultPorts = []int{80, 443, 22, 21, 3389, 8080}

type portCollector struct {
	ports   []int
	scanner *PortScanner
}

func newPort(cfg map[string]string) (*portCollector, error) {
	timeout, err := durationOption(cfg, "timeout", defaultPortTimeout)
	if err != nil {
		return nil, err
	}

	ports := defaultPorts
	if raw := strings.TrimSpace(cfg["ports"]); raw != "" {
		ports = nil
		for _, field := range strings.Split(raw, ",") {
			p, err := strconv.Atoi(strings.TrimSpace(field))
			if err == nil && (p < 1 || p > 65535) {
				err = errors.New().New(errors.ErrInvalidArgument)
			}
			if err != nil {
				return nil, invalidOption("ports", raw, err)
			}
			ports = append(ports, p)
		}
	}

	return &portCollector{ports: ports, scanner: NewPortScanner(timeout, len(ports))}, nil
}

// Collect attempts a TCP connect to every configured port in parallel. A
// refused or timed out connect counts as closed.
func (c *portCollector) Collect(ctx context.Context, t Target) (Reading, error) {
	open := c.scanner.Scan(ctx, t.IP, c.ports)

	return Reading{
		Values: map[string]float64{
			MetricOpenPorts:    float64(len(open)),
			MetricScannedPorts: float64(len(c.ports)),
		},
		Status: models.SensorOK,
	}, nil
}
