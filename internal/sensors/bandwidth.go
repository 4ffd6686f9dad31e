package sensors

import (
	"context"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// counterFunc returns the cumulative bytes sent and received on iface, or on
// all interfaces when iface is empty.
type counterFunc func(ctx context.Context, iface string) (sent, recv uint64, err error)

// bandwidthCollector measures host throughput. Each instance keeps its own
// previous counters, so the first collection after creation reports zero.
type bandwidthCollector struct {
	iface    string
	counters counterFunc
	now      func() time.Time
	rates    rateTracker
}

func newBandwidth(cfg map[string]string) (*bandwidthCollector, error) {
	return &bandwidthCollector{
		iface:    stringOption(cfg, "interface", ""),
		counters: hostCounters,
		now:      time.Now,
	}, nil
}

func (c *bandwidthCollector) Collect(ctx context.Context, _ Target) (Reading, error) {
	sent, recv, err := c.counters(ctx, c.iface)
	if err != nil {
		return Reading{
			Values: map[string]float64{MetricUpload: 0, MetricDownload: 0},
			Status: models.SensorError,
		}, collectFailed("bandwidth", err)
	}

	rates := c.rates.update(c.now(), map[string]uint64{"sent": sent, "recv": recv})

	return Reading{
		Values: map[string]float64{
			MetricUpload:   rates["sent"] * 8 / 1e6,
			MetricDownload: rates["recv"] * 8 / 1e6,
		},
		Status: models.SensorOK,
	}, nil
}

func hostCounters(ctx context.Context, iface string) (uint64, uint64, error) {
	stats, err := psnet.IOCountersWithContext(ctx, iface != "")
	if err != nil {
		return 0, 0, err
	}

	for _, s := range stats {
		if iface == "" || s.Name == iface {
			return s.BytesSent, s.BytesRecv, nil
		}
	}

	return 0, 0, errors.New().WithData(errors.ErrResourceNotFound, struct{ Interface string }{Interface: iface})
}
