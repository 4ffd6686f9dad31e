package sensors

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"codeberg.org/mutker/netsentry/internal/models"
	"github.com/go-resty/resty/v2"
)

const defaultHTTPTimeout = 10 * time.Second

type httpCollector struct {
	url    string
	client *resty.Client
}

// newHTTP reads "url" (default http://<device ip>), "timeout" and
// "insecure_skip_verify". Certificate checks are off by default since most
// LAN devices serve self-signed certificates.
func newHTTP(cfg map[string]string) (*httpCollector, error) {
	timeout, err := durationOption(cfg, "timeout", defaultHTTPTimeout)
	if err != nil {
		return nil, err
	}
	insecure, err := boolOption(cfg, "insecure_skip_verify", true)
	if err != nil {
		return nil, err
	}

	client := resty.New().
		SetTimeout(timeout).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: insecure})

	return &httpCollector{url: stringOption(cfg, "url", ""), client: client}, nil
}

func (c *httpCollector) Collect(ctx context.Context, t Target) (Reading, error) {
	url := c.url
	if url == "" {
		url = "http://" + t.IP
	}

	resp, err := c.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return Reading{
			Values: map[string]float64{
				MetricHTTPTime:      0,
				MetricHTTPStatus:    0,
				MetricHTTPAvailable: 0,
			},
			Status: models.SensorError,
		}, collectFailed("http", err)
	}

	available, status := 0.0, models.SensorWarning
	if resp.StatusCode() == http.StatusOK {
		available, status = 1, models.SensorOK
	}

	return Reading{
		Values: map[string]float64{
			MetricHTTPTime:      float64(resp.Time().Microseconds()) / 1000,
			MetricHTTPStatus:    float64(resp.StatusCode()),
			MetricHTTPAvailable: available,
		},
		Status: status,
	}, nil
}
