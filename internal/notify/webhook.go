package notify

import (
	"context"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
	"github.com/go-resty/resty/v2"
)

type WebhookConfig struct {
	Enabled bool
	URL     string
	Headers map[string]string
}

// WebhookPayload is the JSON body posted to the webhook URL.
type WebhookPayload struct {
	Alert     *models.Alert `json:"alert"`
	Timestamp time.Time     `json:"timestamp"`
}

type Webhook struct {
	cfg    WebhookConfig
	client *resty.Client
	now    func() time.Time
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	client := resty.New().
		SetTimeout(DefaultTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeaders(cfg.Headers)

	return &Webhook{cfg: cfg, client: client, now: time.Now}
}

func (*Webhook) Kind() models.ChannelKind {
	return models.ChannelWebhook
}

func (c *Webhook) Send(ctx context.Context, alert *models.Alert) error {
	if !c.cfg.Enabled {
		return disabled(string(models.ChannelWebhook))
	}
	if c.cfg.URL == "" {
		return misconfigured(string(models.ChannelWebhook), "url is required")
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(WebhookPayload{Alert: alert, Timestamp: c.now().UTC()}).
		Post(c.cfg.URL)
	if err != nil {
		return errors.New().Wrap(ErrSendFailed, err)
	}

	if resp.IsError() {
		return errors.New().WithData(ErrSendFailed, struct {
			URL    string
			Status int
		}{URL: c.cfg.URL, Status: resp.StatusCode()})
	}

	return nil
}
