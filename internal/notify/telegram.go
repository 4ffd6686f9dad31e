package notify

import (
	"context"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
	"github.com/go-resty/resty/v2"
)

const defaultTelegramAPI = "https://api.telegram.org"

type TelegramConfig struct {
	Enabled  bool
	BotToken string
	ChatID   string
	APIURL   string
}

type Telegram struct {
	cfg    TelegramConfig
	client *resty.Client
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultTelegramAPI
	}

	client := resty.New().
		SetBaseURL(cfg.APIURL).
		SetTimeout(DefaultTimeout).
		SetHeader("Content-Type", "application/json")

	return &Telegram{cfg: cfg, client: client}
}

func (*Telegram) Kind() models.ChannelKind {
	return models.ChannelTelegram
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (c *Telegram) Send(ctx context.Context, alert *models.Alert) error {
	if !c.cfg.Enabled {
		return disabled(string(models.ChannelTelegram))
	}
	if c.cfg.BotToken == "" || c.cfg.ChatID == "" {
		return misconfigured(string(models.ChannelTelegram), "bot_token and chat_id are required")
	}

	var result telegramResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": c.cfg.ChatID,
			"text":    chatText(alert),
		}).
		SetResult(&result).
		SetError(&result).
		Post("/bot" + c.cfg.BotToken + "/sendMessage")
	if err != nil {
		return errors.New().Wrap(ErrSendFailed, err)
	}

	if resp.IsError() || !result.OK {
		return errors.New().WithData(ErrSendFailed, struct {
			Status      int
			Description string
		}{Status: resp.StatusCode(), Description: result.Description})
	}

	return nil
}
