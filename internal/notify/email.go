package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"html/template"
	"strings"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
	"gopkg.in/gomail.v2"
)

type EmailConfig struct {
	Enabled  bool
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	To       []string
}

// MailSender is satisfied by *gomail.Dialer.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

var emailTemplate = template.Must(template.New("alert").Parse(`<html>
<body style="font-family: sans-serif;">
  <div style="border-left: 4px solid {{.Color}}; padding: 12px;">
    <h2 style="color: {{.Color}}; margin: 0 0 8px 0;">{{.Level}}</h2>
    <p>{{.Alert.Message}}</p>
    {{- if .Alert.DeviceName}}
    <p><strong>Device:</strong> {{.Alert.DeviceName}} ({{.Alert.DeviceIP}})</p>
    {{- end}}
    <p style="color: #6c757d; font-size: 12px;">{{.Time}}</p>
  </div>
</body>
</html>`))

type Email struct {
	cfg    EmailConfig
	sender MailSender
}

// NewEmail builds the email channel. A nil sender dials cfg.SMTPHost with STARTTLS.
func NewEmail(cfg EmailConfig, sender MailSender) *Email {
	if sender == nil {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.Username, cfg.Password)
		d.TLSConfig = &tls.Config{ServerName: cfg.SMTPHost, MinVersion: tls.VersionTLS12}
		sender = d
	}
	return &Email{cfg: cfg, sender: sender}
}

func (*Email) Kind() models.ChannelKind {
	return models.ChannelEmail
}

func (c *Email) Send(ctx context.Context, alert *models.Alert) error {
	if !c.cfg.Enabled {
		return disabled(string(models.ChannelEmail))
	}
	if c.cfg.SMTPHost == "" || c.cfg.From == "" || len(c.cfg.To) == 0 {
		return misconfigured(string(models.ChannelEmail), "smtp_host, from and to are required")
	}

	msg, err := c.message(alert)
	if err != nil {
		return err
	}

	// gomail has no context support; bound the wait instead.
	done := make(chan error, 1)
	go func() {
		done <- c.sender.DialAndSend(msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.New().Wrap(ErrSendFailed, err)
		}
		return nil
	case <-ctx.Done():
		return errors.New().Wrap(ErrSendTimeout, ctx.Err())
	}
}

func (c *Email) message(alert *models.Alert) (*gomail.Message, error) {
	var body bytes.Buffer
	err := emailTemplate.Execute(&body, struct {
		Alert *models.Alert
		Level string
		Color string
		Time  string
	}{
		Alert: alert,
		Level: strings.ToUpper(string(alert.Level)),
		Color: levelColor[alert.Level],
		Time:  alert.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"),
	})
	if err != nil {
		return nil, errors.New().Wrap(ErrSendFailed, err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", c.cfg.From)
	m.SetHeader("To", c.cfg.To...)
	m.SetHeader("Subject", Subject(alert))
	m.SetBody("text/html", body.String())

	return m, nil
}
