package notify

import (
	"context"
	"sync"

	"codeberg.org/mutker/netsentry/internal/live"
	"codeberg.org/mutker/netsentry/internal/models"
)

const defaultActiveLimit = 100

// Publisher receives live updates.
type Publisher interface {
	PublishType(t live.MessageType, data any)
}

// InApp keeps recent unacknowledged alerts in memory and pushes each new one
// to live subscribers.
type InApp struct {
	mu     sync.Mutex
	active []*models.Alert
	limit  int
	pub    Publisher
}

func NewInApp(pub Publisher, limit int) *InApp {
	if limit <= 0 {
		limit = defaultActiveLimit
	}
	return &InApp{limit: limit, pub: pub}
}

func (*InApp) Kind() models.ChannelKind {
	return models.ChannelInApp
}

func (c *InApp) Send(_ context.Context, alert *models.Alert) error {
	c.mu.Lock()
	c.active = append(c.active, alert)
	if len(c.active) > c.limit {
		c.active = c.active[len(c.active)-c.limit:]
	}
	c.mu.Unlock()

	if c.pub != nil {
		c.pub.PublishType(live.TypeAlertNew, alert)
	}

	return nil
}

// Active returns the active alerts, newest last.
func (c *InApp) Active() []*models.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*models.Alert, len(c.active))
	copy(out, c.active)
	return out
}

// Acknowledge drops an alert from the active list.
func (c *InApp) Acknowledge(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.active[:0]
	for _, a := range c.active {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	c.active = kept
}
