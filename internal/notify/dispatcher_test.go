package notify_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/logger"
	"codeberg.org/mutker/netsentry/internal/models"
	"codeberg.org/mutker/netsentry/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	kind  models.ChannelKind
	send  func(ctx context.Context) error
	calls atomic.Int32
}

func (f *fakeChannel) Kind() models.ChannelKind { return f.kind }

func (f *fakeChannel) Send(ctx context.Context, _ *models.Alert) error {
	f.calls.Add(1)
	if f.send == nil {
		return nil
	}
	return f.send(ctx)
}

func testAlert() *models.Alert {
	return &models.Alert{
		ID:        "alert-1",
		Level:     models.LevelCritical,
		Condition: models.ConditionDeviceOffline,
		Message:   "Device printer went offline",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func outcomes(results []notify.Result) map[models.ChannelKind]notify.Outcome {
	out := make(map[models.ChannelKind]notify.Outcome, len(results))
	for _, r := range results {
		out[r.Channel] = r.Outcome
	}
	return out
}

func TestDispatchIsolatesChannelFailures(t *testing.T) {
	inApp := &fakeChannel{kind: models.ChannelInApp}
	email := &fakeChannel{kind: models.ChannelEmail, send: func(context.Context) error {
		return fmt.Errorf("smtp: connection refused")
	}}
	telegram := &fakeChannel{kind: models.ChannelTelegram, send: func(context.Context) error {
		panic("nil map")
	}}
	webhook := &fakeChannel{kind: models.ChannelWebhook, send: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	d := notify.NewDispatcher(logger.Nop(),
		[]notify.Channel{inApp, email, telegram, webhook},
		notify.WithTimeout(50*time.Millisecond))

	start := time.Now()
	results := d.Dispatch(context.Background(), testAlert(), []models.ChannelKind{
		models.ChannelWebhook, models.ChannelEmail, models.ChannelTelegram, models.ChannelInApp,
	})
	assert.Less(t, time.Since(start), time.Second, "a hanging channel is bounded by the timeout")

	require.Len(t, results, 4)
	assert.Equal(t, models.ChannelWebhook, results[0].Channel, "results keep request order")

	got := outcomes(results)
	assert.Equal(t, notify.OutcomeSent, got[models.ChannelInApp])
	assert.Equal(t, notify.OutcomeFailed, got[models.ChannelEmail])
	assert.Equal(t, notify.OutcomeFailed, got[models.ChannelTelegram])
	assert.Equal(t, notify.OutcomeFailed, got[models.ChannelWebhook])

	assert.True(t, errors.HasCode(results[2].Err, notify.ErrChannelPanic))
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), inApp.calls.Load())
}

func TestDispatchSkipsDisabledAndUnknownChannels(t *testing.T) {
	inApp := &fakeChannel{kind: models.ChannelInApp}
	email := notify.NewEmail(notify.EmailConfig{Enabled: false}, &fakeSender{})

	d := notify.NewDispatcher(logger.Nop(), []notify.Channel{inApp, email})

	results := d.Dispatch(context.Background(), testAlert(), []models.ChannelKind{
		models.ChannelEmail, models.ChannelTelegram, models.ChannelInApp, models.ChannelInApp,
	})

	require.Len(t, results, 3, "duplicate channels are sent once")
	got := outcomes(results)
	assert.Equal(t, notify.OutcomeSkipped, got[models.ChannelEmail])
	assert.Equal(t, notify.OutcomeSkipped, got[models.ChannelTelegram])
	assert.Equal(t, notify.OutcomeSent, got[models.ChannelInApp])
	assert.True(t, errors.HasCode(results[0].Err, notify.ErrChannelDisabled))
	assert.True(t, errors.HasCode(results[1].Err, notify.ErrUnknownChannel))
	assert.Equal(t, int32(1), inApp.calls.Load())
}

func TestChannels(t *testing.T) {
	d := notify.NewDispatcher(logger.Nop(), []notify.Channel{
		&fakeChannel{kind: models.ChannelWebhook},
		&fakeChannel{kind: models.ChannelInApp},
	})
	assert.Equal(t, []models.ChannelKind{models.ChannelInApp, models.ChannelWebhook}, d.Channels())
}

func TestInAppKeepsBoundedActiveList(t *testing.T) {
	pub := &recordingPublisher{}
	ch := notify.NewInApp(pub, 2)

	for i := 0; i < 3; i++ {
		a := testAlert()
		a.ID = fmt.Sprintf("alert-%d", i)
		require.NoError(t, ch.Send(context.Background(), a))
	}

	active := ch.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "alert-1", active[0].ID)
	assert.Equal(t, "alert-2", active[1].ID)
	assert.Len(t, pub.messages, 3)

	ch.Acknowledge("alert-1")
	active = ch.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "alert-2", active[0].ID)
}

func TestTestDispatchesToAllChannels(t *testing.T) {
	inApp := &fakeChannel{kind: models.ChannelInApp}
	webhook := &fakeChannel{kind: models.ChannelWebhook}
	d := notify.NewDispatcher(logger.Nop(), []notify.Channel{inApp, webhook})

	results := d.Test(context.Background(), nil)
	assert.Equal(t, map[models.ChannelKind]notify.Outcome{
		models.ChannelInApp:   notify.OutcomeSent,
		models.ChannelWebhook: notify.OutcomeSent,
	}, outcomes(results))

	results = d.Test(context.Background(), []models.ChannelKind{models.ChannelWebhook})
	require.Len(t, results, 1)
	assert.Equal(t, int32(2), webhook.calls.Load())
	assert.Equal(t, int32(1), inApp.calls.Load())
}
