package retention_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/logger"
	"codeberg.org/mutker/netsentry/internal/models"
	"codeberg.org/mutker/netsentry/internal/registry"
	"codeberg.org/mutker/netsentry/internal/retention"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruneKeepsRecentAndUnacknowledged(t *testing.T) {
	ctx := context.Background()

	cfg := registry.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "retention.db")
	store, err := registry.Open(ctx, cfg, logger.Nop())
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	insert := func(age time.Duration, ack bool) *models.Alert {
		a := &models.Alert{
			Level:     models.LevelInfo,
			Condition: models.ConditionDeviceNew,
			Message:   "test",
			CreatedAt: now.Add(-age),
		}
		require.NoError(t, store.InsertAlert(ctx, a))
		if ack {
			_, err := store.AcknowledgeAlert(ctx, a.ID, "admin", now.Add(-age))
			require.NoError(t, err)
		}
		return a
	}

	old := insert(10*24*time.Hour, true)
	oldOpen := insert(10*24*time.Hour, false)
	recent := insert(24*time.Hour, true)

	job := retention.NewJob(store, 7, logger.Nop(), retention.WithClock(func() time.Time { return now }))
	n, err := job.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Alert(ctx, old.ID)
	assert.True(t, errors.HasCode(err, errors.ErrResourceNotFound))
	_, err = store.Alert(ctx, oldOpen.ID)
	assert.NoError(t, err)
	_, err = store.Alert(ctx, recent.ID)
	assert.NoError(t, err)
}

type failingPruner struct{}

func (failingPruner) PruneAcknowledged(context.Context, time.Time) (int64, error) {
	return 0, errors.New().New(errors.ErrInternal)
}

func TestPruneFailure(t *testing.T) {
	job := retention.NewJob(failingPruner{}, 0, logger.Nop())
	_, err := job.Prune(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, retention.ErrPruneFailed))
}

func TestScheduler(t *testing.T) {
	job := retention.NewJob(failingPruner{}, 7, logger.Nop())

	s, err := retention.NewScheduler("", job, logger.Nop())
	require.NoError(t, err)
	s.Start()
	assert.True(t, s.NextRun().After(time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	_, err = retention.NewScheduler("every tuesday", job, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, retention.ErrInvalidSchedule))
}
