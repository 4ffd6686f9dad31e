package retention

import (
	"context"
	"strings"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/logger"
	"codeberg.org/mutker/netsentry/internal/telemetry"
	"github.com/robfig/cron/v3"
)

const (
	ErrInvalidSchedule = errors.ErrorCode("retention_invalid_schedule")
	ErrPruneFailed     = errors.ErrorCode("retention_prune_failed")

	DefaultSchedule = "@daily"
	DefaultDays     = 7

	pruneTimeout = time.Minute
)

type Pruner interface {
	PruneAcknowledged(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job deletes acknowledged alerts older than the retention window.
type Job struct {
	store   Pruner
	keep    time.Duration
	log     logger.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type Option func(*Job)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(j *Job) {
		j.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(j *Job) {
		j.now = now
	}
}

func NewJob(store Pruner, days int, log logger.Logger, opts ...Option) *Job {
	if days <= 0 {
		days = DefaultDays
	}
	j := &Job{
		store: store,
		keep:  time.Duration(days) * 24 * time.Hour,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run implements cron.Job.
func (j *Job) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	if _, err := j.Prune(ctx); err != nil {
		j.log.Error().Err(err).Msg("Alert retention failed")
	}
}

// Prune removes acknowledged alerts created before now minus the window.
func (j *Job) Prune(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.keep)

	n, err := j.store.PruneAcknowledged(ctx, cutoff)
	if err != nil {
		return 0, errors.New().Wrap(ErrPruneFailed, err)
	}

	j.metrics.AlertsPruned(n)
	if n > 0 {
		j.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Pruned acknowledged alerts")
	}
	return n, nil
}

// Scheduler runs a Job on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	id   cron.EntryID
	log  logger.Logger
}

// NewScheduler accepts standard five-field expressions, descriptors such as
// @daily, and six-field expressions with a leading seconds field.
func NewScheduler(schedule string, job cron.Job, log logger.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	c := cron.New()
	if strings.Count(strings.TrimSpace(schedule), " ") == 5 {
		log.Warn().Str("schedule", schedule).Msg("Retention schedule has second-level precision")
		c = cron.New(cron.WithSeconds())
	}

	id, err := c.AddJob(schedule, job)
	if err != nil {
		return nil, errors.New().Wrap(ErrInvalidSchedule, err).WithData(struct{ Schedule string }{Schedule: schedule})
	}

	return &Scheduler{cron: c, id: id, log: log}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Time("next_run", s.NextRun()).Msg("Alert retention scheduled")
}

func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.id).Next
}

// Stop prevents further runs and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cron.Remove(s.id)
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
