package typing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/parley/internal/observability"
)

// DefaultSweepSchedule runs the sweep every five minutes.
const DefaultSweepSchedule = "@every 5m"

// cronParser supports both standard (5-field) and extended (6-field with seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule reports whether schedule is a usable cron spec. An
// empty schedule is valid and means DefaultSweepSchedule.
func ValidateSchedule(schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil
	}
	_, err := cronParser.Parse(schedule)
	return err
}

// Sweeper periodically purges stale typing states.
type Sweeper struct {
	tracker *Tracker
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewSweeper schedules tracker sweeps. An empty schedule uses
// DefaultSweepSchedule.
func NewSweeper(tracker *Tracker, schedule string, logger *slog.Logger, metrics *observability.Metrics) (*Sweeper, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	s := &Sweeper{
		tracker: tracker,
		cron:    cron.New(cron.WithParser(cronParser)),
		logger:  logger.With("component", "typing_sweeper"),
		metrics: metrics,
		now:     time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce() }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce performs a single sweep and returns the number of purged states.
func (s *Sweeper) RunOnce() int {
	purged := s.tracker.Sweep(s.now())
	s.metrics.RecordTypingSweep(purged)
	if purged > 0 {
		s.logger.Debug("purged stale typing states", "count", purged)
	}
	return purged
}

// Start begins running scheduled sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish or ctx
// to end.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
