package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"shopmetrics-backend/logging"
)

// ScheduledJobName is the job name of the periodic full sync. Sharing one
// name across ticks means a slow run makes the next tick skip instead of
// piling up.
const ScheduledJobName = "scheduled-full-sync"

// DefaultHousekeepInterval is how often expired OAuth states are purged.
const DefaultHousekeepInterval = time.Hour

// JobRunner is the slice of the orchestrator the scheduler needs.
type JobRunner interface {
	RunJob(ctx context.Context, job Job) (*Result, error)
}

// StatePurger drops expired OAuth linking attempts.
type StatePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Runner            JobRunner
	States            StatePurger
	SyncInterval      time.Duration
	HousekeepInterval time.Duration
	Logger            *zap.Logger
	Clock             clockwork.Clock
}

// Scheduler triggers the periodic full sync and housekeeping. It owns no
// state of its own; everything interesting happens in the orchestrator.
type Scheduler struct {
	runner            JobRunner
	states            StatePurger
	syncInterval      time.Duration
	housekeepInterval time.Duration
	log               *zap.Logger
	clock             clockwork.Clock
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	housekeep := cfg.HousekeepInterval
	if housekeep <= 0 {
		housekeep = DefaultHousekeepInterval
	}
	return &Scheduler{
		runner:            cfg.Runner,
		states:            cfg.States,
		syncInterval:      cfg.SyncInterval,
		housekeepInterval: housekeep,
		log:               logger.With(logging.Component("scheduler")),
		clock:             clock,
	}
}

// Run blocks until ctx is done, kicking off the scheduled full sync every
// sync interval and housekeeping every housekeep interval.
func (s *Scheduler) Run(ctx context.Context) {
	syncTicker := s.clock.NewTicker(s.syncInterval)
	defer syncTicker.Stop()
	houseTicker := s.clock.NewTicker(s.housekeepInterval)
	defer houseTicker.Stop()

	s.log.Info("scheduler started",
		zap.Duration("sync_interval", s.syncInterval),
		zap.Duration("housekeep_interval", s.housekeepInterval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-syncTicker.Chan():
			s.runScheduledSync(ctx)
		case <-houseTicker.Chan():
			s.housekeep(ctx)
		}
	}
}

func (s *Scheduler) runScheduledSync(ctx context.Context) {
	_, err := s.runner.RunJob(ctx, Job{Name: ScheduledJobName, Kind: KindAll})
	if errors.Is(err, ErrAlreadyRunning) {
		s.log.Info("scheduled sync skipped, previous run still in flight")
		return
	}
	if err != nil {
		s.log.Error("scheduled sync failed", zap.Error(err))
	}
}

func (s *Scheduler) housekeep(ctx context.Context) {
	purged, err := s.states.PurgeExpired(ctx)
	if err != nil {
		s.log.Error("oauth state purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		s.log.Info("expired oauth states purged", zap.Int64("purged", purged))
	}
}
