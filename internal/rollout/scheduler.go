// Package rollout drives namespace-to-node assignment as a self-rescheduling loop guarded
// by a fleet-wide exclusive lease.
package rollout

import (
	"context"
	"errors"
	"time"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/coordinator"
	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/features"
	"github.com/soltixdb/searchcoord/internal/jobs"
	"github.com/soltixdb/searchcoord/internal/lease"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metrics"
)

// LeaseKey identifies the scheduler's lease fleet-wide
const LeaseKey = "rollout_scheduler"

const jobName = "rollout"

// Service performs one placement pass. coordinator.RolloutService implements it.
type Service interface {
	Execute(ctx context.Context, dryRun bool) (coordinator.RolloutResult, error)
}

// Deferrer runs a job later. jobs.Runner implements it.
type Deferrer interface {
	PerformIn(name string, delay time.Duration, job jobs.Job)
}

// Scheduler runs the rollout loop:
//
//	success       -> run again immediately with attempt 0
//	no progress   -> run again after initial_backoff * 2^attempt, up to max_retries
//	error         -> tracked, then backs off like no progress
//	exhausted     -> log and stop until the next external trigger
//	lease held    -> return silently; another coordinator is rolling out
type Scheduler struct {
	service  Service
	locker   lease.Locker
	deferrer Deferrer
	settings features.Source
	config   config.RolloutConfig
	tracker  errs.Tracker
	logger   *logging.Logger
}

// NewScheduler creates a scheduler. settings is consulted again before each self-scheduled run.
func NewScheduler(service Service, locker lease.Locker, deferrer Deferrer, settings features.Source,
	cfg config.RolloutConfig, tracker errs.Tracker, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		service:  service,
		locker:   locker,
		deferrer: deferrer,
		settings: settings,
		config:   cfg,
		tracker:  tracker,
		logger:   logger,
	}
}

// Execute runs one iteration with the given attempt counter
func (s *Scheduler) Execute(ctx context.Context, settings features.Settings, attempt int) error {
	if !s.config.Enabled || !settings.RolloutAllowed() {
		s.logger.Debug("Rollout skipped", "indexing_paused", settings.IndexingPaused)
		return nil
	}

	var result coordinator.RolloutResult
	err := lease.Obtain(ctx, s.locker, LeaseKey, lease.Options{
		TTL:     s.config.LeaseTTL,
		Retries: s.config.LeaseRetries,
		Sleep:   s.config.LeaseSleep,
	}, func(ctx context.Context) error {
		var err error
		result, err = s.service.Execute(ctx, false)
		return err
	})

	switch {
	case errors.Is(err, lease.ErrLeaseNotObtained):
		metrics.RolloutRuns.WithLabelValues("locked").Inc()
		s.logger.Debug("Rollout lease held elsewhere")
		return nil
	case err != nil:
		metrics.RolloutRuns.WithLabelValues("error").Inc()
		if s.tracker != nil {
			s.tracker.Track(ctx, jobName, err, "attempt", attempt)
		}
	case result.Changed():
		metrics.RolloutRuns.WithLabelValues("changed").Inc()
		s.logger.Info("Rollout assigned namespaces",
			"namespaces", result.Namespaces,
			"indices", result.Indices,
			"tasks", result.Tasks)
		s.schedule(0, 0)
		return nil
	}

	if attempt >= s.config.MaxRetries {
		metrics.RolloutRuns.WithLabelValues("exhausted").Inc()
		s.logger.WithContext(ctx).Warn("Rollout retries exhausted",
			"event", "rollout_exhausted",
			"attempts", attempt,
			"unplaced_namespaces", len(result.Unplaced))
		return nil
	}

	delay := s.Backoff(attempt)
	if err == nil {
		metrics.RolloutRuns.WithLabelValues("noop").Inc()
	}
	s.logger.Info("Rollout made no progress, backing off",
		"attempt", attempt,
		"delay", delay,
		"unplaced_namespaces", len(result.Unplaced),
		"error", err)
	s.schedule(delay, attempt+1)
	return nil
}

// Backoff is the delay before retry number attempt+1
func (s *Scheduler) Backoff(attempt int) time.Duration {
	return s.config.InitialBackoff * time.Duration(1<<uint(attempt))
}

func (s *Scheduler) schedule(delay time.Duration, attempt int) {
	s.deferrer.PerformIn(jobName, delay, func(ctx context.Context) error {
		return s.Execute(ctx, s.settings.Current(ctx), attempt)
	})
}
