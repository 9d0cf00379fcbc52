// Package jobs runs coordinator work asynchronously: one-off jobs, delayed jobs and
// periodic jobs, with bounded concurrency, dispatch pacing and retry with backoff.
package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Job is a unit of asynchronous work
type Job func(ctx context.Context) error

// Config contains configuration for the runner
type Config struct {
	// Concurrency limits the number of jobs executing at once
	Concurrency int
	// RatePerSecond paces job starts; zero disables pacing
	RatePerSecond float64
	// MaxAttempts caps executions of a failing job
	MaxAttempts int
	// RetryBaseInterval is the first retry delay; it doubles per attempt
	RetryBaseInterval time.Duration
}

// ConfigFromIndexing maps the indexing section onto runner settings
func ConfigFromIndexing(cfg config.IndexingConfig) Config {
	return Config{
		Concurrency:       cfg.JobConcurrency,
		RatePerSecond:     cfg.JobRatePerSecond,
		MaxAttempts:       cfg.JobMaxAttempts,
		RetryBaseInterval: cfg.JobRetryBaseInterval,
	}
}

// Stats are runner counters
type Stats struct {
	Started   int64
	Succeeded int64
	Failed    int64
	Retried   int64
}

// Runner executes jobs until Stop is called
type Runner struct {
	config  Config
	logger  *logging.Logger
	limiter *rate.Limiter

	semaphore chan struct{}
	group     *errgroup.Group
	ctx       context.Context
	cancel    context.CancelFunc

	started   int64
	succeeded int64
	failed    int64
	retried   int64

	stopOnce sync.Once
}

// NewRunner creates a runner bound to parent; cancelling parent stops it as well
func NewRunner(parent context.Context, cfg Config, logger *logging.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBaseInterval <= 0 {
		cfg.RetryBaseInterval = time.Second
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	ctx, cancel := context.WithCancel(parent)
	group, ctx := errgroup.WithContext(ctx)

	return &Runner{
		config:    cfg,
		logger:    logger,
		limiter:   rate.NewLimiter(limit, cfg.Concurrency),
		semaphore: make(chan struct{}, cfg.Concurrency),
		group:     group,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// PerformAsync runs job as soon as a slot is free
func (r *Runner) PerformAsync(name string, job Job) {
	r.PerformIn(name, 0, job)
}

// PerformIn runs job after delay. A pending job is dropped when the runner stops.
func (r *Runner) PerformIn(name string, delay time.Duration, job Job) {
	r.group.Go(func() error {
		if !sleep(r.ctx, delay) {
			r.logger.Debug("Dropping scheduled job on shutdown", "job", name)
			return nil
		}
		r.execute(name, job)
		return nil
	})
}

// Every runs job every interval until the runner stops. Runs never overlap.
func (r *Runner) Every(name string, interval time.Duration, job Job) {
	r.group.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				return nil
			case <-ticker.C:
				r.execute(name, job)
			}
		}
	})
}

// execute runs job with retries. Permanent errors are not retried.
func (r *Runner) execute(name string, job Job) {
	backoff := r.config.RetryBaseInterval

	for attempt := 1; ; attempt++ {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}

		select {
		case r.semaphore <- struct{}{}:
		case <-r.ctx.Done():
			return
		}

		atomic.AddInt64(&r.started, 1)
		start := time.Now()
		err := r.runOnce(job)
		<-r.semaphore

		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.JobDuration.WithLabelValues(name, result).Observe(time.Since(start).Seconds())

		if err == nil {
			atomic.AddInt64(&r.succeeded, 1)
			return
		}

		if errs.IsPermanent(err) || errors.Is(err, context.Canceled) || attempt >= r.config.MaxAttempts {
			atomic.AddInt64(&r.failed, 1)
			r.logger.Error("Job failed", "job", name, "attempt", attempt, "error", err)
			return
		}

		atomic.AddInt64(&r.retried, 1)
		r.logger.Warn("Job failed, retrying", "job", name, "attempt", attempt, "backoff", backoff, "error", err)
		if !sleep(r.ctx, backoff) {
			return
		}
		backoff *= 2
	}
}

func (r *Runner) runOnce(job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Job panicked", "panic", p)
			err = errs.Permanent(errors.New("job panicked"))
		}
	}()
	return job(r.ctx)
}

// Stop cancels pending and periodic jobs and waits for running ones to return
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		_ = r.group.Wait()
		r.logger.Info("Job runner stopped",
			"succeeded", atomic.LoadInt64(&r.succeeded),
			"failed", atomic.LoadInt64(&r.failed))
	})
}

// Stats returns a snapshot of the runner counters
func (r *Runner) Stats() Stats {
	return Stats{
		Started:   atomic.LoadInt64(&r.started),
		Succeeded: atomic.LoadInt64(&r.succeeded),
		Failed:    atomic.LoadInt64(&r.failed),
		Retried:   atomic.LoadInt64(&r.retried),
	}
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
