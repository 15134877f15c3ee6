// Package scheduler triggers the daily report fan-out: one pass per UTC
// day at the configured time, a bounded worker pool over enrolled users,
// and per-user retries with exponential backoff.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
	"github.com/moniteurlabs/moniteur/pkg/store"
)

// generator produces one user's report for a date.
type generator interface {
	Generate(ctx context.Context, user ln.UserProfile, reportDate string) (*ln.DailyReport, error)
}

// Scheduler owns the daily trigger. A missed fire (process down at the
// configured time) is not backfilled; the next day's fire covers it.
type Scheduler struct {
	store   store.Store
	gen     generator
	metrics *metrics.Metrics
	log     *slog.Logger
	cfg     config.SchedulerConfig

	maxAttemptsPerDay int

	now func() time.Time
	wg  sync.WaitGroup
}

// New wires the scheduler.
func New(s store.Store, gen generator, m *metrics.Metrics, log *slog.Logger, cfg config.SchedulerConfig, maxAttemptsPerDay int) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:             s,
		gen:               gen,
		metrics:           m,
		log:               log,
		cfg:               cfg,
		maxAttemptsPerDay: maxAttemptsPerDay,
		now:               time.Now,
	}
}

// NextFire returns the next configured fire time strictly after now, in UTC.
func NextFire(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	fire := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !fire.After(now) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire
}

// Run blocks, firing one pass per day until ctx is canceled, then waits up
// to the graceful timeout for in-flight reports.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		"fire_utc", time.Date(0, 1, 1, s.cfg.Hour, s.cfg.Minute, 0, 0, time.UTC).Format("15:04"),
		"max_concurrent", s.cfg.MaxConcurrent)
	for {
		fire := NextFire(s.now(), s.cfg.Hour, s.cfg.Minute)
		timer := time.NewTimer(fire.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.drain()
		case <-timer.C:
			s.RunPass(ctx, ln.ReportDate(fire))
		}
	}
}

// drain waits for in-flight work up to the graceful timeout.
func (s *Scheduler) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timeout := s.cfg.GracefulTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	select {
	case <-done:
		s.log.Info("scheduler drained")
		return nil
	case <-time.After(timeout):
		s.log.Warn("scheduler shutdown timed out with reports in flight")
		return context.DeadlineExceeded
	}
}

// RunPass fans one day's reports out over the enrolled users, at most
// MaxConcurrent at a time, and purges expired reports afterwards.
func (s *Scheduler) RunPass(ctx context.Context, reportDate string) {
	users, err := s.store.ListEnrolledUsers(ctx)
	if err != nil {
		s.log.Error("scheduler pass aborted, user listing failed", "error", err)
		s.countRun("failed")
		return
	}
	s.log.Info("scheduler pass started", "date", reportDate, "users", len(users))

	sem := semaphore.NewWeighted(int64(s.cfg.MaxConcurrent))
	for _, user := range users {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		s.wg.Add(1)
		go func(u ln.UserProfile) {
			defer s.wg.Done()
			defer sem.Release(1)
			s.generateWithRetry(ctx, u, reportDate)
		}(user)
	}
	// Wait for this pass before purging so the day is complete.
	s.wg.Wait()

	cutoff := ln.ReportDate(s.now().Add(-store.ReportTTL))
	if purged, err := s.store.PurgeExpiredReports(ctx, cutoff); err != nil {
		s.log.Warn("report purge failed", "error", err)
	} else if purged > 0 {
		s.log.Info("expired reports purged", "count", purged, "older_than", cutoff)
	}
	s.countRun("succeeded")
}

// generateWithRetry drives one user's report to success or exhaustion.
// Permanent faults stop immediately; the per-day attempt cap holds across
// scheduler restarts because the count is persisted on the report row.
func (s *Scheduler) generateWithRetry(ctx context.Context, user ln.UserProfile, reportDate string) {
	for attempt := 1; ; attempt++ {
		if existing, err := s.store.GetReport(ctx, user.UserID, reportDate); err == nil {
			if existing.GenerationStatus == ln.ReportSucceeded {
				return
			}
			if existing.AttemptCount >= s.maxAttemptsPerDay {
				s.log.Warn("report attempts exhausted for the day",
					"user", user.UserID, "date", reportDate, "attempts", existing.AttemptCount)
				return
			}
		}

		_, err := s.gen.Generate(ctx, user, reportDate)
		if err == nil {
			return
		}
		if faults.KindOf(err) == faults.KindPermanent || faults.KindOf(err) == faults.KindInvalid {
			s.log.Error("report generation failed permanently",
				"user", user.UserID, "date", reportDate, "error", err)
			return
		}
		if attempt >= s.cfg.MaxRetries {
			s.log.Error("report generation retries exhausted",
				"user", user.UserID, "date", reportDate, "attempts", attempt, "error", err)
			return
		}

		backoff := s.cfg.RetryBackoff << (attempt - 1)
		s.log.Warn("report generation failed, retrying",
			"user", user.UserID, "date", reportDate, "attempt", attempt,
			"backoff", backoff.String(), "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (s *Scheduler) countRun(outcome string) {
	if s.metrics != nil {
		s.metrics.SchedulerRuns.WithLabelValues(outcome).Inc()
	}
}
