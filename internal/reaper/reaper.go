// Package reaper schedules the broker's three periodic background sweeps
// using gocron: grace-period eviction, pending-command deadline timeout, and
// idempotency-cache TTL eviction.
package reaper

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/protocol"
	"github.com/unity-bridge/relay/internal/registry"
)

// intervals at which each sweep job runs.
const (
	graceSweepInterval       = 1 * time.Second
	pendingSweepInterval     = 5 * time.Second
	idempotencySweepInterval = 30 * time.Second
)

// Reaper owns the gocron scheduler running the broker's housekeeping jobs.
type Reaper struct {
	cron   gocron.Scheduler
	reg    *registry.Registry
	logger *zap.Logger
}

// New creates a Reaper bound to reg. Call Start to begin running jobs.
func New(reg *registry.Registry, logger *zap.Logger) (*Reaper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reaper: create scheduler: %w", err)
	}
	return &Reaper{cron: s, reg: reg, logger: logger.Named("reaper")}, nil
}

// Start registers all three sweep jobs and starts the scheduler.
func (r *Reaper) Start() error {
	if _, err := r.cron.NewJob(
		gocron.DurationJob(graceSweepInterval),
		gocron.NewTask(r.sweepGraceExpiry),
		gocron.WithTags("grace-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("reaper: schedule grace sweep: %w", err)
	}

	if _, err := r.cron.NewJob(
		gocron.DurationJob(pendingSweepInterval),
		gocron.NewTask(r.sweepPendingDeadlines),
		gocron.WithTags("pending-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("reaper: schedule pending sweep: %w", err)
	}

	if _, err := r.cron.NewJob(
		gocron.DurationJob(idempotencySweepInterval),
		gocron.NewTask(r.sweepIdempotencyCache),
		gocron.WithTags("idempotency-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("reaper: schedule idempotency sweep: %w", err)
	}

	r.cron.Start()
	r.logger.Info("reaper started")
	return nil
}

// Stop shuts the scheduler down, waiting for any in-flight sweep to finish.
func (r *Reaper) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("reaper: shutdown: %w", err)
	}
	r.logger.Info("reaper stopped")
	return nil
}

// sweepGraceExpiry evicts instances whose post-disconnect grace window has
// expired.
func (r *Reaper) sweepGraceExpiry() {
	r.reg.SweepGraceExpiry()
}

// sweepPendingDeadlines resolves any dispatched command whose deadline has
// passed without a COMMAND_RESULT. This is the backstop for the case where
// dispatchNow's own timer and this sweep race; whichever observes the
// expired deadline first wins, since TakePending is delete-on-read.
func (r *Reaper) sweepPendingDeadlines() {
	now := time.Now()
	for _, inst := range r.reg.List() {
		for _, pending := range inst.PendingSnapshot() {
			if now.Before(pending.Deadline) {
				continue
			}
			if taken, ok := inst.TakePending(pending.RequestID); ok {
				taken.ResultCh <- registry.Result{
					Success: false,
					Error:   protocol.NewError(protocol.ErrTimeout, "command deadline swept by reaper"),
				}
			}
		}
	}
}

// sweepIdempotencyCache evicts expired entries from the global request
// idempotency cache.
func (r *Reaper) sweepIdempotencyCache() {
	evicted := r.reg.Cache.EvictExpired()
	if evicted > 0 {
		r.logger.Debug("evicted expired idempotency entries", zap.Int("count", evicted))
	}
}
