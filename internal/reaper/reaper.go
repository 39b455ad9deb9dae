// Package reaper sweeps up after dead workers: registry entries whose
// heartbeat went stale and job rows stuck in running with nobody driving
// them. Claim keys are left to their own TTL.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/config"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
	"github.com/m4x1m03/mlsec-comp-platform/internal/registry"
	"github.com/m4x1m03/mlsec-comp-platform/internal/repositories"
)

// sweepTimeout bounds a single pass over registry and database.
const sweepTimeout = time.Minute

// Reaper wraps gocron and runs the periodic sweep. Sweeps run in singleton
// mode: a pass that overruns the interval is not stacked on top of itself.
type Reaper struct {
	cron gocron.Scheduler
	reg  *registry.Registry
	jobs repositories.JobRepository
	cfg  config.Reaper
	log  *zap.Logger
}

// New creates a Reaper. Call Start to begin sweeping.
func New(reg *registry.Registry, jobs repositories.JobRepository, cfg config.Reaper, logger *zap.Logger) (*Reaper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reaper: create scheduler: %w", err)
	}
	return &Reaper{
		cron: s,
		reg:  reg,
		jobs: jobs,
		cfg:  cfg,
		log:  logger.Named("reaper"),
	}, nil
}

// Start schedules the sweep and starts the underlying scheduler.
func (r *Reaper) Start() error {
	_, err := r.cron.NewJob(
		gocron.DurationJob(r.cfg.Interval()),
		gocron.NewTask(r.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("reaper: schedule sweep: %w", err)
	}
	r.cron.Start()
	r.log.Info("reaper started",
		zap.Duration("interval", r.cfg.Interval()),
		zap.Duration("worker_stale_after", r.cfg.StaleAfter()),
		zap.Duration("job_stale_after", r.cfg.JobStaleAfter()))
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (r *Reaper) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("reaper: shutdown: %w", err)
	}
	r.log.Info("reaper stopped")
	return nil
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	r.reapWorkers(ctx)
	r.reapJobs(ctx)
}

// reapWorkers unregisters workers that stopped heartbeating. Unregister
// deletes the queue too; attacks still in it are re-dispatched by a later
// backfill once the claim TTL frees the pairs.
func (r *Reaper) reapWorkers(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.StaleAfter())
	stale, err := r.reg.StaleWorkers(ctx, cutoff)
	if err != nil {
		r.log.Error("list stale workers", zap.Error(err))
		return
	}
	for _, workerID := range stale {
		if err := r.reg.Unregister(ctx, workerID); err != nil {
			r.log.Error("unregister stale worker", zap.String("worker_id", workerID), zap.Error(err))
			continue
		}
		r.log.Warn("stale worker reaped", zap.String("worker_id", workerID))
	}
}

// reapJobs fails running jobs whose row has not been touched for longer
// than the job-stale threshold. The row only changes at the queued->running
// transition and at settle, so a long evaluation looks stale by updated_at
// alone; jobs whose worker still heartbeats the registry are skipped.
func (r *Reaper) reapJobs(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.JobStaleAfter())
	abandoned, err := r.jobs.ListRunningOlderThan(ctx, cutoff)
	if err != nil {
		r.log.Error("list abandoned jobs", zap.Error(err))
		return
	}
	if len(abandoned) == 0 {
		return
	}

	alive, err := r.liveJobIDs(ctx)
	if err != nil {
		r.log.Error("list live workers", zap.Error(err))
		return
	}

	for i := range abandoned {
		job := &abandoned[i]
		if alive[job.ID.String()] {
			r.log.Debug("running job has a live worker, skipping",
				zap.String("job_id", job.ID.String()))
			continue
		}
		if err := r.jobs.SetStatus(ctx, job.ID, db.StatusFailed, "abandoned: worker stopped reporting"); err != nil {
			r.log.Error("fail abandoned job", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		r.log.Warn("abandoned job failed",
			zap.String("job_id", job.ID.String()),
			zap.String("kind", job.Kind))
	}
}

// liveJobIDs collects the job IDs owned by workers with a fresh heartbeat,
// judged by the same threshold reapWorkers uses.
func (r *Reaper) liveJobIDs(ctx context.Context) (map[string]bool, error) {
	infos, err := r.reg.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-r.cfg.StaleAfter())
	alive := make(map[string]bool, len(infos))
	for i := range infos {
		if infos[i].Heartbeat.Before(cutoff) {
			continue
		}
		alive[infos[i].JobID] = true
	}
	return alive, nil
}
