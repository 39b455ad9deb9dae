// Package evaluate drains a worker's attack queue against a live defense
// container. Each popped attack becomes (or resumes) an evaluation run whose
// files are classified in creation order; every per-file outcome is recorded,
// and only infrastructure failures abort the drain.
package evaluate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/blobstore"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
	"github.com/m4x1m03/mlsec-comp-platform/internal/metrics"
	"github.com/m4x1m03/mlsec-comp-platform/internal/registry"
	"github.com/m4x1m03/mlsec-comp-platform/internal/repositories"
)

// popTimeout is the blocking-pop window. It is the loop's only idle wait and
// bounds how long shutdown takes to be noticed.
const popTimeout = time.Second

// drainTimeout bounds the final drain after the queue closes, so shutdown
// cannot hang on a slow defense.
const drainTimeout = 60 * time.Second

// Params collects the dependencies of one drain loop. The loop is bound to a
// single worker and its defense for the lifetime of the job.
type Params struct {
	WorkerID    string
	DefenseID   uuid.UUID
	Target      string
	Registry    *registry.Registry
	Submissions repositories.SubmissionRepository
	Evaluations repositories.EvaluationRepository
	Blobs       blobstore.Store
	Poster      Poster
	Metrics     *metrics.Metrics // optional
	Log         *zap.Logger

	// IdleExit closes the queue and ends the loop after this much time
	// without work. Zero keeps the worker draining until cancelled.
	IdleExit time.Duration
}

// Loop drains one worker queue. Not safe for concurrent use; a worker runs
// exactly one loop.
type Loop struct {
	workerID  string
	defenseID uuid.UUID
	target    string
	reg       *registry.Registry
	subs      repositories.SubmissionRepository
	evals     repositories.EvaluationRepository
	blobs     blobstore.Store
	poster    Poster
	metrics   *metrics.Metrics
	log       *zap.Logger
	idleExit  time.Duration

	// runCache remembers which run an in-flight attack belongs to so a
	// duplicate push does not create a second run. Entries drop out when
	// the run reaches a terminal state; rebuilding after a crash is free.
	runCache map[uuid.UUID]uuid.UUID
}

func NewLoop(p Params) *Loop {
	return &Loop{
		workerID:  p.WorkerID,
		defenseID: p.DefenseID,
		target:    p.Target,
		reg:       p.Registry,
		subs:      p.Submissions,
		evals:     p.Evaluations,
		blobs:     p.Blobs,
		poster:    p.Poster,
		metrics:   p.Metrics,
		log:       p.Log,
		idleExit:  p.IdleExit,
		runCache:  make(map[uuid.UUID]uuid.UUID),
	}
}

// Run drains the queue until the context is cancelled or the idle limit
// passes. Both exits close the queue first and then finish whatever is
// already queued, so an accepted attack is never silently dropped.
func (l *Loop) Run(ctx context.Context) error {
	lastWork := time.Now()
	for {
		if ctx.Err() != nil {
			l.log.Info("shutdown requested, draining queue")
			return l.drainClosedQueue()
		}

		attackID, ok, err := l.reg.PopAttack(ctx, l.workerID, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info("shutdown requested, draining queue")
				return l.drainClosedQueue()
			}
			return err
		}
		if !ok {
			l.heartbeat(ctx)
			if l.idleExit > 0 && time.Since(lastWork) >= l.idleExit {
				l.log.Info("idle limit reached, draining queue",
					zap.Duration("idle_exit", l.idleExit))
				return l.drainClosedQueue()
			}
			continue
		}

		lastWork = time.Now()
		if err := l.evaluateAttack(ctx, attackID); err != nil {
			return err
		}
		l.heartbeat(ctx)
	}
}

// drainClosedQueue closes the queue against new pushes and evaluates what is
// already inside. It runs on a fresh context because the loop context is
// typically already cancelled here.
func (l *Loop) drainClosedQueue() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := l.reg.CloseQueue(ctx, l.workerID); err != nil {
		l.log.Warn("close queue", zap.Error(err))
	}
	for {
		attackID, ok, err := l.reg.PopAttack(ctx, l.workerID, popTimeout)
		if err != nil || !ok {
			return nil
		}
		if err := l.evaluateAttack(ctx, attackID); err != nil {
			return err
		}
		l.heartbeat(ctx)
	}
}

// evaluateAttack runs one popped attack to completion: ensure a run exists,
// classify each file in creation order, mark the run done. On an
// infrastructure error the run is failed so a later dispatch retries it.
func (l *Loop) evaluateAttack(ctx context.Context, rawID string) error {
	attackID, err := uuid.Parse(rawID)
	if err != nil {
		l.log.Error("dropping malformed attack id from queue", zap.String("attack_id", rawID))
		return nil
	}

	runID, evaluate, err := l.ensureRun(ctx, attackID)
	if err != nil {
		return err
	}
	if !evaluate {
		l.log.Info("attack already evaluated, skipping", zap.String("attack_id", rawID))
		return nil
	}

	files, err := l.subs.ListFilesByAttack(ctx, attackID)
	if err != nil {
		l.failRun(ctx, runID)
		return err
	}

	l.log.Info("evaluating attack",
		zap.String("attack_id", rawID),
		zap.Int("files", len(files)))

	for i := range files {
		if err := l.evaluateFile(ctx, runID, &files[i]); err != nil {
			l.failRun(ctx, runID)
			return err
		}
	}

	if err := l.evals.SetRunStatus(ctx, runID, db.StatusDone); err != nil {
		return err
	}
	delete(l.runCache, attackID)
	return nil
}

// ensureRun finds or creates the run this attack should record into. The
// second return is false when the pair already has a completed run, meaning
// the pop was a duplicate and there is nothing to do.
func (l *Loop) ensureRun(ctx context.Context, attackID uuid.UUID) (uuid.UUID, bool, error) {
	if runID, ok := l.runCache[attackID]; ok {
		return runID, true, nil
	}

	run, err := l.evals.LatestRun(ctx, l.defenseID, attackID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		run = &db.EvaluationRun{
			DefenseSubmissionID: l.defenseID,
			AttackSubmissionID:  attackID,
			Status:              db.StatusRunning,
		}
		if err := l.evals.CreateRun(ctx, run); err != nil {
			return uuid.Nil, false, err
		}
	case err != nil:
		return uuid.Nil, false, err
	default:
		switch run.Status {
		case db.StatusDone:
			return uuid.Nil, false, nil
		case db.StatusFailed:
			run = &db.EvaluationRun{
				DefenseSubmissionID: l.defenseID,
				AttackSubmissionID:  attackID,
				Status:              db.StatusRunning,
			}
			if err := l.evals.CreateRun(ctx, run); err != nil {
				return uuid.Nil, false, err
			}
		case db.StatusQueued:
			if err := l.evals.SetRunStatus(ctx, run.ID, db.StatusRunning); err != nil {
				return uuid.Nil, false, err
			}
		case db.StatusRunning:
			// A crashed worker left it running; adopt it. Re-evaluated
			// files upsert over the dead worker's rows, so the run still
			// ends with one result per file.
		}
	}

	l.runCache[attackID] = run.ID
	return run.ID, true, nil
}

func (l *Loop) evaluateFile(ctx context.Context, runID uuid.UUID, file *db.AttackFile) error {
	output, errMsg, elapsed := l.classify(ctx, file)
	l.metrics.FileEvaluated(outcomeClass(errMsg), elapsed)

	if errMsg != "" {
		l.log.Warn("file evaluation error",
			zap.String("file", file.Filename),
			zap.String("error", errMsg))
	}
	return l.evals.CreateResult(ctx, &db.EvaluationResult{
		EvaluationRunID: runID,
		AttackFileID:    file.ID,
		ModelOutput:     output,
		Error:           errMsg,
		DurationMs:      elapsed.Milliseconds(),
	})
}

func (l *Loop) failRun(ctx context.Context, runID uuid.UUID) {
	if err := l.evals.SetRunStatus(ctx, runID, db.StatusFailed); err != nil {
		l.log.Warn("fail run", zap.String("run_id", runID.String()), zap.Error(err))
	}
}

func (l *Loop) heartbeat(ctx context.Context) {
	if err := l.reg.Heartbeat(ctx, l.workerID); err != nil {
		l.log.Warn("heartbeat", zap.Error(err))
	}
}
