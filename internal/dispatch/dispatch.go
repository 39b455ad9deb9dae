// Package dispatch fans a validated attack out to every validated defense.
// For each (defense, attack) pair it either pushes the attack onto a live
// worker's queue or spawns a fresh defense job to host the evaluation.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/broker"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
	"github.com/m4x1m03/mlsec-comp-platform/internal/metrics"
	"github.com/m4x1m03/mlsec-comp-platform/internal/registry"
	"github.com/m4x1m03/mlsec-comp-platform/internal/repositories"
	"github.com/m4x1m03/mlsec-comp-platform/internal/validate"
)

// Publisher is the broker side the dispatcher needs: enqueueing defense
// envelopes for the jobs it spawns.
type Publisher interface {
	Publish(ctx context.Context, env broker.Envelope) error
}

// Params collects the dispatcher's dependencies.
type Params struct {
	Jobs        repositories.JobRepository
	Submissions repositories.SubmissionRepository
	Evaluations repositories.EvaluationRepository
	Registry    *registry.Registry
	Publisher   Publisher
	Validator   validate.AttackValidator
	Metrics     *metrics.Metrics // optional
	Log         *zap.Logger
}

// Dispatcher handles run_attack_job envelopes.
type Dispatcher struct {
	jobs      repositories.JobRepository
	subs      repositories.SubmissionRepository
	evals     repositories.EvaluationRepository
	reg       *registry.Registry
	pub       Publisher
	validator validate.AttackValidator
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func New(p Params) *Dispatcher {
	return &Dispatcher{
		jobs:      p.Jobs,
		subs:      p.Submissions,
		evals:     p.Evaluations,
		reg:       p.Registry,
		pub:       p.Publisher,
		validator: p.Validator,
		metrics:   p.Metrics,
		log:       p.Log,
	}
}

// Handle processes one attack-job envelope, gated on the job row the same
// way the defense executor is: only the delivery that wins the transition
// to running does any work.
func (d *Dispatcher) Handle(ctx context.Context, env broker.Envelope) error {
	jobID, err := uuid.Parse(env.JobID)
	if err != nil {
		d.log.Error("dropping envelope with malformed job id", zap.String("job_id", env.JobID))
		return nil
	}

	if err := d.jobs.SetStatus(ctx, jobID, db.StatusRunning, ""); err != nil {
		switch {
		case errors.Is(err, repositories.ErrInvalidTransition):
			d.log.Info("job not queued, skipping redelivery", zap.String("job_id", env.JobID))
			return nil
		case errors.Is(err, repositories.ErrNotFound):
			d.log.Error("dropping envelope for unknown job", zap.String("job_id", env.JobID))
			return nil
		default:
			return err
		}
	}
	d.metrics.JobStarted(db.JobKindAttack)

	if err := d.run(ctx, jobID, env); err != nil {
		d.settleJob(jobID, db.StatusFailed, err.Error())
		d.metrics.JobCompleted(db.JobKindAttack, db.StatusFailed)
		return err
	}
	d.settleJob(jobID, db.StatusDone, "")
	d.metrics.JobCompleted(db.JobKindAttack, db.StatusDone)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, jobID uuid.UUID, env broker.Envelope) error {
	attackID, err := uuid.Parse(env.AttackSubmissionID)
	if err != nil {
		return fmt.Errorf("invalid attack submission id %q", env.AttackSubmissionID)
	}
	attack, err := d.subs.GetByID(ctx, attackID)
	if err != nil {
		return fmt.Errorf("load attack: %w", err)
	}
	if attack.Kind != db.SubmissionKindAttack {
		return fmt.Errorf("submission %s is a %s, not an attack", attackID, attack.Kind)
	}
	log := d.log.With(zap.String("job_id", jobID.String()), zap.String("attack_id", attackID.String()))

	if attack.Status != db.SubmissionStatusReady {
		if err := d.validator.Validate(ctx, attack); err != nil {
			if serr := d.subs.SetStatus(ctx, attackID, db.SubmissionStatusFailed); serr != nil {
				return serr
			}
			return fmt.Errorf("attack validation failed: %w", err)
		}
		if err := d.subs.SetStatus(ctx, attackID, db.SubmissionStatusReady); err != nil {
			return err
		}
		log.Info("attack validated")
	}

	defenses, err := d.subs.ListValidatedDefenses(ctx)
	if err != nil {
		return fmt.Errorf("list validated defenses: %w", err)
	}

	pushed, spawned := 0, 0
	for i := range defenses {
		defenseID := defenses[i].ID
		blocking, err := d.evals.HasBlockingRun(ctx, defenseID, attackID)
		if err != nil {
			return fmt.Errorf("check existing runs: %w", err)
		}
		if blocking {
			continue
		}
		claimed, err := d.reg.ClaimEvaluation(ctx, defenseID.String(), attackID.String(), jobID.String())
		if err != nil {
			return fmt.Errorf("claim evaluation: %w", err)
		}
		if !claimed {
			continue
		}

		didPush, err := d.assign(ctx, defenseID, attackID, log)
		if err != nil {
			// The pair must not stay blocked by a claim nobody acts on.
			if rerr := d.reg.ReleaseClaim(ctx, defenseID.String(), attackID.String()); rerr != nil {
				log.Warn("release claim", zap.Error(rerr))
			}
			return err
		}
		if didPush {
			pushed++
		} else {
			spawned++
		}
	}
	log.Info("attack dispatched",
		zap.Int("defenses", len(defenses)),
		zap.Int("pushed", pushed),
		zap.Int("spawned", spawned))
	return nil
}

// assign hands the pair to a live open worker, or spawns a defense job when
// none will take it. Reports didPush=true for the direct-push path.
//
// After a successful spawn the claim is released on purpose: the new job's
// backfill re-claims the pair under its own id, and holding the old claim
// would starve the pair until the claim TTL.
func (d *Dispatcher) assign(ctx context.Context, defenseID, attackID uuid.UUID, log *zap.Logger) (bool, error) {
	workers, err := d.reg.OpenWorkersFor(ctx, defenseID.String())
	if err != nil {
		return false, fmt.Errorf("find open workers: %w", err)
	}
	for _, workerID := range workers {
		err := d.reg.PushAttack(ctx, workerID, attackID.String())
		if err == nil {
			log.Debug("attack pushed to worker",
				zap.String("defense_id", defenseID.String()),
				zap.String("worker_id", workerID))
			return true, nil
		}
		if errors.Is(err, registry.ErrQueueClosed) {
			// Closed between the snapshot and the push; try the next one.
			continue
		}
		return false, fmt.Errorf("push attack: %w", err)
	}

	if err := d.spawnDefenseJob(ctx, defenseID); err != nil {
		return false, err
	}
	if rerr := d.reg.ReleaseClaim(ctx, defenseID.String(), attackID.String()); rerr != nil {
		log.Warn("release claim after spawn", zap.Error(rerr))
	}
	log.Debug("defense job spawned", zap.String("defense_id", defenseID.String()))
	return false, nil
}

// spawnDefenseJob creates a queued defense-job row and publishes its
// envelope. The row id is generated up front so the envelope can be stored
// as the job payload.
func (d *Dispatcher) spawnDefenseJob(ctx context.Context, defenseID uuid.UUID) error {
	jobID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	env := broker.Envelope{
		Task:                broker.TaskRunDefenseJob,
		JobID:               jobID.String(),
		DefenseSubmissionID: defenseID.String(),
		Scope:               broker.ScopeUnevaluated,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	job := &db.Job{
		Kind:        db.JobKindDefense,
		Status:      db.StatusQueued,
		Payload:     string(payload),
		RequestedBy: "dispatcher",
	}
	job.ID = jobID
	if err := d.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("create defense job: %w", err)
	}
	if err := d.pub.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish defense job: %w", err)
	}
	return nil
}

func (d *Dispatcher) settleJob(jobID uuid.UUID, status, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.jobs.SetStatus(ctx, jobID, status, errMsg); err != nil {
		d.log.Error("settle job",
			zap.String("job_id", jobID.String()),
			zap.String("status", status),
			zap.Error(err))
	}
}
