// Package executor runs defense jobs end to end: it registers a worker,
// backfills the worker's queue with claimable attacks, obtains the defense
// image, launches it in the sandbox, validates it on first contact, drains
// the queue, and tears everything down whatever the outcome.
package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/blobstore"
	"github.com/m4x1m03/mlsec-comp-platform/internal/broker"
	"github.com/m4x1m03/mlsec-comp-platform/internal/config"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
	"github.com/m4x1m03/mlsec-comp-platform/internal/evaluate"
	"github.com/m4x1m03/mlsec-comp-platform/internal/gateway"
	"github.com/m4x1m03/mlsec-comp-platform/internal/hostinfo"
	"github.com/m4x1m03/mlsec-comp-platform/internal/metrics"
	"github.com/m4x1m03/mlsec-comp-platform/internal/registry"
	"github.com/m4x1m03/mlsec-comp-platform/internal/repositories"
	"github.com/m4x1m03/mlsec-comp-platform/internal/sandbox"
	"github.com/m4x1m03/mlsec-comp-platform/internal/source"
	"github.com/m4x1m03/mlsec-comp-platform/internal/validate"
)

// teardownTimeout bounds the deferred cleanup. It runs on a fresh context
// because the job context is usually cancelled by the time teardown fires.
const teardownTimeout = 30 * time.Second

// Resolver turns a defense source into a local image reference.
type Resolver interface {
	Resolve(ctx context.Context, src *db.DefenseSource, jobID string) (string, error)
}

// Sandboxer launches and destroys defense sandboxes.
type Sandboxer interface {
	Launch(ctx context.Context, jobID, imageRef string) (*sandbox.Sandbox, error)
	Teardown(ctx context.Context, sb *sandbox.Sandbox)
}

// Validator runs the functional validation against a live defense.
type Validator interface {
	Check(ctx context.Context, imageRef, target string) error
}

// Gateway is the worker's client side of the egress gateway.
type Gateway interface {
	Ready(ctx context.Context, targetURL string, timeout time.Duration) error
	Post(ctx context.Context, targetURL, contentType string, body []byte) (*gateway.Response, error)
}

// Params collects the executor's dependencies.
type Params struct {
	Jobs        repositories.JobRepository
	Submissions repositories.SubmissionRepository
	Evaluations repositories.EvaluationRepository
	Registry    *registry.Registry
	Resolver    Resolver
	Sandbox     Sandboxer
	Validator   Validator
	Gateway     Gateway
	Blobs       blobstore.Store
	Metrics     *metrics.Metrics // optional
	Cfg         *config.Config
	Log         *zap.Logger
}

// Executor handles run_defense_job envelopes.
type Executor struct {
	jobs      repositories.JobRepository
	subs      repositories.SubmissionRepository
	evals     repositories.EvaluationRepository
	reg       *registry.Registry
	resolver  Resolver
	sandboxer Sandboxer
	validator Validator
	gw        Gateway
	blobs     blobstore.Store
	metrics   *metrics.Metrics
	cfg       *config.Config
	log       *zap.Logger
}

func New(p Params) *Executor {
	return &Executor{
		jobs:      p.Jobs,
		subs:      p.Submissions,
		evals:     p.Evaluations,
		reg:       p.Registry,
		resolver:  p.Resolver,
		sandboxer: p.Sandbox,
		validator: p.Validator,
		gw:        p.Gateway,
		blobs:     p.Blobs,
		metrics:   p.Metrics,
		cfg:       p.Cfg,
		log:       p.Log,
	}
}

// Handle processes one defense-job envelope. The job row is the idempotence
// gate: only the delivery that wins the queued -> running transition does
// any work, so redeliveries and racing consumers fall out here.
func (e *Executor) Handle(ctx context.Context, env broker.Envelope) (err error) {
	jobID, perr := uuid.Parse(env.JobID)
	if perr != nil {
		e.log.Error("dropping envelope with malformed job id", zap.String("job_id", env.JobID))
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("defense job panicked: %v", r)
			e.log.Error("defense job panicked", zap.String("job_id", env.JobID), zap.Any("panic", r))
			e.settleJob(jobID, db.StatusFailed, err.Error())
			e.metrics.JobCompleted(db.JobKindDefense, db.StatusFailed)
		}
	}()

	if err := e.jobs.SetStatus(ctx, jobID, db.StatusRunning, ""); err != nil {
		switch {
		case errors.Is(err, repositories.ErrInvalidTransition):
			e.log.Info("job not queued, skipping redelivery", zap.String("job_id", env.JobID))
			return nil
		case errors.Is(err, repositories.ErrNotFound):
			e.log.Error("dropping envelope for unknown job", zap.String("job_id", env.JobID))
			return nil
		default:
			return err
		}
	}
	e.metrics.JobStarted(db.JobKindDefense)

	if err := e.run(ctx, jobID, env); err != nil {
		e.settleJob(jobID, db.StatusFailed, err.Error())
		e.metrics.JobCompleted(db.JobKindDefense, db.StatusFailed)
		return err
	}
	e.settleJob(jobID, db.StatusDone, "")
	e.metrics.JobCompleted(db.JobKindDefense, db.StatusDone)
	return nil
}

// run is the phase ladder. Any error fails the job; the deferred block
// unregisters the worker and tears down whatever sandbox pieces exist.
func (e *Executor) run(ctx context.Context, jobID uuid.UUID, env broker.Envelope) error {
	defenseID, err := uuid.Parse(env.DefenseSubmissionID)
	if err != nil {
		return fmt.Errorf("invalid defense submission id %q", env.DefenseSubmissionID)
	}
	defense, err := e.subs.GetByID(ctx, defenseID)
	if err != nil {
		return fmt.Errorf("load defense: %w", err)
	}
	if defense.IsFunctional == db.FunctionalFalse {
		return fmt.Errorf("defense %s already failed functional validation: %s", defenseID, defense.FunctionalError)
	}
	src, err := e.subs.GetSourceByDefense(ctx, defenseID)
	if err != nil {
		return fmt.Errorf("load defense source: %w", err)
	}

	// Register the worker.
	workerID := newWorkerID(jobID)
	host := hostinfo.Collect(ctx)
	if err := e.reg.Register(ctx, registry.WorkerMeta{
		WorkerID:            workerID,
		DefenseSubmissionID: defenseID.String(),
		JobID:               jobID.String(),
		Hostname:            host.Hostname,
		CPUCount:            host.CPUCount,
		MemTotalMB:          host.MemTotalMB,
	}); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	log := e.log.With(zap.String("job_id", jobID.String()), zap.String("worker_id", workerID))

	// Image pulls and builds can outlast the registry's stale threshold,
	// so keep the heartbeat fresh in the background.
	hbCtx, hbCancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		e.keepAlive(hbCtx, workerID)
	}()

	var sb *sandbox.Sandbox
	defer func() {
		hbCancel()
		<-hbDone
		tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		e.releaseQueuedClaims(tctx, workerID, defenseID, log)
		if err := e.reg.Unregister(tctx, workerID); err != nil {
			log.Warn("unregister worker", zap.Error(err))
		}
		e.sandboxer.Teardown(tctx, sb)
	}()

	// Backfill the queue with every attack this job can claim.
	if err := e.backfill(ctx, workerID, jobID, defenseID, env.Scope, log); err != nil {
		return err
	}

	imageRef, err := e.resolver.Resolve(ctx, src, jobID.String())
	if err != nil {
		if errors.Is(err, source.ErrBadSource) {
			if serr := e.subs.SetFunctional(ctx, defenseID, false, err.Error()); serr != nil {
				return serr
			}
		}
		return fmt.Errorf("obtain image: %w", err)
	}

	sb, err = e.sandboxer.Launch(ctx, jobID.String(), imageRef)
	if err != nil {
		return fmt.Errorf("launch sandbox: %w", err)
	}
	target := sb.TargetURL()

	if err := e.gw.Ready(ctx, target, e.cfg.DefenseJob.ContainerTimeout()); err != nil {
		return fmt.Errorf("container readiness: %w", err)
	}

	if defense.IsFunctional == db.FunctionalUnknown {
		if err := e.validator.Check(ctx, imageRef, target); err != nil {
			var failure *validate.Failure
			if errors.As(err, &failure) {
				if serr := e.subs.SetFunctional(ctx, defenseID, false, failure.Reason); serr != nil {
					return serr
				}
				return fmt.Errorf("functional validation failed: %s", failure.Reason)
			}
			return err
		}
		if err := e.subs.SetFunctional(ctx, defenseID, true, ""); err != nil {
			return err
		}
		log.Info("defense validated")
	}

	idleExit, _ := e.cfg.Worker.IdleExit()
	loop := evaluate.NewLoop(evaluate.Params{
		WorkerID:    workerID,
		DefenseID:   defenseID,
		Target:      target,
		Registry:    e.reg,
		Submissions: e.subs,
		Evaluations: e.evals,
		Blobs:       e.blobs,
		Poster:      e.gw,
		Metrics:     e.metrics,
		Log:         log,
		IdleExit:    idleExit,
	})
	return loop.Run(ctx)
}

// backfill claims and queues the attacks that have no blocking run against
// this defense. Claims lost to a racing job are skipped silently; that job
// owns the pair now.
func (e *Executor) backfill(ctx context.Context, workerID string, jobID, defenseID uuid.UUID, scope string, log *zap.Logger) error {
	switch scope {
	case "", broker.ScopeUnevaluated:
	case broker.ScopeNone:
		log.Info("backfill skipped by scope")
		return nil
	default:
		log.Warn("unknown backfill scope, defaulting to unevaluated", zap.String("scope", scope))
	}

	attacks, err := e.evals.ListUnevaluatedAttacks(ctx, defenseID)
	if err != nil {
		return fmt.Errorf("list unevaluated attacks: %w", err)
	}

	queued := 0
	for i := range attacks {
		attackID := attacks[i].ID
		claimed, err := e.reg.ClaimEvaluation(ctx, defenseID.String(), attackID.String(), jobID.String())
		if err != nil {
			return fmt.Errorf("claim evaluation: %w", err)
		}
		if !claimed {
			continue
		}
		if err := e.reg.PushAttack(ctx, workerID, attackID.String()); err != nil {
			// The claim would otherwise block the pair until its TTL.
			if rerr := e.reg.ReleaseClaim(ctx, defenseID.String(), attackID.String()); rerr != nil {
				log.Warn("release claim", zap.Error(rerr))
			}
			return fmt.Errorf("queue attack: %w", err)
		}
		queued++
	}
	log.Info("backfill complete", zap.Int("attacks", queued))
	return nil
}

// releaseQueuedClaims frees the pairs still sitting in the worker queue.
// A job that dies between backfill and the drain loop (a failed build, say)
// would otherwise leave its claims parked until the claim TTL, with the
// attacks gone along with the queue. After a completed drain the queue is
// empty and this is a no-op.
func (e *Executor) releaseQueuedClaims(ctx context.Context, workerID string, defenseID uuid.UUID, log *zap.Logger) {
	leftover, err := e.reg.DrainQueue(ctx, workerID)
	if err != nil {
		log.Warn("drain queue", zap.Error(err))
		return
	}
	for _, attackID := range leftover {
		if err := e.reg.ReleaseClaim(ctx, defenseID.String(), attackID); err != nil {
			log.Warn("release claim", zap.String("attack_id", attackID), zap.Error(err))
		}
	}
	if len(leftover) > 0 {
		log.Info("released claims of undrained attacks", zap.Int("attacks", len(leftover)))
	}
}

func (e *Executor) keepAlive(ctx context.Context, workerID string) {
	ticker := time.NewTicker(e.cfg.Worker.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.reg.Heartbeat(ctx, workerID); err != nil && ctx.Err() == nil {
				e.log.Warn("heartbeat", zap.String("worker_id", workerID), zap.Error(err))
			}
		}
	}
}

// settleJob records the terminal status on a fresh context so a cancelled
// job context cannot leave the row dangling in running.
func (e *Executor) settleJob(jobID uuid.UUID, status, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.jobs.SetStatus(ctx, jobID, status, errMsg); err != nil {
		e.log.Error("settle job",
			zap.String("job_id", jobID.String()),
			zap.String("status", status),
			zap.Error(err))
	}
}

func newWorkerID(jobID uuid.UUID) string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("worker-%s-%s", jobID, hex.EncodeToString(buf))
}
