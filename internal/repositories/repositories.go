package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)

	// SetStatus moves a job along the queued -> running -> done|failed
	// lifecycle. The update is conditional on the job being in the one
	// state the target is reachable from, so a redelivered envelope or a
	// racing worker cannot revive a terminal job; such attempts return
	// ErrInvalidTransition. errMsg is persisted alongside the status and
	// should be "" except when failing.
	SetStatus(ctx context.Context, id uuid.UUID, status, errMsg string) error

	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)

	// ListRunningOlderThan returns running jobs whose last update precedes
	// t, i.e. jobs whose worker has most likely died mid-flight.
	ListRunningOlderThan(ctx context.Context, t time.Time) ([]db.Job, error)
}

// -----------------------------------------------------------------------------
// SubmissionRepository
// -----------------------------------------------------------------------------

type SubmissionRepository interface {
	Create(ctx context.Context, submission *db.Submission) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Submission, error)

	// SetStatus updates the ingest status of a submission.
	SetStatus(ctx context.Context, id uuid.UUID, status string) error

	// SetFunctional records the outcome of a defense functional validation:
	// it moves IsFunctional off "unknown" and settles Status to "ready" on
	// success, or to "failed" with the validation error on failure.
	SetFunctional(ctx context.Context, id uuid.UUID, functional bool, errMsg string) error

	// ListValidatedDefenses returns the defenses eligible for evaluation:
	// status "ready", functional validation passed, not deleted. Ordered by
	// creation time ascending.
	ListValidatedDefenses(ctx context.Context) ([]db.Submission, error)

	// DefenseSource
	CreateSource(ctx context.Context, source *db.DefenseSource) error
	GetSourceByDefense(ctx context.Context, defenseID uuid.UUID) (*db.DefenseSource, error)

	// AttackFile
	BulkCreateFiles(ctx context.Context, files []db.AttackFile) error
	ListFilesByAttack(ctx context.Context, attackID uuid.UUID) ([]db.AttackFile, error)
	CountFilesByAttack(ctx context.Context, attackID uuid.UUID) (int64, error)
}

// -----------------------------------------------------------------------------
// EvaluationRepository
// -----------------------------------------------------------------------------

type EvaluationRepository interface {
	CreateRun(ctx context.Context, run *db.EvaluationRun) error

	// LatestRun returns the most recent run for a (defense, attack) pair,
	// or ErrNotFound when the pair has never been evaluated.
	LatestRun(ctx context.Context, defenseID, attackID uuid.UUID) (*db.EvaluationRun, error)

	// HasBlockingRun reports whether a run exists for the pair in a state
	// that forbids dispatching it again: queued, running or done. Only a
	// failed run, or no run at all, leaves the pair dispatchable.
	HasBlockingRun(ctx context.Context, defenseID, attackID uuid.UUID) (bool, error)

	// SetRunStatus moves a run along queued -> running -> done|failed with
	// the same conditional-update semantics as JobRepository.SetStatus.
	SetRunStatus(ctx context.Context, id uuid.UUID, status string) error

	// ListUnevaluatedAttacks returns the ready attack submissions that have
	// no queued, running or done run against the given defense, in creation
	// order. Attacks whose only runs failed are included, so they are
	// picked up again by the next backfill.
	ListUnevaluatedAttacks(ctx context.Context, defenseID uuid.UUID) ([]db.Submission, error)

	// EvaluationResult
	CreateResult(ctx context.Context, result *db.EvaluationResult) error
	ListResultsByRun(ctx context.Context, runID uuid.UUID) ([]db.EvaluationResult, error)
}
