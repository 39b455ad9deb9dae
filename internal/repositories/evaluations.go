package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
)

// blockingStatuses are the run states that make a (defense, attack) pair
// ineligible for another dispatch. A failed run does not block: the pair may
// be claimed and evaluated again.
var blockingStatuses = []string{db.StatusQueued, db.StatusRunning, db.StatusDone}

// gormEvaluationRepository is the GORM implementation of EvaluationRepository.
type gormEvaluationRepository struct {
	db *gorm.DB
}

// NewEvaluationRepository returns an EvaluationRepository backed by the
// provided *gorm.DB.
func NewEvaluationRepository(db *gorm.DB) EvaluationRepository {
	return &gormEvaluationRepository{db: db}
}

// CreateRun inserts a new evaluation run record into the database.
func (r *gormEvaluationRepository) CreateRun(ctx context.Context, run *db.EvaluationRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("evaluations: create run: %w", err)
	}
	return nil
}

// LatestRun returns the most recent run for the pair.
// Returns ErrNotFound when the pair has never been evaluated.
func (r *gormEvaluationRepository) LatestRun(ctx context.Context, defenseID, attackID uuid.UUID) (*db.EvaluationRun, error) {
	var run db.EvaluationRun
	err := r.db.WithContext(ctx).
		Where("defense_submission_id = ? AND attack_submission_id = ?", defenseID, attackID).
		Order("created_at DESC, id DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("evaluations: latest run: %w", err)
	}
	return &run, nil
}

// HasBlockingRun reports whether the pair has a queued, running or done run.
func (r *gormEvaluationRepository) HasBlockingRun(ctx context.Context, defenseID, attackID uuid.UUID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.EvaluationRun{}).
		Where("defense_submission_id = ? AND attack_submission_id = ? AND status IN ?",
			defenseID, attackID, blockingStatuses).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("evaluations: has blocking run: %w", err)
	}
	return count > 0, nil
}

// SetRunStatus performs the conditional lifecycle update shared with jobs:
// the WHERE clause pins the predecessor status, keeping terminal runs
// immutable under concurrent writers.
func (r *gormEvaluationRepository) SetRunStatus(ctx context.Context, id uuid.UUID, status string) error {
	from, ok := statusPredecessor[status]
	if !ok {
		return fmt.Errorf("evaluations: set run status: unknown target status %q", status)
	}

	result := r.db.WithContext(ctx).
		Model(&db.EvaluationRun{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("evaluations: set run status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var run db.EvaluationRun
		err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("evaluations: set run status: %w", err)
		}
		return fmt.Errorf("%w: run %s is %s, cannot become %s", ErrInvalidTransition, id, run.Status, status)
	}
	return nil
}

// ListUnevaluatedAttacks returns ready attacks with no blocking run against
// the defense, oldest first. The subquery collects the attack IDs already
// covered by a queued, running or done run; everything else, including
// attacks whose runs all failed, is fair game for a backfill.
func (r *gormEvaluationRepository) ListUnevaluatedAttacks(ctx context.Context, defenseID uuid.UUID) ([]db.Submission, error) {
	covered := r.db.
		Model(&db.EvaluationRun{}).
		Select("attack_submission_id").
		Where("defense_submission_id = ? AND status IN ?", defenseID, blockingStatuses)

	var attacks []db.Submission
	if err := r.db.WithContext(ctx).
		Where("kind = ? AND status = ?", db.SubmissionKindAttack, db.SubmissionStatusReady).
		Where("id NOT IN (?)", covered).
		Order("created_at ASC, id ASC").
		Find(&attacks).Error; err != nil {
		return nil, fmt.Errorf("evaluations: list unevaluated attacks: %w", err)
	}
	return attacks, nil
}

// -----------------------------------------------------------------------------
// EvaluationResult
// -----------------------------------------------------------------------------

// CreateResult records a single per-file result row. Results are written one
// at a time as files are evaluated, so a crash mid-attack loses at most the
// file in flight. The write upserts on (evaluation_run_id, attack_file_id):
// a worker that adopts a run left running by a crashed worker re-evaluates
// every file, and the fresh verdict replaces any row the dead worker managed
// to write, keeping the run at one row per file.
func (r *gormEvaluationRepository) CreateResult(ctx context.Context, result *db.EvaluationResult) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "evaluation_run_id"}, {Name: "attack_file_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"model_output", "error", "duration_ms", "updated_at",
			}),
		}).
		Create(result).Error
	if err != nil {
		return fmt.Errorf("evaluations: create result: %w", err)
	}
	return nil
}

// ListResultsByRun returns all results of a run in the order they were
// written, which matches the file creation order of the attack.
func (r *gormEvaluationRepository) ListResultsByRun(ctx context.Context, runID uuid.UUID) ([]db.EvaluationResult, error) {
	var results []db.EvaluationResult
	if err := r.db.WithContext(ctx).
		Where("evaluation_run_id = ?", runID).
		Order("created_at ASC, id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("evaluations: list results by run: %w", err)
	}
	return results, nil
}
