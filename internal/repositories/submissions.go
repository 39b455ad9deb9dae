package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
)

// gormSubmissionRepository is the GORM implementation of SubmissionRepository.
type gormSubmissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository returns a SubmissionRepository backed by the
// provided *gorm.DB.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &gormSubmissionRepository{db: db}
}

// Create inserts a new submission record into the database.
func (r *gormSubmissionRepository) Create(ctx context.Context, submission *db.Submission) error {
	if err := r.db.WithContext(ctx).Create(submission).Error; err != nil {
		return fmt.Errorf("submissions: create: %w", err)
	}
	return nil
}

// GetByID retrieves a submission by its UUID.
// Returns ErrNotFound if no record exists or it has been soft-deleted.
func (r *gormSubmissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Submission, error) {
	var submission db.Submission
	err := r.db.WithContext(ctx).First(&submission, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("submissions: get by id: %w", err)
	}
	return &submission, nil
}

// SetStatus updates only the ingest status of a submission.
func (r *gormSubmissionRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Submission{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("submissions: set status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFunctional settles the functional-validation outcome of a defense.
// A pass clears any previous validation error; a fail records the error and
// pulls the submission out of the validated pool.
func (r *gormSubmissionRepository) SetFunctional(ctx context.Context, id uuid.UUID, functional bool, errMsg string) error {
	values := map[string]interface{}{
		"is_functional":    db.FunctionalTrue,
		"functional_error": "",
		"status":           db.SubmissionStatusReady,
	}
	if !functional {
		values["is_functional"] = db.FunctionalFalse
		values["functional_error"] = errMsg
		values["status"] = db.SubmissionStatusFailed
	}

	result := r.db.WithContext(ctx).
		Model(&db.Submission{}).
		Where("id = ?", id).
		Updates(values)
	if result.Error != nil {
		return fmt.Errorf("submissions: set functional: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListValidatedDefenses returns defenses whose functional validation passed,
// oldest first. Soft-deleted submissions are excluded by GORM automatically.
func (r *gormSubmissionRepository) ListValidatedDefenses(ctx context.Context) ([]db.Submission, error) {
	var defenses []db.Submission
	if err := r.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND is_functional = ?",
			db.SubmissionKindDefense, db.SubmissionStatusReady, db.FunctionalTrue).
		Order("created_at ASC").
		Find(&defenses).Error; err != nil {
		return nil, fmt.Errorf("submissions: list validated defenses: %w", err)
	}
	return defenses, nil
}

// -----------------------------------------------------------------------------
// DefenseSource
// -----------------------------------------------------------------------------

// CreateSource attaches the image provenance record to a defense submission.
// Returns ErrConflict when the defense already has one; the unique index on
// defense_submission_id backstops the check against races.
func (r *gormSubmissionRepository) CreateSource(ctx context.Context, source *db.DefenseSource) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.DefenseSource{}).
		Where("defense_submission_id = ?", source.DefenseSubmissionID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("submissions: create source: %w", err)
	}
	if count > 0 {
		return ErrConflict
	}
	if err := r.db.WithContext(ctx).Create(source).Error; err != nil {
		return fmt.Errorf("submissions: create source: %w", err)
	}
	return nil
}

// GetSourceByDefense retrieves the provenance record for a defense.
// Returns ErrNotFound if the defense has no source attached.
func (r *gormSubmissionRepository) GetSourceByDefense(ctx context.Context, defenseID uuid.UUID) (*db.DefenseSource, error) {
	var source db.DefenseSource
	err := r.db.WithContext(ctx).First(&source, "defense_submission_id = ?", defenseID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("submissions: get source by defense: %w", err)
	}
	return &source, nil
}

// -----------------------------------------------------------------------------
// AttackFile
// -----------------------------------------------------------------------------

// BulkCreateFiles inserts the file manifest of an attack in one statement.
func (r *gormSubmissionRepository) BulkCreateFiles(ctx context.Context, files []db.AttackFile) error {
	if len(files) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&files).Error; err != nil {
		return fmt.Errorf("submissions: bulk create files: %w", err)
	}
	return nil
}

// ListFilesByAttack returns all files of an attack in creation order, with
// the time-ordered UUID as tiebreak. Evaluation results are appended in this
// order, so it must be stable across calls.
func (r *gormSubmissionRepository) ListFilesByAttack(ctx context.Context, attackID uuid.UUID) ([]db.AttackFile, error) {
	var files []db.AttackFile
	if err := r.db.WithContext(ctx).
		Where("attack_submission_id = ?", attackID).
		Order("created_at ASC, id ASC").
		Find(&files).Error; err != nil {
		return nil, fmt.Errorf("submissions: list files by attack: %w", err)
	}
	return files, nil
}

// CountFilesByAttack returns the number of files in an attack submission.
func (r *gormSubmissionRepository) CountFilesByAttack(ctx context.Context, attackID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.AttackFile{}).
		Where("attack_submission_id = ?", attackID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("submissions: count files by attack: %w", err)
	}
	return count, nil
}
