package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
)

// statusPredecessor maps each reachable status to the only status it may be
// entered from. Terminal states have no outgoing edges, so a conditional
// update away from them matches zero rows. Shared by jobs and evaluation runs.
var statusPredecessor = map[string]string{
	db.StatusRunning: db.StatusQueued,
	db.StatusDone:    db.StatusRunning,
	db.StatusFailed:  db.StatusRunning,
}

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a new job record into the database.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// SetStatus performs the conditional lifecycle update described on the
// interface. The WHERE clause pins the current status, so the update is
// atomic even with multiple workers pointed at the same database.
func (r *gormJobRepository) SetStatus(ctx context.Context, id uuid.UUID, status, errMsg string) error {
	from, ok := statusPredecessor[status]
	if !ok {
		return fmt.Errorf("jobs: set status: unknown target status %q", status)
	}

	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status": status,
			"error":  errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: set status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Zero rows means the job is missing or not in the required
		// predecessor state. Look it up to tell the two apart.
		var job db.Job
		err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("jobs: set status: %w", err)
		}
		return fmt.Errorf("%w: job %s is %s, cannot become %s", ErrInvalidTransition, id, job.Status, status)
	}
	return nil
}

// List returns a paginated list of jobs and the total count,
// ordered by creation time descending (most recent first).
func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// ListRunningOlderThan returns running jobs last touched before t, oldest
// first. Used by the reaper to fail jobs abandoned by dead workers.
func (r *gormJobRepository) ListRunningOlderThan(ctx context.Context, t time.Time) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", db.StatusRunning, t).
		Order("updated_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list running older than: %w", err)
	}
	return jobs, nil
}
