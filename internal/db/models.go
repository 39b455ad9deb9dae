package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// SoftDelete extends Base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type SoftDelete struct {
	Base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Status vocabulary
// -----------------------------------------------------------------------------

// Job kinds. A defense-job runs a defense container and drains its attack
// queue; an attack-job fans an attack out to all validated defenses.
const (
	JobKindDefense = "defense"
	JobKindAttack  = "attack"
)

// Job and EvaluationRun statuses. Permitted transitions:
// queued -> running -> done | failed. Terminal states are never reopened.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Submission kinds.
const (
	SubmissionKindDefense = "defense"
	SubmissionKindAttack  = "attack"
)

// Submission statuses. A defense is validated when Status is "ready" AND
// IsFunctional is "true"; an attack is validated on Status "ready" alone.
const (
	SubmissionStatusSubmitted = "submitted"
	SubmissionStatusReady     = "ready"
	SubmissionStatusFailed    = "failed"
)

// IsFunctional values for defense submissions. Tri-state: "unknown" until the
// first functional validation runs, then "true" or "false" forever after.
const (
	FunctionalUnknown = "unknown"
	FunctionalTrue    = "true"
	FunctionalFalse   = "false"
)

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is the durable record of a dispatched unit of work. Rows are created by
// the dispatch API with status "queued" and mutated only by the worker that
// claims them. Payload holds the broker envelope as JSON so a job can be
// re-dispatched verbatim by an operator.
type Job struct {
	Base
	Kind        string `gorm:"not null;index"` // "defense" or "attack"
	Status      string `gorm:"not null;default:'queued';index"`
	Payload     string `gorm:"type:text;not null;default:'{}'"` // JSON envelope
	RequestedBy string `gorm:"not null;default:''"`
	Error       string `gorm:"type:text;default:''"` // populated on failure
}

// -----------------------------------------------------------------------------
// Submissions
// -----------------------------------------------------------------------------

// Submission represents a user-supplied artifact: a defense (containerized
// classifier) or an attack (collection of malware-variant files). Submissions
// are soft-deleted so evaluation history stays intact after removal.
type Submission struct {
	SoftDelete
	Kind            string `gorm:"not null;index"`
	Name            string `gorm:"not null;default:''"`
	Status          string `gorm:"not null;default:'submitted';index"`
	IsFunctional    string `gorm:"not null;default:'unknown'"` // defenses only
	FunctionalError string `gorm:"type:text;default:''"`
}

// Validated reports whether this submission may take part in evaluations.
// Defenses additionally require a passed functional validation.
func (s *Submission) Validated() bool {
	if s.Kind == SubmissionKindDefense {
		return s.Status == SubmissionStatusReady && s.IsFunctional == FunctionalTrue
	}
	return s.Status == SubmissionStatusReady
}

// Defense source variant tags returned by DefenseSource.Variant.
const (
	SourceDockerImage = "docker_image"
	SourceGitRepo     = "git_repo"
	SourceZipArchive  = "zip_archive"
)

// DefenseSource carries the provenance of a defense image: exactly one of
// DockerImage (registry reference), GitURL (repository to clone and build),
// or ZipObjectKey (blob-store key of an uploaded build context) is set.
type DefenseSource struct {
	Base
	DefenseSubmissionID uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	DockerImage         string    `gorm:"not null;default:''"`
	GitURL              string    `gorm:"not null;default:''"`
	ZipObjectKey        string    `gorm:"not null;default:''"`
}

// Variant returns which of the three source variants is populated.
// Returns an error unless exactly one is set.
func (s *DefenseSource) Variant() (string, error) {
	var variant string
	count := 0
	if s.DockerImage != "" {
		variant = SourceDockerImage
		count++
	}
	if s.GitURL != "" {
		variant = SourceGitRepo
		count++
	}
	if s.ZipObjectKey != "" {
		variant = SourceZipArchive
		count++
	}
	if count != 1 {
		return "", fmt.Errorf("defense source must have exactly one variant, has %d", count)
	}
	return variant, nil
}

// AttackFile is one malware-variant file belonging to an attack submission.
// Rows are immutable once written. Files are evaluated in creation order,
// with the time-ordered UUID as tiebreak.
type AttackFile struct {
	Base
	AttackSubmissionID uuid.UUID `gorm:"type:text;not null;index"`
	ObjectKey          string    `gorm:"not null"` // blob-store location
	Filename           string    `gorm:"not null;default:''"`
	SHA256             string    `gorm:"column:sha256;not null;default:''"`
	IsMalware          bool      `gorm:"not null;default:true"` // ground-truth label
}

// -----------------------------------------------------------------------------
// Evaluations
// -----------------------------------------------------------------------------

// EvaluationRun records one evaluation of an attack against a defense.
// At most one run per (defense, attack) pair may be in a non-terminal state
// at any time; the registry claim gates creation. The run row, not the claim,
// is the record of truth, since it survives claim expiry.
type EvaluationRun struct {
	Base
	DefenseSubmissionID uuid.UUID `gorm:"type:text;not null;index:idx_eval_runs_pair"`
	AttackSubmissionID  uuid.UUID `gorm:"type:text;not null;index:idx_eval_runs_pair"`
	Status              string    `gorm:"not null;default:'queued';index"`
}

// EvaluationResult is the per-file outcome of an evaluation run.
// ModelOutput is nil exactly when Error is non-empty: a transient failure
// (blob fetch, connection, timeout, malformed response) is recorded here and
// never fails the surrounding job.
//
// The (run, file) pair is unique: a worker that adopts a half-finished run
// overwrites the earlier rows instead of stacking duplicates, so a done run
// always has exactly one row per attack file.
type EvaluationResult struct {
	Base
	EvaluationRunID uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_eval_results_run_file"`
	AttackFileID    uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_eval_results_run_file"`
	ModelOutput     *int      // 0 or 1; nil on error
	Error           string    `gorm:"type:text;default:''"`
	DurationMs      int64     `gorm:"not null;default:0"`
}
