package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
)

func createSubmission(t *testing.T, repo SubmissionRepository, kind, status, functional string, age time.Duration) *db.Submission {
	t.Helper()
	s := &db.Submission{Kind: kind, Name: kind + "-test", Status: status, IsFunctional: functional}
	s.CreatedAt = time.Now().Add(-age)
	require.NoError(t, repo.Create(context.Background(), s))
	return s
}

func TestSetFunctionalSettlesDefense(t *testing.T) {
	t.Parallel()
	repo := NewSubmissionRepository(newTestDB(t))
	ctx := context.Background()

	defense := createSubmission(t, repo, db.SubmissionKindDefense, db.SubmissionStatusSubmitted, db.FunctionalUnknown, 0)

	require.NoError(t, repo.SetFunctional(ctx, defense.ID, false, "result must be 0 or 1, got 7"))
	got, err := repo.GetByID(ctx, defense.ID)
	require.NoError(t, err)
	assert.Equal(t, db.FunctionalFalse, got.IsFunctional)
	assert.Equal(t, db.SubmissionStatusFailed, got.Status)
	assert.Equal(t, "result must be 0 or 1, got 7", got.FunctionalError)
	assert.False(t, got.Validated())

	// A later pass clears the recorded error.
	require.NoError(t, repo.SetFunctional(ctx, defense.ID, true, ""))
	got, err = repo.GetByID(ctx, defense.ID)
	require.NoError(t, err)
	assert.Equal(t, db.FunctionalTrue, got.IsFunctional)
	assert.Equal(t, db.SubmissionStatusReady, got.Status)
	assert.Empty(t, got.FunctionalError)
	assert.True(t, got.Validated())
}

func TestSetFunctionalNotFound(t *testing.T) {
	t.Parallel()
	repo := NewSubmissionRepository(newTestDB(t))

	err := repo.SetFunctional(context.Background(), uuid.New(), true, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListValidatedDefenses(t *testing.T) {
	t.Parallel()
	gdb := newTestDB(t)
	repo := NewSubmissionRepository(gdb)
	ctx := context.Background()

	older := createSubmission(t, repo, db.SubmissionKindDefense, db.SubmissionStatusReady, db.FunctionalTrue, 2*time.Hour)
	newer := createSubmission(t, repo, db.SubmissionKindDefense, db.SubmissionStatusReady, db.FunctionalTrue, time.Hour)
	createSubmission(t, repo, db.SubmissionKindDefense, db.SubmissionStatusReady, db.FunctionalUnknown, time.Hour)
	createSubmission(t, repo, db.SubmissionKindDefense, db.SubmissionStatusFailed, db.FunctionalFalse, time.Hour)
	createSubmission(t, repo, db.SubmissionKindAttack, db.SubmissionStatusReady, db.FunctionalUnknown, time.Hour)

	// A deleted defense stays out of the pool even though its row remains.
	deleted := createSubmission(t, repo, db.SubmissionKindDefense, db.SubmissionStatusReady, db.FunctionalTrue, time.Hour)
	require.NoError(t, gdb.Delete(&db.Submission{}, "id = ?", deleted.ID).Error)

	got, err := repo.ListValidatedDefenses(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, older.ID, got[0].ID)
	assert.Equal(t, newer.ID, got[1].ID)

	// Soft delete keeps the row reachable with Unscoped.
	var raw db.Submission
	require.NoError(t, gdb.Unscoped().First(&raw, "id = ?", deleted.ID).Error)
	assert.True(t, raw.DeletedAt.Valid)
}

func TestGetByIDExcludesSoftDeleted(t *testing.T) {
	t.Parallel()
	gdb := newTestDB(t)
	repo := NewSubmissionRepository(gdb)
	ctx := context.Background()

	s := createSubmission(t, repo, db.SubmissionKindAttack, db.SubmissionStatusReady, db.FunctionalUnknown, 0)
	require.NoError(t, gdb.Delete(&db.Submission{}, "id = ?", s.ID).Error)

	_, err := repo.GetByID(ctx, s.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDefenseSourceUniquePerDefense(t *testing.T) {
	t.Parallel()
	repo := NewSubmissionRepository(newTestDB(t))
	ctx := context.Background()

	defense := createSubmission(t, repo, db.SubmissionKindDefense, db.SubmissionStatusSubmitted, db.FunctionalUnknown, 0)

	src := &db.DefenseSource{DefenseSubmissionID: defense.ID, DockerImage: "registry.example.com/defender:v3"}
	require.NoError(t, repo.CreateSource(ctx, src))

	dup := &db.DefenseSource{DefenseSubmissionID: defense.ID, GitURL: "https://github.com/acme/defender.git"}
	require.ErrorIs(t, repo.CreateSource(ctx, dup), ErrConflict)

	got, err := repo.GetSourceByDefense(ctx, defense.ID)
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/defender:v3", got.DockerImage)

	variant, err := got.Variant()
	require.NoError(t, err)
	assert.Equal(t, db.SourceDockerImage, variant)

	_, err = repo.GetSourceByDefense(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAttackFilesCreationOrder(t *testing.T) {
	t.Parallel()
	repo := NewSubmissionRepository(newTestDB(t))
	ctx := context.Background()

	attack := createSubmission(t, repo, db.SubmissionKindAttack, db.SubmissionStatusReady, db.FunctionalUnknown, 0)
	other := createSubmission(t, repo, db.SubmissionKindAttack, db.SubmissionStatusReady, db.FunctionalUnknown, 0)

	now := time.Now()
	mkFile := func(key string, age time.Duration) db.AttackFile {
		f := db.AttackFile{
			AttackSubmissionID: attack.ID,
			ObjectKey:          key,
			Filename:           key + ".exe",
			IsMalware:          true,
		}
		f.CreatedAt = now.Add(-age)
		return f
	}

	// Inserted out of creation order on purpose.
	files := []db.AttackFile{
		mkFile("attacks/a/second", 2*time.Minute),
		mkFile("attacks/a/first", 3*time.Minute),
		mkFile("attacks/a/third", time.Minute),
	}
	require.NoError(t, repo.BulkCreateFiles(ctx, files))
	require.NoError(t, repo.BulkCreateFiles(ctx, []db.AttackFile{{
		AttackSubmissionID: other.ID,
		ObjectKey:          "attacks/b/only",
	}}))

	got, err := repo.ListFilesByAttack(ctx, attack.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "attacks/a/first", got[0].ObjectKey)
	assert.Equal(t, "attacks/a/second", got[1].ObjectKey)
	assert.Equal(t, "attacks/a/third", got[2].ObjectKey)

	count, err := repo.CountFilesByAttack(ctx, attack.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	count, err = repo.CountFilesByAttack(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBulkCreateFilesEmptySliceIsNoop(t *testing.T) {
	t.Parallel()
	gdb := newTestDB(t)
	repo := NewSubmissionRepository(gdb)

	require.NoError(t, repo.BulkCreateFiles(context.Background(), nil))

	var count int64
	require.NoError(t, gdb.Model(&db.AttackFile{}).Count(&count).Error)
	assert.Zero(t, count)
}
