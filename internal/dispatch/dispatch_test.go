package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/m4x1m03/mlsec-comp-platform/internal/broker"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
	"github.com/m4x1m03/mlsec-comp-platform/internal/registry"
	"github.com/m4x1m03/mlsec-comp-platform/internal/repositories"
)

type fakeAttackValidator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeAttackValidator) Validate(_ context.Context, _ *db.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type failingPublisher struct{ err error }

func (f *failingPublisher) Publish(context.Context, broker.Envelope) error { return f.err }

type harness struct {
	jobs      repositories.JobRepository
	subs      repositories.SubmissionRepository
	evals     repositories.EvaluationRepository
	reg       *registry.Registry
	rdb       *redis.Client
	validator *fakeAttackValidator
	gdb       *gorm.DB
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&db.Job{}, &db.Submission{}, &db.DefenseSource{},
		&db.AttackFile{}, &db.EvaluationRun{}, &db.EvaluationResult{},
	))
	t.Cleanup(func() { sqlDB.Close() })

	return &harness{
		jobs:      repositories.NewJobRepository(gdb),
		subs:      repositories.NewSubmissionRepository(gdb),
		evals:     repositories.NewEvaluationRepository(gdb),
		reg:       registry.New(client, zap.NewNop()),
		rdb:       client,
		validator: &fakeAttackValidator{},
		gdb:       gdb,
	}
}

func (h *harness) newDispatcher(pub Publisher) *Dispatcher {
	if pub == nil {
		pub = broker.NewPublisher(h.rdb, "", zap.NewNop())
	}
	return New(Params{
		Jobs:        h.jobs,
		Submissions: h.subs,
		Evaluations: h.evals,
		Registry:    h.reg,
		Publisher:   pub,
		Validator:   h.validator,
		Log:         zap.NewNop(),
	})
}

func (h *harness) newDefense(t *testing.T) uuid.UUID {
	t.Helper()
	defense := &db.Submission{
		Kind:         db.SubmissionKindDefense,
		Status:       db.SubmissionStatusReady,
		IsFunctional: db.FunctionalTrue,
	}
	require.NoError(t, h.subs.Create(context.Background(), defense))
	return defense.ID
}

func (h *harness) newAttack(t *testing.T, status string) uuid.UUID {
	t.Helper()
	attack := &db.Submission{Kind: db.SubmissionKindAttack, Status: status}
	require.NoError(t, h.subs.Create(context.Background(), attack))
	return attack.ID
}

func (h *harness) newJob(t *testing.T) uuid.UUID {
	t.Helper()
	job := &db.Job{Kind: db.JobKindAttack, Status: db.StatusQueued}
	require.NoError(t, h.jobs.Create(context.Background(), job))
	return job.ID
}

func (h *harness) envelope(jobID, attackID uuid.UUID) broker.Envelope {
	return broker.Envelope{
		Task:               broker.TaskRunAttackJob,
		JobID:              jobID.String(),
		AttackSubmissionID: attackID.String(),
	}
}

func (h *harness) registerWorker(t *testing.T, workerID string, defenseID uuid.UUID) {
	t.Helper()
	require.NoError(t, h.reg.Register(context.Background(), registry.WorkerMeta{
		WorkerID:            workerID,
		DefenseSubmissionID: defenseID.String(),
		JobID:               "job-" + workerID,
	}))
}

func (h *harness) job(t *testing.T, id uuid.UUID) *db.Job {
	t.Helper()
	job, err := h.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) queueLen(t *testing.T, workerID string) int64 {
	t.Helper()
	n, err := h.reg.QueueLength(context.Background(), workerID)
	require.NoError(t, err)
	return n
}

// popEnvelope drains one published envelope off the broker queue.
func (h *harness) popEnvelope(t *testing.T) broker.Envelope {
	t.Helper()
	raw, err := h.rdb.RPop(context.Background(), broker.DefaultQueue).Result()
	require.NoError(t, err)
	var env broker.Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	return env
}

func (h *harness) claimHeld(t *testing.T, defenseID, attackID uuid.UUID) bool {
	t.Helper()
	won, err := h.reg.ClaimEvaluation(context.Background(), defenseID.String(), attackID.String(), "probe")
	require.NoError(t, err)
	if won {
		// Undo the probe claim so the check is side-effect free.
		require.NoError(t, h.reg.ReleaseClaim(context.Background(), defenseID.String(), attackID.String()))
	}
	return !won
}

// -----------------------------------------------------------------------------
// Dispatch paths
// -----------------------------------------------------------------------------

func TestHandlePushesToOpenWorker(t *testing.T) {
	h := newHarness(t)
	defenseID := h.newDefense(t)
	attackID := h.newAttack(t, db.SubmissionStatusSubmitted)
	jobID := h.newJob(t)
	h.registerWorker(t, "w1", defenseID)

	disp := h.newDispatcher(nil)
	require.NoError(t, disp.Handle(context.Background(), h.envelope(jobID, attackID)))

	assert.Equal(t, db.StatusDone, h.job(t, jobID).Status)
	assert.Equal(t, int64(1), h.queueLen(t, "w1"))

	got, ok, err := h.reg.PopAttack(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, attackID.String(), got)

	// The pair stays claimed while the attack sits in the worker queue.
	assert.True(t, h.claimHeld(t, defenseID, attackID))

	// No defense job was spawned.
	_, err = h.rdb.RPop(context.Background(), broker.DefaultQueue).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestHandleSpawnsDefenseJobWhenNoWorker(t *testing.T) {
	h := newHarness(t)
	defenseID := h.newDefense(t)
	attackID := h.newAttack(t, db.SubmissionStatusReady)
	jobID := h.newJob(t)

	disp := h.newDispatcher(nil)
	require.NoError(t, disp.Handle(context.Background(), h.envelope(jobID, attackID)))

	assert.Equal(t, db.StatusDone, h.job(t, jobID).Status)

	env := h.popEnvelope(t)
	assert.Equal(t, broker.TaskRunDefenseJob, env.Task)
	assert.Equal(t, defenseID.String(), env.DefenseSubmissionID)
	assert.Equal(t, broker.ScopeUnevaluated, env.Scope)

	spawnedID, err := uuid.Parse(env.JobID)
	require.NoError(t, err)
	spawned := h.job(t, spawnedID)
	assert.Equal(t, db.JobKindDefense, spawned.Kind)
	assert.Equal(t, db.StatusQueued, spawned.Status)
	assert.Equal(t, "dispatcher", spawned.RequestedBy)
	assert.JSONEq(t, mustJSON(t, env), spawned.Payload)

	// The claim was handed back so the spawned job's backfill can take it.
	assert.False(t, h.claimHeld(t, defenseID, attackID))
}

func TestHandleFallsBackToSpawnWhenQueuesClosed(t *testing.T) {
	h := newHarness(t)
	defenseID := h.newDefense(t)
	attackID := h.newAttack(t, db.SubmissionStatusReady)
	jobID := h.newJob(t)
	h.registerWorker(t, "w1", defenseID)
	require.NoError(t, h.reg.CloseQueue(context.Background(), "w1"))

	disp := h.newDispatcher(nil)
	require.NoError(t, disp.Handle(context.Background(), h.envelope(jobID, attackID)))

	assert.Equal(t, int64(0), h.queueLen(t, "w1"))
	env := h.popEnvelope(t)
	assert.Equal(t, broker.TaskRunDefenseJob, env.Task)
}

func TestHandleSkipsPairsWithBlockingRuns(t *testing.T) {
	h := newHarness(t)
	defenseID := h.newDefense(t)
	attackID := h.newAttack(t, db.SubmissionStatusReady)
	h.registerWorker(t, "w1", defenseID)

	run := &db.EvaluationRun{DefenseSubmissionID: defenseID, AttackSubmissionID: attackID, Status: db.StatusDone}
	require.NoError(t, h.evals.CreateRun(context.Background(), run))

	jobID := h.newJob(t)
	disp := h.newDispatcher(nil)
	require.NoError(t, disp.Handle(context.Background(), h.envelope(jobID, attackID)))

	assert.Equal(t, db.StatusDone, h.job(t, jobID).Status)
	assert.Equal(t, int64(0), h.queueLen(t, "w1"))
	assert.False(t, h.claimHeld(t, defenseID, attackID))
}

func TestHandleSkipsPairsClaimedElsewhere(t *testing.T) {
	h := newHarness(t)
	defenseID := h.newDefense(t)
	attackID := h.newAttack(t, db.SubmissionStatusReady)
	h.registerWorker(t, "w1", defenseID)

	won, err := h.reg.ClaimEvaluation(context.Background(), defenseID.String(), attackID.String(), "job-other")
	require.NoError(t, err)
	require.True(t, won)

	jobID := h.newJob(t)
	disp := h.newDispatcher(nil)
	require.NoError(t, disp.Handle(context.Background(), h.envelope(jobID, attackID)))

	assert.Equal(t, db.StatusDone, h.job(t, jobID).Status)
	assert.Equal(t, int64(0), h.queueLen(t, "w1"))
}

// Two duplicate attack jobs racing over the same pair produce exactly one
// queued evaluation: the second loses the claim and moves on.
func TestHandleDuplicateAttackJobsQueueOnce(t *testing.T) {
	h := newHarness(t)
	defenseID := h.newDefense(t)
	attackID := h.newAttack(t, db.SubmissionStatusReady)
	h.registerWorker(t, "w1", defenseID)

	disp := h.newDispatcher(nil)
	first, second := h.newJob(t), h.newJob(t)
	require.NoError(t, disp.Handle(context.Background(), h.envelope(first, attackID)))
	require.NoError(t, disp.Handle(context.Background(), h.envelope(second, attackID)))

	assert.Equal(t, db.StatusDone, h.job(t, first).Status)
	assert.Equal(t, db.StatusDone, h.job(t, second).Status)
	assert.Equal(t, int64(1), h.queueLen(t, "w1"))
}

func TestHandleFansOutToEveryValidatedDefense(t *testing.T) {
	h := newHarness(t)
	live := h.newDefense(t)
	offline := h.newDefense(t)

	// Not eligible: validation pending and validation failed.
	pending := &db.Submission{Kind: db.SubmissionKindDefense, Status: db.SubmissionStatusReady, IsFunctional: db.FunctionalUnknown}
	require.NoError(t, h.subs.Create(context.Background(), pending))
	broken := &db.Submission{Kind: db.SubmissionKindDefense, Status: db.SubmissionStatusFailed, IsFunctional: db.FunctionalFalse}
	require.NoError(t, h.subs.Create(context.Background(), broken))

	attackID := h.newAttack(t, db.SubmissionStatusReady)
	jobID := h.newJob(t)
	h.registerWorker(t, "w-live", live)

	disp := h.newDispatcher(nil)
	require.NoError(t, disp.Handle(context.Background(), h.envelope(jobID, attackID)))

	assert.Equal(t, int64(1), h.queueLen(t, "w-live"))

	env := h.popEnvelope(t)
	assert.Equal(t, offline.String(), env.DefenseSubmissionID)
	_, err := h.rdb.RPop(context.Background(), broker.DefaultQueue).Result()
	assert.ErrorIs(t, err, redis.Nil, "ineligible defenses must not get jobs")
}

// -----------------------------------------------------------------------------
// Attack validation
// -----------------------------------------------------------------------------

func TestHandleValidatesSubmittedAttack(t *testing.T) {
	h := newHarness(t)
	attackID := h.newAttack(t, db.SubmissionStatusSubmitted)
	jobID := h.newJob(t)

	disp := h.newDispatcher(nil)
	require.NoError(t, disp.Handle(context.Background(), h.envelope(jobID, attackID)))

	assert.Equal(t, 1, h.validator.calls)
	attack, err := h.subs.GetByID(context.Background(), attackID)
	require.NoError(t, err)
	assert.Equal(t, db.SubmissionStatusReady, attack.Status)
}

func TestHandleSkipsValidationForReadyAttack(t *testing.T) {
	h := newHarness(t)
	attackID := h.newAttack(t, db.SubmissionStatusReady)
	jobID := h.newJob(t)

	disp := h.newDispatcher(nil)
	require.NoError(t, disp.Handle(context.Background(), h.envelope(jobID, attackID)))

	assert.Equal(t, 0, h.validator.calls)
}

func TestHandleValidationFailureFailsAttackAndJob(t *testing.T) {
	h := newHarness(t)
	h.validator.err = errors.New("archive contains no files")
	attackID := h.newAttack(t, db.SubmissionStatusSubmitted)
	jobID := h.newJob(t)

	disp := h.newDispatcher(nil)
	err := disp.Handle(context.Background(), h.envelope(jobID, attackID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attack validation failed")

	job := h.job(t, jobID)
	assert.Equal(t, db.StatusFailed, job.Status)
	attack, err := h.subs.GetByID(context.Background(), attackID)
	require.NoError(t, err)
	assert.Equal(t, db.SubmissionStatusFailed, attack.Status)
}

// -----------------------------------------------------------------------------
// Failure handling
// -----------------------------------------------------------------------------

func TestHandlePublishFailureReleasesClaim(t *testing.T) {
	h := newHarness(t)
	defenseID := h.newDefense(t)
	attackID := h.newAttack(t, db.SubmissionStatusReady)
	jobID := h.newJob(t)

	disp := h.newDispatcher(&failingPublisher{err: errors.New("redis gone")})
	err := disp.Handle(context.Background(), h.envelope(jobID, attackID))
	require.Error(t, err)

	assert.Equal(t, db.StatusFailed, h.job(t, jobID).Status)
	assert.False(t, h.claimHeld(t, defenseID, attackID))
}

func TestHandleRejectsWrongSubmissionKind(t *testing.T) {
	h := newHarness(t)
	defenseID := h.newDefense(t)
	jobID := h.newJob(t)

	disp := h.newDispatcher(nil)
	err := disp.Handle(context.Background(), h.envelope(jobID, defenseID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an attack")
	assert.Equal(t, db.StatusFailed, h.job(t, jobID).Status)
}

func TestHandleSkipsRedeliveredEnvelope(t *testing.T) {
	h := newHarness(t)
	attackID := h.newAttack(t, db.SubmissionStatusSubmitted)
	jobID := h.newJob(t)
	require.NoError(t, h.jobs.SetStatus(context.Background(), jobID, db.StatusRunning, ""))

	disp := h.newDispatcher(nil)
	require.NoError(t, disp.Handle(context.Background(), h.envelope(jobID, attackID)))

	assert.Equal(t, 0, h.validator.calls)
	assert.Equal(t, db.StatusRunning, h.job(t, jobID).Status)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}
