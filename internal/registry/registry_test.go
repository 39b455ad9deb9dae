package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, zap.NewNop()), mr
}

func testMeta(workerID string) WorkerMeta {
	return WorkerMeta{
		WorkerID:            workerID,
		DefenseSubmissionID: "defense-1",
		JobID:               "job-1",
		Hostname:            "eval-host-03",
		CPUCount:            16,
		MemTotalMB:          64210,
	}
}

func TestRegisterAndSnapshot(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testMeta("worker-a")))

	ids, err := reg.ActiveWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-a"}, ids)

	info, err := reg.Snapshot(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "defense-1", info.DefenseSubmissionID)
	assert.Equal(t, "job-1", info.JobID)
	assert.Equal(t, QueueOpen, info.QueueState)
	assert.Equal(t, "eval-host-03", info.Hostname)
	assert.Equal(t, 16, info.CPUCount)
	assert.EqualValues(t, 64210, info.MemTotalMB)
	assert.Zero(t, info.QueueLength)
	assert.WithinDuration(t, time.Now(), info.Heartbeat, 5*time.Second)
	assert.WithinDuration(t, time.Now(), info.StartedAt, 5*time.Second)

	_, err = reg.Snapshot(ctx, "worker-ghost")
	require.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestPushPopIsFIFO(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testMeta("worker-a")))
	for _, attack := range []string{"attack-1", "attack-2", "attack-3"} {
		require.NoError(t, reg.PushAttack(ctx, "worker-a", attack))
	}

	qlen, err := reg.QueueLength(ctx, "worker-a")
	require.NoError(t, err)
	assert.EqualValues(t, 3, qlen)

	for _, want := range []string{"attack-1", "attack-2", "attack-3"} {
		got, ok, err := reg.PopAttack(ctx, "worker-a", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	// Empty queue: the pop waits out the timeout and reports no attack.
	_, ok, err := reg.PopAttack(ctx, "worker-a", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPushRefusedWhenClosed(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testMeta("worker-a")))
	require.NoError(t, reg.PushAttack(ctx, "worker-a", "attack-1"))
	require.NoError(t, reg.CloseQueue(ctx, "worker-a"))

	err := reg.PushAttack(ctx, "worker-a", "attack-2")
	require.ErrorIs(t, err, ErrQueueClosed)

	// Already-queued attacks stay poppable after the close.
	got, ok, err := reg.PopAttack(ctx, "worker-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "attack-1", got)

	qlen, err := reg.QueueLength(ctx, "worker-a")
	require.NoError(t, err)
	assert.Zero(t, qlen)
}

func TestDrainQueueClosesAndReturnsLeftovers(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testMeta("worker-a")))
	require.NoError(t, reg.PushAttack(ctx, "worker-a", "attack-1"))
	require.NoError(t, reg.PushAttack(ctx, "worker-a", "attack-2"))

	got, err := reg.DrainQueue(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"attack-1", "attack-2"}, got)

	// The drain closed the queue, so nothing can slip in afterwards.
	require.ErrorIs(t, reg.PushAttack(ctx, "worker-a", "attack-3"), ErrQueueClosed)
	qlen, err := reg.QueueLength(ctx, "worker-a")
	require.NoError(t, err)
	assert.Zero(t, qlen)

	// Draining an empty queue is a no-op.
	got, err = reg.DrainQueue(ctx, "worker-a")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPushToUnknownWorkerRefused(t *testing.T) {
	reg, _ := newTestRegistry(t)

	err := reg.PushAttack(context.Background(), "worker-ghost", "attack-1")
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestUnregisterLeavesNoKeys(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testMeta("worker-a")))
	require.NoError(t, reg.PushAttack(ctx, "worker-a", "attack-1"))
	require.NotEmpty(t, mr.Keys())

	require.NoError(t, reg.Unregister(ctx, "worker-a"))
	assert.Empty(t, mr.Keys())

	ids, err := reg.ActiveWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Unregistering twice is harmless.
	require.NoError(t, reg.Unregister(ctx, "worker-a"))
}

func TestOpenWorkersForOrdersByLoad(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	loaded := testMeta("worker-loaded")
	require.NoError(t, reg.Register(ctx, loaded))
	require.NoError(t, reg.PushAttack(ctx, "worker-loaded", "attack-1"))
	require.NoError(t, reg.PushAttack(ctx, "worker-loaded", "attack-2"))

	idleB := testMeta("worker-idle-b")
	require.NoError(t, reg.Register(ctx, idleB))
	idleA := testMeta("worker-idle-a")
	require.NoError(t, reg.Register(ctx, idleA))

	closed := testMeta("worker-closed")
	require.NoError(t, reg.Register(ctx, closed))
	require.NoError(t, reg.CloseQueue(ctx, "worker-closed"))

	other := testMeta("worker-other-defense")
	other.DefenseSubmissionID = "defense-2"
	require.NoError(t, reg.Register(ctx, other))

	got, err := reg.OpenWorkersFor(ctx, "defense-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-idle-a", "worker-idle-b", "worker-loaded"}, got)

	none, err := reg.OpenWorkersFor(ctx, "defense-missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClaimEvaluation(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	ok, err := reg.ClaimEvaluation(ctx, "defense-1", "attack-1", "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim for the same pair loses, whoever the claimant is.
	ok, err = reg.ClaimEvaluation(ctx, "defense-1", "attack-1", "job-2")
	require.NoError(t, err)
	assert.False(t, ok)

	// Other pairs are independent.
	ok, err = reg.ClaimEvaluation(ctx, "defense-1", "attack-2", "job-3")
	require.NoError(t, err)
	assert.True(t, ok)

	val, err := mr.Get("evaluations:queued:defense-1:attack-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", val, "claim value records the owning job")
}

func TestClaimExpiresAfterTTL(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	ok, err := reg.ClaimEvaluation(ctx, "defense-1", "attack-1", "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	key := "evaluations:queued:defense-1:attack-1"
	assert.Equal(t, 24*time.Hour, mr.TTL(key))

	mr.FastForward(24*time.Hour + time.Minute)

	ok, err = reg.ClaimEvaluation(ctx, "defense-1", "attack-1", "job-2")
	require.NoError(t, err)
	assert.True(t, ok, "expired claim should be reclaimable")
}

func TestReleaseClaim(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	ok, err := reg.ClaimEvaluation(ctx, "defense-1", "attack-1", "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, reg.ReleaseClaim(ctx, "defense-1", "attack-1"))

	ok, err = reg.ClaimEvaluation(ctx, "defense-1", "attack-1", "job-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStaleWorkers(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, testMeta("worker-fresh")))
	require.NoError(t, reg.Register(ctx, testMeta("worker-stale")))

	old := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	mr.HSet("worker:worker-stale:metadata", "heartbeat", old)

	stale, err := reg.StaleWorkers(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-stale"}, stale)

	// A heartbeat refresh rescues the worker.
	require.NoError(t, reg.Heartbeat(ctx, "worker-stale"))
	stale, err = reg.StaleWorkers(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}
