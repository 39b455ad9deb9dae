// Package registry tracks live evaluation workers in Redis.
//
// Every worker that hosts a defense container registers itself with a
// metadata hash and a private attack queue. Dispatchers discover open
// workers through the active set and feed them attack submissions; the
// (defense, attack) claim keys guarantee that racing dispatchers enqueue
// each pair at most once while the claim lives.
//
// Key layout:
//
//	workers:active                              set of worker IDs
//	worker:{id}:metadata                        hash (defense, job, state, heartbeat, host)
//	worker:{id}:attacks                         list of attack submission IDs (FIFO)
//	evaluations:queued:{defense}:{attack}       claim, value = job ID, 24h TTL
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Queue states stored in the worker metadata hash. A worker starts OPEN and
// flips to CLOSED exactly once, on shutdown; pushes to a CLOSED queue are
// refused atomically.
const (
	QueueOpen   = "OPEN"
	QueueClosed = "CLOSED"
)

// claimTTL bounds how long a (defense, attack) pair stays claimed without a
// terminal evaluation run. It is a crash safety-net, not a scheduling knob:
// normally the run row settles the pair long before the claim expires.
const claimTTL = 24 * time.Hour

const activeWorkersKey = "workers:active"

// ErrQueueClosed is returned by PushAttack when the target queue is CLOSED
// or the worker is not registered at all. Callers treat both the same way:
// the attack must go to another worker or a fresh defense job.
var ErrQueueClosed = errors.New("worker queue is closed")

// ErrWorkerNotFound is returned by Snapshot for an unknown worker ID.
var ErrWorkerNotFound = errors.New("worker not registered")

// pushIfOpen appends an attack to the worker queue only while the queue
// state is OPEN. Doing the check and the push in one script closes the race
// between a dispatcher and a worker shutting down.
var pushIfOpen = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "queue_state")
if state == "OPEN" then
    redis.call("RPUSH", KEYS[2], ARGV[1])
    return 1
end
return 0
`)

// WorkerMeta is the registration record for a worker process.
type WorkerMeta struct {
	WorkerID            string
	DefenseSubmissionID string
	JobID               string
	Hostname            string
	CPUCount            int
	MemTotalMB          int64
}

// WorkerInfo is a point-in-time snapshot of a registered worker, shaped for
// the workers API endpoint.
type WorkerInfo struct {
	ID                  string    `json:"id"`
	DefenseSubmissionID string    `json:"defense_submission_id"`
	JobID               string    `json:"job_id"`
	StartedAt           time.Time `json:"started_at"`
	QueueState          string    `json:"queue_state"`
	Heartbeat           time.Time `json:"heartbeat"`
	Hostname            string    `json:"hostname"`
	CPUCount            int       `json:"cpu_count"`
	MemTotalMB          int64     `json:"mem_total_mb"`
	QueueLength         int64     `json:"queue_length"`
}

// Registry provides worker bookkeeping on top of a Redis connection.
type Registry struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New returns a Registry backed by the provided Redis client.
func New(rdb *redis.Client, logger *zap.Logger) *Registry {
	return &Registry{rdb: rdb, logger: logger}
}

func metadataKey(workerID string) string { return "worker:" + workerID + ":metadata" }
func attacksKey(workerID string) string  { return "worker:" + workerID + ":attacks" }

func claimKey(defenseID, attackID string) string {
	return fmt.Sprintf("evaluations:queued:%s:%s", defenseID, attackID)
}

// Register writes the worker metadata hash and adds the worker to the active
// set. The queue starts OPEN with a fresh heartbeat.
func (r *Registry) Register(ctx context.Context, meta WorkerMeta) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metadataKey(meta.WorkerID), map[string]interface{}{
			"defense_submission_id": meta.DefenseSubmissionID,
			"job_id":                meta.JobID,
			"started_at":            now,
			"queue_state":           QueueOpen,
			"heartbeat":             now,
			"hostname":              meta.Hostname,
			"cpu_count":             meta.CPUCount,
			"mem_total_mb":          meta.MemTotalMB,
		})
		pipe.SAdd(ctx, activeWorkersKey, meta.WorkerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: register worker %s: %w", meta.WorkerID, err)
	}
	r.logger.Info("worker registered",
		zap.String("worker_id", meta.WorkerID),
		zap.String("defense_submission_id", meta.DefenseSubmissionID),
		zap.String("job_id", meta.JobID))
	return nil
}

// Unregister removes every key belonging to the worker: the active-set
// membership, the metadata hash and the attack queue. Safe to call twice.
func (r *Registry) Unregister(ctx context.Context, workerID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, activeWorkersKey, workerID)
		pipe.Del(ctx, metadataKey(workerID))
		pipe.Del(ctx, attacksKey(workerID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: unregister worker %s: %w", workerID, err)
	}
	r.logger.Info("worker unregistered", zap.String("worker_id", workerID))
	return nil
}

// Heartbeat refreshes the worker's liveness timestamp.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := r.rdb.HSet(ctx, metadataKey(workerID), "heartbeat", now).Err(); err != nil {
		return fmt.Errorf("registry: heartbeat worker %s: %w", workerID, err)
	}
	return nil
}

// CloseQueue flips the worker queue to CLOSED. Attacks already queued remain
// poppable; new pushes are refused from this point on.
func (r *Registry) CloseQueue(ctx context.Context, workerID string) error {
	if err := r.rdb.HSet(ctx, metadataKey(workerID), "queue_state", QueueClosed).Err(); err != nil {
		return fmt.Errorf("registry: close queue for worker %s: %w", workerID, err)
	}
	r.logger.Info("worker queue closed", zap.String("worker_id", workerID))
	return nil
}

// PushAttack appends an attack submission to the worker queue, refusing with
// ErrQueueClosed when the queue is CLOSED or the worker is gone.
func (r *Registry) PushAttack(ctx context.Context, workerID, attackID string) error {
	res, err := pushIfOpen.Run(ctx, r.rdb,
		[]string{metadataKey(workerID), attacksKey(workerID)}, attackID).Int64()
	if err != nil {
		return fmt.Errorf("registry: push attack to worker %s: %w", workerID, err)
	}
	if res != 1 {
		return fmt.Errorf("registry: push attack to worker %s: %w", workerID, ErrQueueClosed)
	}
	return nil
}

// PopAttack blocks up to timeout for the next attack in the worker queue.
// Returns ok=false when the queue stayed empty for the whole wait.
func (r *Registry) PopAttack(ctx context.Context, workerID string, timeout time.Duration) (string, bool, error) {
	res, err := r.rdb.BLPop(ctx, timeout, attacksKey(workerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("registry: pop attack for worker %s: %w", workerID, err)
	}
	// BLPOP replies [key, value].
	return res[1], true, nil
}

// DrainQueue closes the worker queue and empties it, returning the attack
// IDs that were still waiting. Closing first means no push can slip in after
// the drain; callers release the claims of the returned pairs so they do not
// stay parked until the claim TTL.
func (r *Registry) DrainQueue(ctx context.Context, workerID string) ([]string, error) {
	if err := r.CloseQueue(ctx, workerID); err != nil {
		return nil, err
	}
	ids, err := r.rdb.LRange(ctx, attacksKey(workerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: drain queue of worker %s: %w", workerID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := r.rdb.Del(ctx, attacksKey(workerID)).Err(); err != nil {
		return nil, fmt.Errorf("registry: drain queue of worker %s: %w", workerID, err)
	}
	return ids, nil
}

// QueueLength returns the number of attacks waiting in the worker queue.
func (r *Registry) QueueLength(ctx context.Context, workerID string) (int64, error) {
	n, err := r.rdb.LLen(ctx, attacksKey(workerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: queue length for worker %s: %w", workerID, err)
	}
	return n, nil
}

// ActiveWorkers returns the IDs in the active set, sorted for stable output.
func (r *Registry) ActiveWorkers(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, activeWorkersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list active workers: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Snapshot reads the worker metadata hash and queue length.
// Returns ErrWorkerNotFound when the worker has no metadata.
func (r *Registry) Snapshot(ctx context.Context, workerID string) (*WorkerInfo, error) {
	fields, err := r.rdb.HGetAll(ctx, metadataKey(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: snapshot worker %s: %w", workerID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("registry: snapshot worker %s: %w", workerID, ErrWorkerNotFound)
	}

	qlen, err := r.QueueLength(ctx, workerID)
	if err != nil {
		return nil, err
	}

	info := &WorkerInfo{
		ID:                  workerID,
		DefenseSubmissionID: fields["defense_submission_id"],
		JobID:               fields["job_id"],
		QueueState:          fields["queue_state"],
		Hostname:            fields["hostname"],
		QueueLength:         qlen,
	}
	info.StartedAt, _ = time.Parse(time.RFC3339Nano, fields["started_at"])
	info.Heartbeat, _ = time.Parse(time.RFC3339Nano, fields["heartbeat"])
	info.CPUCount, _ = strconv.Atoi(fields["cpu_count"])
	info.MemTotalMB, _ = strconv.ParseInt(fields["mem_total_mb"], 10, 64)
	return info, nil
}

// Snapshots returns one WorkerInfo per active worker. Workers that vanish
// between the set read and the hash read are skipped.
func (r *Registry) Snapshots(ctx context.Context) ([]WorkerInfo, error) {
	ids, err := r.ActiveWorkers(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]WorkerInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.Snapshot(ctx, id)
		if errors.Is(err, ErrWorkerNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// OpenWorkersFor returns the IDs of OPEN workers hosting the given defense,
// least-loaded queue first and worker ID as tiebreak, so dispatchers spread
// attacks instead of piling them on one worker.
func (r *Registry) OpenWorkersFor(ctx context.Context, defenseID string) ([]string, error) {
	ids, err := r.ActiveWorkers(ctx)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		id   string
		load int64
	}
	var open []candidate
	for _, id := range ids {
		fields, err := r.rdb.HMGet(ctx, metadataKey(id), "defense_submission_id", "queue_state").Result()
		if err != nil {
			return nil, fmt.Errorf("registry: inspect worker %s: %w", id, err)
		}
		defense, _ := fields[0].(string)
		state, _ := fields[1].(string)
		if defense != defenseID || state != QueueOpen {
			continue
		}
		load, err := r.QueueLength(ctx, id)
		if err != nil {
			return nil, err
		}
		open = append(open, candidate{id: id, load: load})
	}

	sort.Slice(open, func(i, j int) bool {
		if open[i].load != open[j].load {
			return open[i].load < open[j].load
		}
		return open[i].id < open[j].id
	})

	result := make([]string, len(open))
	for i, c := range open {
		result[i] = c.id
	}
	return result, nil
}

// StaleWorkers returns active workers whose heartbeat is older than cutoff.
// Workers with a missing or unparsable heartbeat count as stale: they left
// metadata behind without ever beating, which only happens after a crash.
func (r *Registry) StaleWorkers(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.ActiveWorkers(ctx)
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, id := range ids {
		raw, err := r.rdb.HGet(ctx, metadataKey(id), "heartbeat").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("registry: heartbeat of worker %s: %w", id, err)
		}
		beat, parseErr := time.Parse(time.RFC3339Nano, raw)
		if parseErr != nil || beat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

// ClaimEvaluation atomically claims the (defense, attack) pair for jobID.
// Returns false when another dispatcher holds a live claim. The claim
// expires after 24 hours so a crashed worker cannot block a pair forever.
func (r *Registry) ClaimEvaluation(ctx context.Context, defenseID, attackID, jobID string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, claimKey(defenseID, attackID), jobID, claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("registry: claim evaluation %s/%s: %w", defenseID, attackID, err)
	}
	return ok, nil
}

// ReleaseClaim drops the claim for the pair so a later dispatch can retry
// it. Callers release after a failed hand-off, or after spawning a defense
// job that will re-claim under its own id; completed evaluations let the
// claim expire on its own, with the run row as the durable record.
func (r *Registry) ReleaseClaim(ctx context.Context, defenseID, attackID string) error {
	if err := r.rdb.Del(ctx, claimKey(defenseID, attackID)).Err(); err != nil {
		return fmt.Errorf("registry: release claim %s/%s: %w", defenseID, attackID, err)
	}
	return nil
}
