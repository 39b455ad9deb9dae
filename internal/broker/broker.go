// Package broker moves job envelopes between the dispatch API and worker
// processes over a Redis list.
//
// Delivery is at-least-once: an envelope is popped before its handler runs,
// so a worker crash mid-job loses the in-flight delivery but the durable job
// row keeps the work visible to operators. Handlers are idempotent against
// redelivery; the consumer itself never requeues.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Task names carried in the envelope.
const (
	TaskRunDefenseJob = "run_defense_job"
	TaskRunAttackJob  = "run_attack_job"
)

// Backfill scopes for defense jobs. Empty means ScopeUnevaluated.
const (
	ScopeUnevaluated = "unevaluated"
	ScopeNone        = "none"
)

// DefaultQueue is the Redis list the platform publishes to unless
// configured otherwise.
const DefaultQueue = "mlsec"

// popTimeout bounds each blocking pop so the consumer can notice context
// cancellation between envelopes.
const popTimeout = time.Second

// Envelope is the wire format of one dispatched job.
type Envelope struct {
	Task                     string `json:"task"`
	JobID                    string `json:"job_id"`
	DefenseSubmissionID      string `json:"defense_submission_id,omitempty"`
	AttackSubmissionID       string `json:"attack_submission_id,omitempty"`
	Scope                    string `json:"scope,omitempty"`
	IncludeBehaviorDifferent bool   `json:"include_behavior_different,omitempty"`
}

// Handler processes one envelope. A returned error marks the processing as
// failed in the logs; the handler is responsible for settling the job row.
type Handler func(ctx context.Context, env Envelope) error

// -----------------------------------------------------------------------------
// Publisher
// -----------------------------------------------------------------------------

// Publisher enqueues envelopes for worker processes.
type Publisher struct {
	rdb    *redis.Client
	queue  string
	logger *zap.Logger
}

// NewPublisher returns a Publisher writing to the given queue.
func NewPublisher(rdb *redis.Client, queue string, logger *zap.Logger) *Publisher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Publisher{rdb: rdb, queue: queue, logger: logger}
}

// Publish appends the envelope to the queue.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}
	if err := p.rdb.LPush(ctx, p.queue, raw).Err(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", env.Task, err)
	}
	p.logger.Debug("envelope published",
		zap.String("task", env.Task),
		zap.String("job_id", env.JobID))
	return nil
}

// -----------------------------------------------------------------------------
// Consumer
// -----------------------------------------------------------------------------

// Consumer pops envelopes one at a time and runs the handler registered for
// the task. Exactly one envelope is in flight per consumer; the next pop
// happens only after the current handler returns.
type Consumer struct {
	rdb      *redis.Client
	queue    string
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewConsumer returns a Consumer reading from the given queue.
func NewConsumer(rdb *redis.Client, queue string, logger *zap.Logger) *Consumer {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Consumer{
		rdb:      rdb,
		queue:    queue,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Handle registers the handler for a task name. Not safe to call once Run
// has started.
func (c *Consumer) Handle(task string, h Handler) {
	c.handlers[task] = h
}

// Run consumes envelopes until the context is cancelled. Malformed payloads
// and unknown task names are logged and dropped; handler errors and panics
// are contained so one bad job cannot take the worker down.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("broker consumer started", zap.String("queue", c.queue))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("broker consumer stopped")
			return nil
		default:
		}

		res, err := c.rdb.BRPop(ctx, popTimeout, c.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				c.logger.Info("broker consumer stopped")
				return nil
			}
			c.logger.Error("pop failed, backing off", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		// BRPOP replies [queue, payload].
		c.process(ctx, res[1])
	}
}

func (c *Consumer) process(ctx context.Context, raw string) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		c.logger.Warn("malformed envelope dropped", zap.Error(err), zap.String("raw", truncate(raw, 256)))
		return
	}

	handler, ok := c.handlers[env.Task]
	if !ok {
		c.logger.Warn("unknown task dropped",
			zap.String("task", env.Task),
			zap.String("job_id", env.JobID))
		return
	}

	start := time.Now()
	err := safeHandle(ctx, handler, env)
	if err != nil {
		c.logger.Error("task failed",
			zap.String("task", env.Task),
			zap.String("job_id", env.JobID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	c.logger.Info("task completed",
		zap.String("task", env.Task),
		zap.String("job_id", env.JobID),
		zap.Duration("elapsed", time.Since(start)))
}

// safeHandle converts a handler panic into an error so the consume loop
// survives and the next envelope is processed.
func safeHandle(ctx context.Context, handler Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broker: handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
