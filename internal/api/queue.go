package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/broker"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
	"github.com/m4x1m03/mlsec-comp-platform/internal/repositories"
)

// Publisher is the broker side the API needs: enqueueing envelopes for the
// jobs it creates.
type Publisher interface {
	Publish(ctx context.Context, env broker.Envelope) error
}

// QueueHandler groups the job-enqueueing HTTP handlers. Each request creates
// a durable Job row first and publishes its envelope second, so a job whose
// publish failed can be re-dispatched verbatim from the stored payload.
type QueueHandler struct {
	jobs   repositories.JobRepository
	subs   repositories.SubmissionRepository
	pub    Publisher
	logger *zap.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(jobs repositories.JobRepository, subs repositories.SubmissionRepository, pub Publisher, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{
		jobs:   jobs,
		subs:   subs,
		pub:    pub,
		logger: logger.Named("queue_handler"),
	}
}

type queueDefenseRequest struct {
	DefenseSubmissionID      string `json:"defense_submission_id"`
	Scope                    string `json:"scope"`
	IncludeBehaviorDifferent bool   `json:"include_behavior_different"`
}

type queueAttackRequest struct {
	AttackSubmissionID string `json:"attack_submission_id"`
}

// queueResponse carries the id of the freshly created job.
type queueResponse struct {
	JobID string `json:"job_id"`
}

// QueueDefense handles POST /api/v1/queue/defense.
// Creates a queued defense job for the submission and publishes its envelope.
func (h *QueueHandler) QueueDefense(w http.ResponseWriter, r *http.Request) {
	var req queueDefenseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := uuid.Parse(req.DefenseSubmissionID)
	if err != nil {
		ErrBadRequest(w, "invalid defense_submission_id: must be a valid UUID")
		return
	}
	switch req.Scope {
	case "", broker.ScopeUnevaluated, broker.ScopeNone:
	default:
		ErrBadRequest(w, "invalid scope: must be \"unevaluated\" or \"none\"")
		return
	}
	if !h.requireKind(w, r, id, db.SubmissionKindDefense) {
		return
	}

	env := broker.Envelope{
		Task:                     broker.TaskRunDefenseJob,
		DefenseSubmissionID:      id.String(),
		Scope:                    req.Scope,
		IncludeBehaviorDifferent: req.IncludeBehaviorDifferent,
	}
	h.enqueue(w, r, db.JobKindDefense, env)
}

// QueueAttack handles POST /api/v1/queue/attack.
// Creates a queued attack job for the submission and publishes its envelope.
func (h *QueueHandler) QueueAttack(w http.ResponseWriter, r *http.Request) {
	var req queueAttackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := uuid.Parse(req.AttackSubmissionID)
	if err != nil {
		ErrBadRequest(w, "invalid attack_submission_id: must be a valid UUID")
		return
	}
	if !h.requireKind(w, r, id, db.SubmissionKindAttack) {
		return
	}

	env := broker.Envelope{
		Task:               broker.TaskRunAttackJob,
		AttackSubmissionID: id.String(),
	}
	h.enqueue(w, r, db.JobKindAttack, env)
}

// requireKind checks that the submission exists and has the expected kind,
// writing the error response itself when not.
func (h *QueueHandler) requireKind(w http.ResponseWriter, r *http.Request, id uuid.UUID, kind string) bool {
	sub, err := h.subs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return false
		}
		h.logger.Error("failed to load submission", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return false
	}
	if sub.Kind != kind {
		ErrUnprocessable(w, "submission is a "+sub.Kind+", expected "+kind)
		return false
	}
	return true
}

// enqueue creates the job row with the envelope as payload, publishes, and
// answers 202. A row whose publish failed stays queued with its payload
// intact for operator re-dispatch.
func (h *QueueHandler) enqueue(w http.ResponseWriter, r *http.Request, kind string, env broker.Envelope) {
	jobID, err := uuid.NewV7()
	if err != nil {
		h.logger.Error("failed to generate job id", zap.Error(err))
		ErrInternal(w)
		return
	}
	env.JobID = jobID.String()
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to marshal envelope", zap.Error(err))
		ErrInternal(w)
		return
	}

	job := &db.Job{
		Kind:        kind,
		Status:      db.StatusQueued,
		Payload:     string(payload),
		RequestedBy: "api",
	}
	job.ID = jobID
	if err := h.jobs.Create(r.Context(), job); err != nil {
		h.logger.Error("failed to create job", zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.pub.Publish(r.Context(), env); err != nil {
		h.logger.Error("failed to publish job envelope",
			zap.String("job_id", jobID.String()),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("job queued",
		zap.String("job_id", jobID.String()),
		zap.String("kind", kind))
	Accepted(w, queueResponse{JobID: jobID.String()})
}
