package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/registry"
)

// WorkerHandler serves the live worker registry view.
type WorkerHandler struct {
	reg    *registry.Registry
	logger *zap.Logger
}

// NewWorkerHandler creates a new WorkerHandler.
func NewWorkerHandler(reg *registry.Registry, logger *zap.Logger) *WorkerHandler {
	return &WorkerHandler{
		reg:    reg,
		logger: logger.Named("worker_handler"),
	}
}

// listWorkersResponse wraps the registry snapshots. WorkerInfo already
// carries JSON tags, so it is served as-is.
type listWorkersResponse struct {
	Items []registry.WorkerInfo `json:"items"`
	Total int                   `json:"total"`
}

// List handles GET /api/v1/workers.
func (h *WorkerHandler) List(w http.ResponseWriter, r *http.Request) {
	infos, err := h.reg.Snapshots(r.Context())
	if err != nil {
		h.logger.Error("failed to snapshot workers", zap.Error(err))
		ErrInternal(w)
		return
	}
	if infos == nil {
		infos = []registry.WorkerInfo{}
	}
	Ok(w, listWorkersResponse{Items: infos, Total: len(infos)})
}
