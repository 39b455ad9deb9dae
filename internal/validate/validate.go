// Package validate decides whether submissions meet the platform contract.
// A defense must fit the image size limit and answer the canonical probe
// with well-formed JSON; the verdict is settled once and reused by every
// later evaluation.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/config"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
	"github.com/m4x1m03/mlsec-comp-platform/internal/gateway"
)

// Failure is a validation verdict the submission is responsible for, as
// opposed to a platform fault. The reason is stored verbatim on the
// submission as its functional error.
type Failure struct {
	Reason string
}

func (f *Failure) Error() string { return f.Reason }

func failf(format string, args ...any) error {
	return &Failure{Reason: fmt.Sprintf(format, args...)}
}

// ImageInspector is the slice of the Docker client needed for the size check.
type ImageInspector interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
}

// Poster sends a classification request through the egress gateway.
type Poster interface {
	Post(ctx context.Context, targetURL, contentType string, body []byte) (*gateway.Response, error)
}

// probePayload is the canonical classification probe: the first 4096 bytes
// of a minimal PE, which in the stub form is the MZ magic followed by zeros.
// Defenses must return a well-formed prediction for it; which class they
// pick is irrelevant.
func probePayload() []byte {
	buf := make([]byte, 4096)
	copy(buf, "MZ")
	return buf
}

// Defense validates a live defense container against the submission contract.
type Defense struct {
	docker ImageInspector
	poster Poster
	maxMB  int64
	log    *zap.Logger
}

func NewDefense(docker ImageInspector, poster Poster, cfg config.DefenseJob, log *zap.Logger) *Defense {
	return &Defense{docker: docker, poster: poster, maxMB: cfg.MaxUncompressedSizeMB, log: log}
}

// Check runs the functional validation: image size, then the probe request.
// A *Failure return means the defense broke the contract and must be settled
// as non-functional; any other error is a platform fault that leaves the
// defense's validation state untouched.
func (v *Defense) Check(ctx context.Context, imageRef, target string) error {
	inspect, _, err := v.docker.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return fmt.Errorf("validate: inspect %s: %w", imageRef, err)
	}
	if sizeMB := inspect.Size >> 20; sizeMB > v.maxMB {
		return failf("image too large: %d MB exceeds limit of %d MB", sizeMB, v.maxMB)
	}

	resp, err := v.poster.Post(ctx, target, "application/octet-stream", probePayload())
	if err != nil {
		return failf("probe request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		return failf("probe returned http %d: %s", resp.StatusCode, truncate(string(resp.Body), 200))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return failf("unexpected content type %q, want application/json", ct)
	}

	var payload map[string]any
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return failf("probe response is not valid JSON: %v", err)
	}
	raw, ok := payload["result"]
	if !ok {
		return failf("probe response missing 'result' field")
	}
	if n, ok := raw.(float64); !ok || (n != 0 && n != 1) {
		return failf("result must be 0 or 1, got %v", raw)
	}

	v.log.Info("defense passed functional validation", zap.String("image", imageRef))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// -----------------------------------------------------------------------------
// Attacks
// -----------------------------------------------------------------------------

// AttackValidator decides whether an attack submission may enter evaluation.
type AttackValidator interface {
	Validate(ctx context.Context, sub *db.Submission) error
}

// AcceptAll admits every attack without inspecting its files. Per-file
// checks in the manner of the defense probe belong behind this interface
// when they land.
type AcceptAll struct{}

func (AcceptAll) Validate(context.Context, *db.Submission) error { return nil }
