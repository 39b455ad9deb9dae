package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
	"github.com/m4x1m03/mlsec-comp-platform/internal/gateway"
)

// Poster sends a classification request through the egress gateway.
type Poster interface {
	Post(ctx context.Context, targetURL, contentType string, body []byte) (*gateway.Response, error)
}

// classify sends one attack file to the defense and translates the outcome
// into the persisted (model_output, error) pair. Connection-class failures
// get exactly one retry; a timeout never does, because the container already
// had the full request budget. The returned duration covers the HTTP call
// only, zero if the file never left the blob store.
func (l *Loop) classify(ctx context.Context, file *db.AttackFile) (*int, string, time.Duration) {
	data, err := l.blobs.Download(ctx, file.ObjectKey)
	if err != nil {
		return nil, "blob download failed: " + err.Error(), 0
	}

	start := time.Now()
	resp, err := l.poster.Post(ctx, l.target, "application/octet-stream", data)
	if err != nil && isConnectionError(err) {
		resp, err = l.poster.Post(ctx, l.target, "application/octet-stream", data)
	}
	elapsed := time.Since(start)

	if err != nil {
		if isTimeout(err) {
			return nil, "http timeout", elapsed
		}
		return nil, "connection error: " + err.Error(), elapsed
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Sprintf("http %d: %s", resp.StatusCode, truncate(string(resp.Body), 200)), elapsed
	}

	var payload map[string]any
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, "parse error: " + err.Error(), elapsed
	}
	raw, ok := payload["result"]
	if !ok {
		return nil, "parse error: missing 'result' field", elapsed
	}
	n, ok := raw.(float64)
	if !ok || (n != 0 && n != 1) {
		return nil, fmt.Sprintf("invalid prediction: %v", raw), elapsed
	}

	out := int(n)
	return &out, "", elapsed
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	if isTimeout(err) {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// outcomeClass maps a persisted result onto the metrics label.
func outcomeClass(errMsg string) string {
	switch {
	case errMsg == "":
		return "ok"
	case strings.HasPrefix(errMsg, "blob download failed"):
		return "blob"
	case errMsg == "http timeout":
		return "timeout"
	case strings.HasPrefix(errMsg, "connection error"):
		return "connection"
	case strings.HasPrefix(errMsg, "http "):
		return "http"
	case strings.HasPrefix(errMsg, "parse error"):
		return "parse"
	default:
		return "invalid"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
