// Package source turns a defense's declared provenance into a local Docker
// image. Registry references are pulled; git repositories and uploaded zip
// archives are materialized into a build context and built with caching,
// parent pulls, and (by default) build networking disabled.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	buildtypes "github.com/docker/docker/api/types/build"
	imagetypes "github.com/docker/docker/api/types/image"
	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/blobstore"
	"github.com/m4x1m03/mlsec-comp-platform/internal/config"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
)

// ErrBadSource marks failures caused by the submitted source itself rather
// than by the platform: malformed references, oversized or traversing
// archives, missing Dockerfiles. Callers settle the defense as non-functional
// when errors.Is(err, ErrBadSource); anything else is an infrastructure
// failure that leaves the defense's validation state untouched.
var ErrBadSource = errors.New("defense source rejected")

// Hard caps shared by the git and zip paths. The compressed archive bound is
// configurable; these two are not.
const (
	maxContextEntries = 10_000
	maxContextBytes   = 10 << 30
)

// Docker is the subset of the Docker API client used to obtain images.
type Docker interface {
	ImagePull(ctx context.Context, refStr string, options imagetypes.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options buildtypes.ImageBuildOptions) (buildtypes.ImageBuildResponse, error)
}

// Resolver obtains defense images from any of the three source variants.
type Resolver struct {
	docker Docker
	blobs  blobstore.Store
	cfg    config.Source
	log    *zap.Logger
}

func New(docker Docker, blobs blobstore.Store, cfg config.Source, log *zap.Logger) *Resolver {
	return &Resolver{docker: docker, blobs: blobs, cfg: cfg, log: log}
}

// Resolve returns a reference to a local image for the given source, pulling
// or building as needed. The whole acquisition, clone and build included, is
// bounded by the configured build wall-time.
func (r *Resolver) Resolve(ctx context.Context, src *db.DefenseSource, jobID string) (string, error) {
	variant, err := src.Variant()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSource, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.MaxBuildTime())
	defer cancel()

	start := time.Now()
	var ref string
	switch variant {
	case db.SourceDockerImage:
		ref, err = r.fromRegistry(ctx, src.DockerImage)
	case db.SourceGitRepo:
		ref, err = r.fromGit(ctx, src.GitURL, jobID)
	default:
		ref, err = r.fromArchive(ctx, src.ZipObjectKey, jobID)
	}
	if err != nil {
		return "", err
	}

	r.log.Info("image obtained",
		zap.String("variant", variant),
		zap.String("image", ref),
		zap.Duration("elapsed", time.Since(start)))
	return ref, nil
}
