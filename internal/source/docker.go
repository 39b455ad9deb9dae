package source

import (
	"context"
	"fmt"
	"io"

	"github.com/distribution/reference"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"
)

// fromRegistry canonicalises the reference, pulls it, and verifies the image
// actually landed in the daemon. The pull stream must be drained to
// completion or the daemon aborts the pull.
func (r *Resolver) fromRegistry(ctx context.Context, ref string) (string, error) {
	named, err := reference.ParseDockerRef(ref)
	if err != nil {
		return "", fmt.Errorf("%w: invalid image reference %q: %v", ErrBadSource, ref, err)
	}
	canonical := named.String()

	r.log.Info("pulling image", zap.String("image", canonical))
	rc, err := r.docker.ImagePull(ctx, canonical, imagetypes.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("pull %s: %w", canonical, err)
	}
	// Mid-pull failures arrive as error messages inside the progress stream,
	// not as a transport error.
	streamErr := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil)
	rc.Close()
	if streamErr != nil {
		return "", fmt.Errorf("pull %s: %w", canonical, streamErr)
	}

	inspect, _, err := r.docker.ImageInspectWithRaw(ctx, canonical)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", canonical, err)
	}
	if inspect.ID == "" {
		return "", fmt.Errorf("image %s not present after pull", canonical)
	}
	return canonical, nil
}
