package sandbox

import (
	"fmt"

	dockerclient "github.com/docker/docker/client"
)

// NewDockerClient connects to the daemon. host overrides the daemon address
// when non-empty; otherwise the standard DOCKER_HOST resolution applies.
// The returned client also satisfies the narrower interfaces of the source
// and validate packages.
func NewDockerClient(host string) (*dockerclient.Client, error) {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	c, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("sandbox: connect docker: %w", err)
	}
	return c, nil
}
