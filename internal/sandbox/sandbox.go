// Package sandbox launches defense containers under the platform's isolation
// policy: a per-job internal network with no egress, a read-only root
// filesystem, a non-root user, no capabilities, and hard resource caps.
// The only route to a running defense is the gateway container, which is
// connected to the job network for the lifetime of the job.
package sandbox

import (
	"context"
	"fmt"

	containerapi "github.com/docker/docker/api/types/container"
	networkapi "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/config"
)

// defensePort is the contract port every defense serves on.
const defensePort = "8080"

// stopGraceSeconds is how long a defense gets to exit before SIGKILL.
const stopGraceSeconds = 2

// Client is the subset of the Docker API client the sandbox uses.
type Client interface {
	NetworkCreate(ctx context.Context, name string, options networkapi.CreateOptions) (networkapi.CreateResponse, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *networkapi.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
	NetworkRemove(ctx context.Context, networkID string) error
	ContainerCreate(ctx context.Context, config *containerapi.Config, hostConfig *containerapi.HostConfig, networkingConfig *networkapi.NetworkingConfig, platform *ocispec.Platform, containerName string) (containerapi.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containerapi.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options containerapi.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containerapi.RemoveOptions) error
}

// Sandbox identifies one job's network and container. Fields may be empty
// when Launch failed partway; Teardown tolerates that.
type Sandbox struct {
	ContainerID   string
	ContainerName string
	NetworkID     string
	NetworkName   string
}

// TargetURL is the defense endpoint as seen from the gateway, which shares
// the job network and resolves the container by name.
func (s *Sandbox) TargetURL() string {
	return fmt.Sprintf("http://%s:%s/", s.ContainerName, defensePort)
}

// Manager creates and destroys sandboxes for defense jobs.
type Manager struct {
	docker  Client
	cfg     config.DefenseJob
	gateway string // gateway container name or ID
	log     *zap.Logger
}

func NewManager(docker Client, cfg config.DefenseJob, gatewayContainer string, log *zap.Logger) *Manager {
	return &Manager{docker: docker, cfg: cfg, gateway: gatewayContainer, log: log}
}

// Launch creates the job network, connects the gateway to it, and starts the
// defense container on it. On any failure the pieces created so far are torn
// down before returning.
func (m *Manager) Launch(ctx context.Context, jobID, imageRef string) (*Sandbox, error) {
	memLimit, err := m.cfg.MemLimitBytes()
	if err != nil {
		return nil, err
	}

	sb := &Sandbox{
		ContainerName: "mlsec-defense-" + jobID,
		NetworkName:   "mlsec-job-" + jobID,
	}
	labels := map[string]string{"io.mlsec.job": jobID}

	netResp, err := m.docker.NetworkCreate(ctx, sb.NetworkName, networkapi.CreateOptions{
		Driver:   "bridge",
		Internal: true, // no egress from the job network
		Labels:   labels,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: create network %s: %w", sb.NetworkName, err)
	}
	sb.NetworkID = netResp.ID

	if err := m.docker.NetworkConnect(ctx, sb.NetworkID, m.gateway, nil); err != nil {
		m.Teardown(ctx, sb)
		return nil, fmt.Errorf("sandbox: connect gateway to %s: %w", sb.NetworkName, err)
	}

	pids := m.cfg.PidsLimit
	cfg := &containerapi.Config{
		Image:  imageRef,
		User:   "1000:1000",
		Labels: labels,
	}
	hostCfg := &containerapi.HostConfig{
		NetworkMode:    containerapi.NetworkMode(sb.NetworkName),
		ReadonlyRootfs: true,
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Resources: containerapi.Resources{
			Memory:    memLimit,
			NanoCPUs:  m.cfg.NanoCPUs,
			PidsLimit: &pids,
		},
		Tmpfs: map[string]string{
			"/tmp":     "size=64m",
			"/run":     "size=16m",
			"/var/tmp": "size=16m",
		},
		LogConfig: containerapi.LogConfig{
			Type:   "json-file",
			Config: map[string]string{"max-size": "10m", "max-file": "3"},
		},
	}

	created, err := m.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, sb.ContainerName)
	if err != nil {
		m.Teardown(ctx, sb)
		return nil, fmt.Errorf("sandbox: create container %s: %w", sb.ContainerName, err)
	}
	sb.ContainerID = created.ID

	if err := m.docker.ContainerStart(ctx, sb.ContainerID, containerapi.StartOptions{}); err != nil {
		m.Teardown(ctx, sb)
		return nil, fmt.Errorf("sandbox: start container %s: %w", sb.ContainerName, err)
	}

	m.log.Info("sandbox up",
		zap.String("container", sb.ContainerName),
		zap.String("network", sb.NetworkName))
	return sb, nil
}

// Teardown stops and removes whatever parts of the sandbox exist. Errors are
// logged and swallowed so a teardown problem never masks the job's outcome.
func (m *Manager) Teardown(ctx context.Context, sb *Sandbox) {
	if sb == nil {
		return
	}
	if sb.ContainerID != "" {
		grace := stopGraceSeconds
		if err := m.docker.ContainerStop(ctx, sb.ContainerID, containerapi.StopOptions{Timeout: &grace}); err != nil {
			m.log.Warn("stop container", zap.String("container", sb.ContainerName), zap.Error(err))
		}
		if err := m.docker.ContainerRemove(ctx, sb.ContainerID, containerapi.RemoveOptions{Force: true}); err != nil {
			m.log.Warn("remove container", zap.String("container", sb.ContainerName), zap.Error(err))
		}
	}
	if sb.NetworkID != "" {
		if err := m.docker.NetworkDisconnect(ctx, sb.NetworkID, m.gateway, true); err != nil {
			m.log.Warn("disconnect gateway", zap.String("network", sb.NetworkName), zap.Error(err))
		}
		if err := m.docker.NetworkRemove(ctx, sb.NetworkID); err != nil {
			m.log.Warn("remove network", zap.String("network", sb.NetworkName), zap.Error(err))
		}
	}
}
