// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"taskorchestrator/src/logging"
)

// DockerAPI is the subset of the engine client the deployer uses.
type DockerAPI interface {
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

var _ DockerAPI = (*client.Client)(nil)

// NewClient connects to the engine configured by the DOCKER_* environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

const deploymentLabel = "taskorchestrator.deployment"

// EnsureNetwork returns the id of the named bridge network, creating it if
// it does not exist yet.
func EnsureNetwork(ctx context.Context, cli DockerAPI, name string) (string, error) {
	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to list networks: %v", err), slog.LevelError)
		return "", err
	}
	for _, n := range networks {
		if n.Name == name {
			return n.ID, nil
		}
	}

	resp, err := cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create deploy network: %v", err), slog.LevelError)
		return "", err
	}
	logging.Log("Created deploy network "+name, slog.LevelInfo)
	return resp.ID, nil
}

// pullImage fetches ref. A failed pull is only a warning since the image
// may already be present locally; ContainerCreate reports the real error.
func pullImage(ctx context.Context, cli DockerAPI, ref string) {
	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to pull image %s: %v", ref, err), slog.LevelWarn)
		return
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
}

type containerSpec struct {
	name          string
	image         string
	cmd           []string
	env           []string
	source        string
	target        string
	readOnly      bool
	containerPort int
	hostPort      int
	deploymentID  string
}

type resourceLimits struct {
	memoryMB int64
	cpuLimit float64
}

// startContainer creates and starts one service container. The container
// is removed again if it cannot be started.
func startContainer(ctx context.Context, cli DockerAPI, networkID, networkName string, spec containerSpec, limits resourceLimits) (string, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.containerPort))
	if err != nil {
		return "", fmt.Errorf("container port %d: %w", spec.containerPort, err)
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.image,
		Cmd:          spec.cmd,
		Env:          spec.env,
		WorkingDir:   spec.target,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{deploymentLabel: spec.deploymentID},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   limits.memoryMB * 1024 * 1024,
			NanoCPUs: int64(limits.cpuLimit * math.Pow10(9)),
		},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.hostPort)}},
		},
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   spec.source,
			Target:   spec.target,
			ReadOnly: spec.readOnly,
		}},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {NetworkID: networkID},
		},
	}, nil, spec.name)
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create container: %v", err), slog.LevelError)
		return "", err
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		logging.Log(fmt.Sprintf("failed to start container: %v", err), slog.LevelError)
		return "", err
	}
	return resp.ID, nil
}

func removeContainers(ctx context.Context, cli DockerAPI, ids []string) error {
	var firstErr error
	for _, id := range ids {
		if err := cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			logging.Log(fmt.Sprintf("failed to remove container %s: %v", shortID(id), err), slog.LevelWarn)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RunReaper removes deployments older than ttl, checking every interval,
// until ctx is done.
func (d *Deployer) RunReaper(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, dep := range d.expired(ttl) {
				logging.Log(fmt.Sprintf("Deployment %s exceeded its lifetime. Removing...", dep.ID), slog.LevelInfo)
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_ = d.Remove(cleanupCtx, dep.ID)
				cancel()
			}
		}
	}
}

// Cleanup removes every tracked deployment.
func (d *Deployer) Cleanup(ctx context.Context) {
	for _, dep := range d.List() {
		logging.Log(fmt.Sprintf("Cleaning up deployment %s...", dep.ID), slog.LevelInfo)
		_ = d.Remove(ctx, dep.ID)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
