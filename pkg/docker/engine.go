package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nosana-ci/nosana-node/pkg/log"
)

// Engine drives job containers over the Docker Engine API.
type Engine struct {
	client *dockerclient.Client
	logger zerolog.Logger
}

// NewEngine connects to the engine at host, or to the environment-configured
// engine when host is empty.
func NewEngine(host string) (*Engine, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	} else {
		opts = append(opts, dockerclient.FromEnv)
	}

	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to container engine: %w", err)
	}

	return &Engine{
		client: client,
		logger: log.WithComponent("docker"),
	}, nil
}

// Close closes the engine connection.
func (e *Engine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// Ping checks engine reachability.
func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.client.Ping(ctx); err != nil {
		return fmt.Errorf("container engine unreachable: %w", err)
	}
	return nil
}

// PullImage pulls an image, draining the progress stream.
func (e *Engine) PullImage(ctx context.Context, image string) error {
	reader, err := e.client.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

// RunSpec describes a single job container.
type RunSpec struct {
	Image    string
	Commands []string
	WorkDir  string // host path mounted at /root
	Env      []string
	LogPath  string // file receiving combined stdout/stderr
}

// RunContainer pulls the image, runs the commands, writes the combined log
// to spec.LogPath and removes the container. A non-zero exit reports an
// error; the log file is written either way.
func (e *Engine) RunContainer(ctx context.Context, spec RunSpec) error {
	if err := e.PullImage(ctx, spec.Image); err != nil {
		return err
	}

	name := "nosana-" + uuid.NewString()[:8]
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        []string{"sh", "-c", strings.Join(spec.Commands, "\n")},
		WorkingDir: "/root",
		Env:        spec.Env,
	}
	hostCfg := &container.HostConfig{}
	if spec.WorkDir != "" {
		hostCfg.Binds = []string{spec.WorkDir + ":/root"}
	}

	created, err := e.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		if err := e.client.ContainerRemove(context.Background(), created.ID,
			types.ContainerRemoveOptions{Force: true}); err != nil {
			e.logger.Warn().Err(err).Str("container", name).Msg("failed to remove container")
		}
	}()

	if err := e.client.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	e.logger.Info().Str("container", name).Str("image", spec.Image).Msg("container running")

	statusCh, errCh := e.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to wait for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.writeLogs(ctx, created.ID, spec.LogPath); err != nil {
		return err
	}

	if exitCode != 0 {
		return fmt.Errorf("container exited with code %d", exitCode)
	}
	return nil
}

// PruneVolumes garbage-collects dangling volumes.
func (e *Engine) PruneVolumes(ctx context.Context) error {
	report, err := e.client.VolumesPrune(ctx, filters.NewArgs())
	if err != nil {
		return fmt.Errorf("failed to prune volumes: %w", err)
	}
	if len(report.VolumesDeleted) > 0 {
		e.logger.Info().Int("volumes", len(report.VolumesDeleted)).Msg("volumes pruned")
	}
	return nil
}

func (e *Engine) writeLogs(ctx context.Context, containerID, logPath string) error {
	reader, err := e.client.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to read container logs: %w", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	defer file.Close()

	// Engine log streams are multiplexed; demux into one combined file.
	if _, err := stdcopy.StdCopy(file, file, reader); err != nil {
		return fmt.Errorf("failed to write container logs: %w", err)
	}
	return nil
}
