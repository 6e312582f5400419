package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// engine is the slice of the Docker API the backend drives.
type engine interface {
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int64, error)
	Logs(ctx context.Context, id string) (stdout, stderr []byte, err error)
	Remove(ctx context.Context, id string) error
}

type clientEngine struct {
	cli *client.Client
}

func newClientEngine() (*clientEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &clientEngine{cli: cli}, nil
}

// Create pulls the image once when it is missing locally.
func (e *clientEngine) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	netCfg := &network.NetworkingConfig{}
	resp, err := e.cli.ContainerCreate(ctx, cfg, host, netCfg, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := e.cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if pullErr != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", cfg.Image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = e.cli.ContainerCreate(ctx, cfg, host, netCfg, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (e *clientEngine) Start(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (e *clientEngine) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("wait for container: %w", err)
	case st := <-statusCh:
		if st.Error != nil {
			return -1, errors.New(st.Error.Message)
		}
		return st.StatusCode, nil
	}
}

func (e *clientEngine) Logs(ctx context.Context, id string) ([]byte, []byte, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, fmt.Errorf("read container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, nil, fmt.Errorf("demux container logs: %w", err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func (e *clientEngine) Remove(ctx context.Context, id string) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}
