// Package docker runs inference inside a locked-down container.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
	"github.com/manthysbr/clinisandbox/internal/core/ports"
)

const (
	Name = "docker"

	containerInputDir = "/input"
	inputFileName     = "input.json"
	containerUser     = "65534:65534"
)

type Config struct {
	Image    string
	WorkDir  string
	Timeout  time.Duration
	MemoryMB int64
	CPUs     float64
}

type handle struct {
	stageDir    string
	containerID string
}

// Backend implements ports.ExecutionBackend on the Docker engine. The
// container gets no network, a read-only root filesystem and the staged
// input mounted read-only; its stdout must be the JSON result.
type Backend struct {
	logger *slog.Logger
	cfg    Config
	engine engine
}

var _ ports.ExecutionBackend = (*Backend)(nil)

// New connects to the engine configured by the DOCKER_* environment.
func New(logger *slog.Logger, cfg Config) (*Backend, error) {
	eng, err := newClientEngine()
	if err != nil {
		return nil, err
	}
	return newBackend(logger, cfg, eng), nil
}

func newBackend(logger *slog.Logger, cfg Config, eng engine) *Backend {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Backend{
		logger: logger.With("component", "backend", "backend", Name),
		cfg:    cfg,
		engine: eng,
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) PrepareResources(_ context.Context, jobID domain.JobID, modelRef string, input json.RawMessage) (ports.ResourceHandle, error) {
	stageDir, err := os.MkdirTemp(b.cfg.WorkDir, "clinisandbox-"+string(jobID)+"-")
	if err != nil {
		return nil, fmt.Errorf("create stage dir: %w", err)
	}
	// The container runs as nobody and must be able to read the mount.
	if err := os.Chmod(stageDir, 0o755); err != nil {
		_ = os.RemoveAll(stageDir)
		return nil, fmt.Errorf("chmod stage dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stageDir, inputFileName), input, 0o644); err != nil {
		_ = os.RemoveAll(stageDir)
		return nil, fmt.Errorf("stage input: %w", err)
	}
	b.logger.Info("container resources prepared", "job_id", jobID, "model", modelRef, "dir", stageDir)
	return &handle{stageDir: stageDir}, nil
}

func (b *Backend) RunInference(ctx context.Context, jobID domain.JobID, h ports.ResourceHandle) (json.RawMessage, error) {
	hd, ok := h.(*handle)
	if !ok {
		return nil, fmt.Errorf("unexpected handle type %T", h)
	}

	id, err := b.engine.Create(ctx, b.containerConfig(jobID), b.hostConfig(hd.stageDir), containerName(jobID))
	if err != nil {
		return nil, b.fail("create", err)
	}
	hd.containerID = id

	if err := b.engine.Start(ctx, id); err != nil {
		return nil, b.fail("start", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	code, err := b.engine.Wait(waitCtx, id)
	if err != nil {
		return nil, b.fail("wait", err)
	}

	stdout, stderr, err := b.engine.Logs(ctx, id)
	if err != nil {
		return nil, b.fail("logs", err)
	}
	return parseOutput(code, stdout, stderr)
}

func (b *Backend) Cleanup(ctx context.Context, jobID domain.JobID, h ports.ResourceHandle) error {
	hd, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", h)
	}

	var errs []error
	if hd.containerID != "" {
		if err := b.engine.Remove(ctx, hd.containerID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(hd.stageDir); err != nil {
		errs = append(errs, fmt.Errorf("remove stage dir: %w", err))
	}
	b.logger.Info("container cleanup done", "job_id", jobID)
	return errors.Join(errs...)
}

func (b *Backend) containerConfig(jobID domain.JobID) *container.Config {
	return &container.Config{
		Image: b.cfg.Image,
		Env: []string{
			"CLINISANDBOX_JOB_ID=" + string(jobID),
			"CLINISANDBOX_INPUT=" + containerInputDir + "/" + inputFileName,
		},
		User:         containerUser,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"clinisandbox.managed": "true",
			"clinisandbox.job_id":  string(jobID),
		},
	}
}

func (b *Backend) hostConfig(stageDir string) *container.HostConfig {
	return &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   stageDir,
				Target:   containerInputDir,
				ReadOnly: true,
			},
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
		Resources: container.Resources{
			Memory:   b.cfg.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(b.cfg.CPUs * 1e9),
		},
	}
}

func (b *Backend) fail(phase string, err error) error {
	return &domain.BackendError{Backend: Name, Phase: phase, Err: err}
}

func containerName(jobID domain.JobID) string {
	return "clinisandbox-job-" + string(jobID)
}

func parseOutput(code int64, stdout, stderr []byte) (json.RawMessage, error) {
	if code != 0 {
		return nil, &domain.BackendError{
			Backend: Name,
			Phase:   "run",
			Err:     fmt.Errorf("container exited with code %d: %s", code, tail(stderr, 512)),
		}
	}
	out := bytes.TrimSpace(stdout)
	if !json.Valid(out) {
		return nil, &domain.BackendError{Backend: Name, Phase: "run", Err: errors.New("container output is not JSON")}
	}
	return json.RawMessage(out), nil
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
