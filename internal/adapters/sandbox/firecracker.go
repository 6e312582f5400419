package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
	"github.com/manthysbr/clinisandbox/internal/core/ports"
)

const (
	socketName    = "firecracker.socket"
	inputFileName = "input.json"
)

// The guest has no result channel yet, so a successful boot yields this.
var firecrackerPlaceholder = json.RawMessage(`{"status":"VM_RAN_BUT_NO_KERNEL_FOUND","diagnosis":"UNKNOWN"}`)

type FirecrackerConfig struct {
	Binary        string
	KernelPath    string
	RootfsPath    string
	WorkDir       string
	BootArgs      string
	ReadyAttempts int
	ReadyInterval time.Duration
	// BootWait is how long to let the guest run after InstanceStart.
	BootWait time.Duration
}

func (c FirecrackerConfig) withDefaults() FirecrackerConfig {
	if c.Binary == "" {
		c.Binary = "firecracker"
	}
	if c.WorkDir == "" {
		c.WorkDir = "/tmp/firecracker"
	}
	if c.BootArgs == "" {
		c.BootArgs = "console=ttyS0 reboot=k panic=1 pci=off"
	}
	if c.ReadyAttempts <= 0 {
		c.ReadyAttempts = 10
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = 100 * time.Millisecond
	}
	return c
}

// Process is a running VMM.
type Process interface {
	Kill() error
	Wait() error
}

// Launcher starts the VMM binary listening on socketPath.
type Launcher func(ctx context.Context, binary, socketPath string) (Process, error)

type cmdProcess struct {
	cmd *exec.Cmd
}

func (p cmdProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p cmdProcess) Wait() error {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed by Cleanup.
		return nil
	}
	return err
}

// ExecLauncher runs the binary as a child process. The process outlives ctx
// and is stopped by Cleanup.
func ExecLauncher(_ context.Context, binary, socketPath string) (Process, error) {
	cmd := exec.Command(binary, "--api-sock", socketPath)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmdProcess{cmd: cmd}, nil
}

type vmHandle struct {
	workDir    string
	socketPath string
	inputPath  string
	proc       Process
}

// Firecracker boots one microVM per job through the Firecracker API socket.
type Firecracker struct {
	logger *slog.Logger
	cfg    FirecrackerConfig
	launch Launcher
}

var _ ports.ExecutionBackend = (*Firecracker)(nil)

func NewFirecracker(logger *slog.Logger, cfg FirecrackerConfig, launch Launcher) *Firecracker {
	if launch == nil {
		launch = ExecLauncher
	}
	return &Firecracker{
		logger: logger.With("component", "backend", "backend", NameFirecracker),
		cfg:    cfg.withDefaults(),
		launch: launch,
	}
}

func (f *Firecracker) Name() string { return NameFirecracker }

func (f *Firecracker) PrepareResources(_ context.Context, jobID domain.JobID, modelRef string, input json.RawMessage) (ports.ResourceHandle, error) {
	workDir := filepath.Join(f.cfg.WorkDir, string(jobID))
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	inputPath := filepath.Join(workDir, inputFileName)
	if err := os.WriteFile(inputPath, input, 0o600); err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("stage input: %w", err)
	}

	f.logger.Info("vm resources prepared", "job_id", jobID, "model", modelRef, "path", inputPath)
	return &vmHandle{
		workDir:    workDir,
		socketPath: filepath.Join(workDir, socketName),
		inputPath:  inputPath,
	}, nil
}

func (f *Firecracker) RunInference(ctx context.Context, jobID domain.JobID, handle ports.ResourceHandle) (json.RawMessage, error) {
	h, ok := handle.(*vmHandle)
	if !ok {
		return nil, fmt.Errorf("unexpected handle type %T", handle)
	}

	proc, err := f.launch(ctx, f.cfg.Binary, h.socketPath)
	if err != nil {
		return nil, f.fail("spawn", fmt.Errorf("start %s: %w", f.cfg.Binary, err))
	}
	h.proc = proc
	f.logger.Info("vm process spawned", "job_id", jobID, "socket", h.socketPath)

	client := unixClient(h.socketPath)
	if err := f.waitReady(ctx, client); err != nil {
		return nil, f.fail("ready", err)
	}

	steps := []struct {
		path string
		body any
	}{
		{"/boot-source", map[string]any{
			"kernel_image_path": f.cfg.KernelPath,
			"boot_args":         f.cfg.BootArgs,
		}},
		{"/drives/rootfs", map[string]any{
			"drive_id":       "rootfs",
			"path_on_host":   f.cfg.RootfsPath,
			"is_root_device": true,
			"is_read_only":   true,
		}},
		{"/drives/input", map[string]any{
			"drive_id":       "input",
			"path_on_host":   h.inputPath,
			"is_root_device": false,
			"is_read_only":   true,
		}},
		{"/actions", map[string]any{"action_type": "InstanceStart"}},
	}
	for _, step := range steps {
		if err := put(ctx, client, step.path, step.body); err != nil {
			return nil, f.fail("configure", err)
		}
	}
	f.logger.Info("vm booting", "job_id", jobID)

	if f.cfg.BootWait > 0 {
		t := time.NewTimer(f.cfg.BootWait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return firecrackerPlaceholder, nil
}

func (f *Firecracker) Cleanup(_ context.Context, jobID domain.JobID, handle ports.ResourceHandle) error {
	h, ok := handle.(*vmHandle)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", handle)
	}

	var errs []error
	if h.proc != nil {
		if err := h.proc.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("kill vmm: %w", err))
		} else if err := h.proc.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("wait vmm: %w", err))
		}
	}
	if err := os.RemoveAll(h.workDir); err != nil {
		errs = append(errs, fmt.Errorf("remove work dir: %w", err))
	}
	f.logger.Info("vm cleanup done", "job_id", jobID)
	return errors.Join(errs...)
}

func (f *Firecracker) waitReady(ctx context.Context, client *http.Client) error {
	var lastErr error
	for i := 0; i < f.cfg.ReadyAttempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost/", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.ReadyInterval):
		}
	}
	return fmt.Errorf("api socket not ready after %d attempts: %w", f.cfg.ReadyAttempts, lastErr)
}

func (f *Firecracker) fail(phase string, err error) error {
	return &domain.BackendError{Backend: NameFirecracker, Phase: phase, Err: err}
}

func unixClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func put(ctx context.Context, client *http.Client, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost"+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("PUT %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
