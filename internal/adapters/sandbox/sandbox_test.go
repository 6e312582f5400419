package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSimulated_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	b := NewSimulated(testLogger(), 5*time.Millisecond, dir)
	ctx := context.Background()

	handle, err := b.PrepareResources(ctx, "job-1", "sepsis_v1", json.RawMessage(`{"resourceType":"Bundle"}`))
	require.NoError(t, err)
	path := handle.(string)
	staged, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceType":"Bundle"}`, string(staged))

	result, err := b.RunInference(ctx, "job-1", handle)
	require.NoError(t, err)
	assert.JSONEq(t, `{"diagnosis":"POSITIVE","confidence":0.98,"backend":"SIMULATED"}`, string(result))

	require.NoError(t, b.Cleanup(ctx, "job-1", handle))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSimulated_RunHonoursCancellation(t *testing.T) {
	b := NewSimulated(testLogger(), time.Hour, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.RunInference(ctx, "job-1", "unused")
	assert.ErrorIs(t, err, context.Canceled)
}

// fakeVMM serves a Firecracker-like API on the requested unix socket.
type fakeVMM struct {
	failPath string

	mu     sync.Mutex
	srv    *httptest.Server
	paths  []string
	bodies map[string]map[string]any
	killed bool
}

func (v *fakeVMM) launch(_ context.Context, _, socketPath string) (Process, error) {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(v.handle))
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	v.srv = srv
	return v, nil
}

func (v *fakeVMM) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	v.mu.Lock()
	v.paths = append(v.paths, r.URL.Path)
	if v.bodies == nil {
		v.bodies = map[string]map[string]any{}
	}
	v.bodies[r.URL.Path] = body
	v.mu.Unlock()

	if r.URL.Path == v.failPath {
		http.Error(w, `{"fault_message":"bad drive"}`, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (v *fakeVMM) Kill() error {
	v.mu.Lock()
	v.killed = true
	v.mu.Unlock()
	v.srv.Close()
	return nil
}

func (v *fakeVMM) Wait() error { return nil }

// shortWorkDir keeps socket paths under the unix path length limit.
func shortWorkDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "fc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newTestFirecracker(t *testing.T, launch Launcher) (*Firecracker, string) {
	dir := shortWorkDir(t)
	fc := NewFirecracker(testLogger(), FirecrackerConfig{
		KernelPath:    "/vm/vmlinux",
		RootfsPath:    "/vm/rootfs.ext4",
		WorkDir:       dir,
		ReadyAttempts: 3,
		ReadyInterval: 5 * time.Millisecond,
	}, launch)
	return fc, dir
}

func TestFirecracker_BootSequence(t *testing.T) {
	vmm := &fakeVMM{}
	fc, dir := newTestFirecracker(t, vmm.launch)
	ctx := context.Background()

	handle, err := fc.PrepareResources(ctx, "job-1", "sepsis_v1", json.RawMessage(`{"entry":[]}`))
	require.NoError(t, err)
	inputPath := filepath.Join(dir, "job-1", inputFileName)
	assert.FileExists(t, inputPath)

	result, err := fc.RunInference(ctx, "job-1", handle)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"VM_RAN_BUT_NO_KERNEL_FOUND","diagnosis":"UNKNOWN"}`, string(result))

	assert.Equal(t, []string{"/boot-source", "/drives/rootfs", "/drives/input", "/actions"}, vmm.paths)
	assert.Equal(t, "/vm/vmlinux", vmm.bodies["/boot-source"]["kernel_image_path"])
	assert.Equal(t, "console=ttyS0 reboot=k panic=1 pci=off", vmm.bodies["/boot-source"]["boot_args"])
	assert.Equal(t, true, vmm.bodies["/drives/rootfs"]["is_root_device"])
	assert.Equal(t, true, vmm.bodies["/drives/rootfs"]["is_read_only"])
	assert.Equal(t, inputPath, vmm.bodies["/drives/input"]["path_on_host"])
	assert.Equal(t, true, vmm.bodies["/drives/input"]["is_read_only"])
	assert.Equal(t, "InstanceStart", vmm.bodies["/actions"]["action_type"])

	require.NoError(t, fc.Cleanup(ctx, "job-1", handle))
	assert.True(t, vmm.killed)
	assert.NoDirExists(t, filepath.Join(dir, "job-1"))
}

func TestFirecracker_Non2xxIsBackendError(t *testing.T) {
	vmm := &fakeVMM{failPath: "/drives/input"}
	fc, _ := newTestFirecracker(t, vmm.launch)
	ctx := context.Background()

	handle, err := fc.PrepareResources(ctx, "job-2", "m", json.RawMessage(`{}`))
	require.NoError(t, err)
	defer fc.Cleanup(ctx, "job-2", handle)

	_, err = fc.RunInference(ctx, "job-2", handle)
	var be *domain.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "configure", be.Phase)
	assert.Contains(t, err.Error(), "status 400")
	assert.NotContains(t, vmm.paths, "/actions")
}

func TestFirecracker_SpawnFailure(t *testing.T) {
	fc, _ := newTestFirecracker(t, func(context.Context, string, string) (Process, error) {
		return nil, errors.New("executable file not found")
	})
	ctx := context.Background()

	handle, err := fc.PrepareResources(ctx, "job-3", "m", json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = fc.RunInference(ctx, "job-3", handle)
	var be *domain.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "spawn", be.Phase)
	assert.NoError(t, fc.Cleanup(ctx, "job-3", handle))
}

type deadProcess struct{ killed bool }

func (p *deadProcess) Kill() error {
	p.killed = true
	return nil
}

func (p *deadProcess) Wait() error { return nil }

func TestFirecracker_SocketNeverReady(t *testing.T) {
	proc := &deadProcess{}
	fc, _ := newTestFirecracker(t, func(context.Context, string, string) (Process, error) {
		return proc, nil
	})
	ctx := context.Background()

	handle, err := fc.PrepareResources(ctx, "job-4", "m", json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = fc.RunInference(ctx, "job-4", handle)
	var be *domain.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "ready", be.Phase)
	assert.Contains(t, err.Error(), "after 3 attempts")

	require.NoError(t, fc.Cleanup(ctx, "job-4", handle))
	assert.True(t, proc.killed)
}
