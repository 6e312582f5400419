// Package sandbox holds the simulated and Firecracker execution backends.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
	"github.com/manthysbr/clinisandbox/internal/core/ports"
)

const (
	NameSimulated   = "simulated"
	NameFirecracker = "firecracker"
)

var simulatedResult = json.RawMessage(`{"diagnosis":"POSITIVE","confidence":0.98,"backend":"SIMULATED"}`)

// Simulated stages the input to a temp file, waits, and returns a fixed
// positive diagnosis. It never runs untrusted code.
type Simulated struct {
	logger *slog.Logger
	delay  time.Duration
	dir    string
}

var _ ports.ExecutionBackend = (*Simulated)(nil)

// NewSimulated creates the backend. An empty dir uses os.TempDir.
func NewSimulated(logger *slog.Logger, delay time.Duration, dir string) *Simulated {
	return &Simulated{
		logger: logger.With("component", "backend", "backend", NameSimulated),
		delay:  delay,
		dir:    dir,
	}
}

func (s *Simulated) Name() string { return NameSimulated }

func (s *Simulated) PrepareResources(_ context.Context, jobID domain.JobID, _ string, input json.RawMessage) (ports.ResourceHandle, error) {
	f, err := os.CreateTemp(s.dir, "clinisandbox-*_"+string(jobID)+".json")
	if err != nil {
		return nil, fmt.Errorf("create input file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(input); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write input file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close input file: %w", err)
	}
	return path, nil
}

func (s *Simulated) RunInference(ctx context.Context, jobID domain.JobID, _ ports.ResourceHandle) (json.RawMessage, error) {
	s.logger.Info("simulated inference started", "job_id", jobID)

	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return simulatedResult, nil
}

func (s *Simulated) Cleanup(_ context.Context, _ domain.JobID, handle ports.ResourceHandle) error {
	path, ok := handle.(string)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", handle)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
