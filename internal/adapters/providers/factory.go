// Package providers builds the dispatch queue and execution backend selected
// by configuration, hiding the concrete adapters from callers.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/clinisandbox/internal/adapters/docker"
	"github.com/manthysbr/clinisandbox/internal/adapters/memqueue"
	"github.com/manthysbr/clinisandbox/internal/adapters/redisqueue"
	"github.com/manthysbr/clinisandbox/internal/adapters/sandbox"
	"github.com/manthysbr/clinisandbox/internal/config"
	"github.com/manthysbr/clinisandbox/internal/core/ports"
)

// Queue is a dispatch queue plus its release function.
type Queue struct {
	ports.DispatchQueue
	Close func() error
}

func BuildQueue(ctx context.Context, cfg *config.Config) (Queue, error) {
	switch cfg.Queue.Backend {
	case "", "memory":
		return Queue{DispatchQueue: memqueue.New(cfg.Queue.MemoryBuffer), Close: func() error { return nil }}, nil
	case "redis":
		q, err := redisqueue.Dial(ctx, redisqueue.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
			Name:     cfg.Queue.Name,
		})
		if err != nil {
			return Queue{}, err
		}
		return Queue{DispatchQueue: q, Close: q.Close}, nil
	default:
		return Queue{}, fmt.Errorf("unsupported queue backend: %s", cfg.Queue.Backend)
	}
}

func BuildBackend(logger *slog.Logger, cfg *config.Config) (ports.ExecutionBackend, error) {
	switch cfg.Worker.Backend {
	case "", sandbox.NameSimulated:
		sim := cfg.Backend.Simulated
		return sandbox.NewSimulated(logger, time.Duration(sim.DelayMillis)*time.Millisecond, ""), nil
	case sandbox.NameFirecracker:
		fc := cfg.Backend.Firecracker
		return sandbox.NewFirecracker(logger, sandbox.FirecrackerConfig{
			Binary:        fc.Binary,
			KernelPath:    fc.KernelPath,
			RootfsPath:    fc.RootfsPath,
			WorkDir:       fc.WorkDir,
			BootArgs:      fc.BootArgs,
			ReadyAttempts: fc.ReadyAttempts,
			ReadyInterval: time.Duration(fc.ReadyInterval) * time.Millisecond,
			BootWait:      time.Second,
		}, nil), nil
	case docker.Name:
		d := cfg.Backend.Docker
		return docker.New(logger, docker.Config{
			Image:    d.Image,
			WorkDir:  d.WorkDir,
			Timeout:  time.Duration(d.TimeoutSeconds) * time.Second,
			MemoryMB: d.MemoryMB,
			CPUs:     d.CPUs,
		})
	default:
		return nil, fmt.Errorf("unsupported execution backend: %s", cfg.Worker.Backend)
	}
}
