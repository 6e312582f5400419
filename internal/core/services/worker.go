package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
	"github.com/manthysbr/clinisandbox/internal/core/ports"
)

// WorkerConfig tunes the dispatch loop.
type WorkerConfig struct {
	// PollTimeout bounds each blocking dequeue.
	PollTimeout time.Duration
	// ErrorPause is slept after a loop-level error before polling again.
	ErrorPause time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = time.Second
	}
	return c
}

// Worker is one sequential consumer of the dispatch queue.
type Worker struct {
	logger   *slog.Logger
	jobs     ports.JobRepository
	queue    ports.DispatchQueue
	backend  ports.ExecutionBackend
	notifier ports.ResultNotifier
	metrics  ports.Metrics
	cfg      WorkerConfig
}

func NewWorker(
	logger *slog.Logger,
	jobs ports.JobRepository,
	queue ports.DispatchQueue,
	backend ports.ExecutionBackend,
	notifier ports.ResultNotifier,
	metrics ports.Metrics,
	cfg WorkerConfig,
) *Worker {
	return &Worker{
		logger:   logger.With("component", "worker", "backend", backend.Name()),
		jobs:     jobs,
		queue:    queue,
		backend:  backend,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
	}
}

// Run polls the queue until ctx is cancelled. Cancellation is only observed
// between iterations: a job already in flight runs to its terminal status.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_timeout", w.cfg.PollTimeout)
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}

		delivery, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("dequeue failed", "error", err)
			w.pause(ctx)
			continue
		}
		if delivery == nil {
			continue
		}

		if err := w.ProcessDelivery(context.WithoutCancel(ctx), *delivery); err != nil {
			w.logger.Error("processing failed", "job_id", delivery.Message.JobID, "error", err)
			w.pause(ctx)
		}
	}
}

func (w *Worker) pause(ctx context.Context) {
	t := time.NewTimer(w.cfg.ErrorPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ProcessDelivery drives one job from QUEUED to a terminal status and acks
// the delivery. An error return leaves the delivery unacked.
func (w *Worker) ProcessDelivery(ctx context.Context, d domain.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing job %s: %v", d.Message.JobID, r)
		}
	}()

	jobID := d.Message.JobID
	log := w.logger.With("job_id", jobID, "attempt", d.Message.Attempt)

	job, err := w.jobs.GetJob(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		log.Warn("job not found, abandoning message")
		return w.queue.Ack(ctx, d)
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != domain.JobStatusQueued {
		log.Warn("job not in QUEUED state, skipping duplicate delivery", "status", job.Status)
		return w.queue.Ack(ctx, d)
	}

	job, err = w.jobs.TransitionJob(ctx, jobID, domain.JobStatusQueued, domain.JobStatusProcessing, nil, nil)
	if errors.Is(err, domain.ErrTransitionConflict) {
		log.Warn("job claimed elsewhere, skipping")
		return w.queue.Ack(ctx, d)
	}
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	log.Info("processing job", "target", job.TargetModelKey)

	start := time.Now()
	result, runErr := w.execute(ctx, job)

	status := domain.JobStatusCompleted
	event := domain.AuditJobCompleted
	if runErr != nil {
		status = domain.JobStatusFailed
		event = domain.AuditJobFailed
		result = domain.FailureResult(runErr)
		log.Error("inference failed", "error", runErr)
	}

	entry, err := domain.NewAuditEntry(jobID, job.ClientID, event, map[string]any{
		"backend":     w.backend.Name(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		return err
	}
	// A failure here leaves the job in PROCESSING; nothing requeues it.
	job, err = w.jobs.TransitionJob(ctx, jobID, domain.JobStatusProcessing, status, result, &entry)
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	if w.metrics != nil {
		w.metrics.RecordJob(ctx, status, w.backend.Name(), time.Since(start))
	}
	log.Info("job finished", "status", status, "elapsed", time.Since(start))

	if err := w.queue.Ack(ctx, d); err != nil {
		log.Error("ack failed", "error", err)
	}

	if job.CallbackURL != "" {
		if err := w.notifier.SendWebhook(ctx, job.CallbackURL, jobID, job.Result); err != nil {
			log.Error("webhook delivery failed", "url", job.CallbackURL, "error", err)
		}
	}
	return nil
}

// execute runs the backend's three phases. A panic in any phase becomes a
// BackendError. Cleanup runs whenever a handle was produced.
func (w *Worker) execute(ctx context.Context, job domain.Job) (result json.RawMessage, err error) {
	var (
		handle   ports.ResourceHandle
		prepared bool
		phase    = "prepare"
	)
	defer func() {
		if r := recover(); r != nil {
			err = asBackendError(w.backend.Name(), phase, fmt.Errorf("panic: %v", r))
			result = nil
		}
		if !prepared {
			return
		}
		if cerr := w.backend.Cleanup(ctx, job.ID, handle); cerr != nil {
			w.logger.Warn("cleanup failed", "job_id", job.ID, "error", cerr)
		}
	}()

	handle, err = w.backend.PrepareResources(ctx, job.ID, job.TargetModelKey, job.InputBundle)
	if err != nil {
		return nil, asBackendError(w.backend.Name(), phase, err)
	}
	prepared = true
	phase = "run"

	result, err = w.backend.RunInference(ctx, job.ID, handle)
	if err != nil {
		return nil, asBackendError(w.backend.Name(), phase, err)
	}
	if !json.Valid(result) {
		return nil, asBackendError(w.backend.Name(), phase, errors.New("backend returned invalid JSON"))
	}
	return result, nil
}

func asBackendError(backend, phase string, err error) error {
	var be *domain.BackendError
	if errors.As(err, &be) {
		return err
	}
	return &domain.BackendError{Backend: backend, Phase: phase, Err: err}
}
