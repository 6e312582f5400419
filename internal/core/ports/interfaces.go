package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

// JobRepository is the single source of truth for job state.
type JobRepository interface {
	// CreateJob persists a QUEUED job and its admission audit entry atomically.
	CreateJob(ctx context.Context, job domain.Job, audit domain.AuditEntry) error

	// GetJob returns domain.ErrJobNotFound when the id is unknown.
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)

	// TransitionJob moves a job from one status to another in a single commit.
	// The update only applies while the stored status equals from; otherwise
	// domain.ErrTransitionConflict is returned. A nil result leaves the stored
	// result untouched. audit, when non-nil, is written in the same transaction.
	TransitionJob(ctx context.Context, id domain.JobID, from, to domain.JobStatus, result json.RawMessage, audit *domain.AuditEntry) (domain.Job, error)

	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
}

// AuditRecorder appends decision records.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, entry domain.AuditEntry) error
	ListAudit(ctx context.Context, jobID domain.JobID) ([]domain.AuditEntry, error)
}

// ManifestRegistry resolves the manifest serving a diagnostic target.
type ManifestRegistry interface {
	// ResolveModel returns *domain.UnknownTargetError when nothing is
	// registered for target and domain.ErrCorruptManifest when the stored
	// manifest cannot be decoded.
	ResolveModel(ctx context.Context, target string) (domain.DiagnosticModel, error)
}

// DispatchQueue is the at-least-once handoff between admission and workers.
type DispatchQueue interface {
	Enqueue(ctx context.Context, msg domain.QueueMessage) error

	// Dequeue blocks for at most wait. It returns (nil, nil) on timeout.
	Dequeue(ctx context.Context, wait time.Duration) (*domain.Delivery, error)

	// Ack releases a delivery once its job reached a terminal state or was
	// abandoned.
	Ack(ctx context.Context, d domain.Delivery) error
}

// ResourceHandle is whatever a backend staged for one job.
type ResourceHandle any

// ExecutionBackend runs inference for one job in three phases. Cleanup is
// always called once PrepareResources returned a handle.
type ExecutionBackend interface {
	Name() string
	PrepareResources(ctx context.Context, jobID domain.JobID, modelRef string, input json.RawMessage) (ResourceHandle, error)
	RunInference(ctx context.Context, jobID domain.JobID, handle ResourceHandle) (json.RawMessage, error)
	Cleanup(ctx context.Context, jobID domain.JobID, handle ResourceHandle) error
}

// ResultNotifier delivers signed results to client callbacks.
type ResultNotifier interface {
	SendWebhook(ctx context.Context, url string, jobID domain.JobID, result json.RawMessage) error
}

// Metrics receives service-level measurements. Implementations must be safe
// for concurrent use.
type Metrics interface {
	RecordAdmission(ctx context.Context, outcome string)
	RecordJob(ctx context.Context, status domain.JobStatus, backend string, elapsed time.Duration)
	RecordWebhookAttempt(ctx context.Context, ok bool)
}
