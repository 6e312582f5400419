package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
	"github.com/manthysbr/clinisandbox/internal/core/ports"
)

type AdmissionOutcome string

const (
	OutcomeQueued              AdmissionOutcome = "QUEUED"
	OutcomeNegotiationRequired AdmissionOutcome = "NEGOTIATION_REQUIRED"
)

// AdmissionRequest is one inbound diagnose call.
type AdmissionRequest struct {
	ClientID        string
	TargetDiagnosis string
	CallbackURL     string
	ClinicalBundle  json.RawMessage
}

// Admission is the non-error result of Submit. Job is set when queued,
// Missing when negotiation is required.
type Admission struct {
	Outcome AdmissionOutcome
	Job     domain.Job
	Missing []domain.Requirement
}

// compensationTimeout bounds the FAILED write after a dispatch error, which
// runs detached from the request context.
const compensationTimeout = 5 * time.Second

type AdmissionService struct {
	logger   *slog.Logger
	registry ports.ManifestRegistry
	jobs     ports.JobRepository
	audit    ports.AuditRecorder
	queue    ports.DispatchQueue
	metrics  ports.Metrics
}

func NewAdmissionService(
	logger *slog.Logger,
	registry ports.ManifestRegistry,
	jobs ports.JobRepository,
	audit ports.AuditRecorder,
	queue ports.DispatchQueue,
	metrics ports.Metrics,
) *AdmissionService {
	return &AdmissionService{
		logger:   logger.With("component", "admission"),
		registry: registry,
		jobs:     jobs,
		audit:    audit,
		queue:    queue,
		metrics:  metrics,
	}
}

// Submit resolves the target manifest, runs gap analysis and either records
// a negotiation decision or persists and dispatches a new job.
func (s *AdmissionService) Submit(ctx context.Context, req AdmissionRequest) (Admission, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return Admission{}, fmt.Errorf("%w: client_id is required", domain.ErrInvalidRequest)
	}

	model, err := s.registry.ResolveModel(ctx, req.TargetDiagnosis)
	if err != nil {
		s.record(ctx, "rejected")
		return Admission{}, err
	}

	gap, err := AnalyzeGap(req.ClinicalBundle, model.Manifest)
	if err != nil {
		s.record(ctx, "rejected")
		return Admission{}, err
	}

	if !gap.Ready {
		s.logger.Info("negotiation required",
			"client_id", req.ClientID,
			"target", req.TargetDiagnosis,
			"missing", len(gap.Missing),
		)
		s.recordNegotiation(ctx, req, gap.Missing)
		s.record(ctx, string(OutcomeNegotiationRequired))
		return Admission{Outcome: OutcomeNegotiationRequired, Missing: gap.Missing}, nil
	}

	job, err := s.createJob(ctx, req, model)
	if err != nil {
		s.record(ctx, "error")
		return Admission{}, err
	}

	if err := s.queue.Enqueue(ctx, domain.QueueMessage{JobID: job.ID, Attempt: 1}); err != nil {
		s.failDispatch(ctx, job, err)
		s.record(ctx, "dispatch_failed")
		return Admission{}, &domain.DispatchError{JobID: job.ID, Err: err}
	}

	s.logger.Info("job queued", "job_id", job.ID, "client_id", job.ClientID, "target", job.TargetModelKey)
	s.record(ctx, string(OutcomeQueued))
	return Admission{Outcome: OutcomeQueued, Job: job}, nil
}

func (s *AdmissionService) createJob(ctx context.Context, req AdmissionRequest, model domain.DiagnosticModel) (domain.Job, error) {
	// The store keeps microsecond precision; the 202 body must match later reads.
	now := time.Now().UTC().Truncate(time.Microsecond)
	job := domain.Job{
		ID:             domain.NewJobID(),
		ClientID:       req.ClientID,
		Status:         domain.JobStatusQueued,
		TargetModelKey: req.TargetDiagnosis,
		InputBundle:    req.ClinicalBundle,
		CallbackURL:    strings.TrimSpace(req.CallbackURL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	entry, err := domain.NewAuditEntry(job.ID, job.ClientID, domain.AuditAccepted, map[string]string{
		"target":        req.TargetDiagnosis,
		"model_version": model.Version,
	})
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.jobs.CreateJob(ctx, job, entry); err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// recordNegotiation writes the audit entry for a rejected request. Failures
// are logged only; the negotiation outcome is returned regardless.
func (s *AdmissionService) recordNegotiation(ctx context.Context, req AdmissionRequest, missing []domain.Requirement) {
	details := domain.NegotiationDetails{
		ClientID: req.ClientID,
		Target:   req.TargetDiagnosis,
		Missing:  make([]domain.MissingDetail, 0, len(missing)),
	}
	for _, m := range missing {
		details.Missing = append(details.Missing, domain.MissingDetail{Code: m.Code, Display: m.Display})
	}
	entry, err := domain.NewAuditEntry("", req.ClientID, domain.AuditNegotiationRequired, details)
	if err == nil {
		err = s.audit.RecordAudit(ctx, entry)
	}
	if err != nil {
		s.logger.Error("failed to record negotiation audit", "client_id", req.ClientID, "error", err)
	}
}

// failDispatch marks a persisted job FAILED so it is never left QUEUED
// without a queue entry.
func (s *AdmissionService) failDispatch(ctx context.Context, job domain.Job, cause error) {
	s.logger.Error("dispatch failed", "job_id", job.ID, "error", cause)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	entry, err := domain.NewAuditEntry(job.ID, job.ClientID, domain.AuditDispatchFailed, map[string]string{"error": cause.Error()})
	if err != nil {
		s.logger.Error("failed to build dispatch audit", "job_id", job.ID, "error", err)
		return
	}
	if _, err := s.jobs.TransitionJob(ctx, job.ID, domain.JobStatusQueued, domain.JobStatusFailed, domain.FailureResult(cause), &entry); err != nil {
		if errors.Is(err, domain.ErrTransitionConflict) {
			// A worker already picked it up from a partially failed enqueue.
			s.logger.Warn("job moved on before dispatch failure was recorded", "job_id", job.ID)
			return
		}
		s.logger.Error("failed to mark job FAILED after dispatch error", "job_id", job.ID, "error", err)
	}
}

func (s *AdmissionService) record(ctx context.Context, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordAdmission(ctx, outcome)
	}
}
