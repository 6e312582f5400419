// Package kernel is the HTTP surface of the accepting service.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
	"github.com/manthysbr/clinisandbox/internal/core/services"
)

const maxRequestBody = 10 << 20

type Admitter interface {
	Submit(ctx context.Context, req services.AdmissionRequest) (services.Admission, error)
}

type JobReader interface {
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
}

type AuditReader interface {
	ListAudit(ctx context.Context, jobID domain.JobID) ([]domain.AuditEntry, error)
}

// Pinger reports whether the job store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Version        string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
}

type Server struct {
	logger    *slog.Logger
	opts      Options
	admission Admitter
	jobs      JobReader
	audit     AuditReader
	health    Pinger
}

// NewServer wires the handlers. health may be nil.
func NewServer(logger *slog.Logger, opts Options, admission Admitter, jobs JobReader, audit AuditReader, health Pinger) *Server {
	return &Server{
		logger:    logger.With("component", "api"),
		opts:      opts,
		admission: admission,
		jobs:      jobs,
		audit:     audit,
		health:    health,
	}
}

// Handler returns the routed and validated API with its middleware chain.
func (s *Server) Handler() (http.Handler, error) {
	doc, err := LoadSpec()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method, path string
		handler      http.HandlerFunc
	}{
		{http.MethodPost, "/v1/diagnose", s.handleDiagnose},
		{http.MethodGet, "/v1/jobs/{job_id}", s.handleGetJob},
		{http.MethodGet, "/v1/jobs/{job_id}/audit", s.handleGetJobAudit},
		{http.MethodGet, "/health", s.handleHealth},
	}

	mux := http.NewServeMux()
	for _, rt := range routes {
		v, err := newRequestValidator(doc, rt.path, rt.method)
		if err != nil {
			return nil, err
		}
		mux.HandleFunc(rt.method+" "+rt.path, v.wrap(rt.handler))
	}
	mux.HandleFunc("GET /v1/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, doc)
	})

	var h http.Handler = mux
	if s.opts.RateLimitRPS > 0 {
		h = newIPRateLimiter(s.opts.RateLimitRPS, s.opts.RateLimitBurst).middleware(h)
	}
	h = corsHandler(s.opts.CORSOrigins, h)
	h = recoverer(s.logger, h)
	return requestLogger(s.logger, h), nil
}

type diagnoseRequest struct {
	ClientID        string          `json:"client_id"`
	TargetDiagnosis string          `json:"target_diagnosis"`
	CallbackURL     *string         `json:"callback_url,omitempty"`
	ClinicalBundle  json.RawMessage `json:"clinical_bundle"`
}

type jobAccepted struct {
	JobID     domain.JobID     `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

type negotiationRequired struct {
	Status      string               `json:"status"`
	Message     string               `json:"message"`
	MissingData []domain.Requirement `json:"missing_data"`
}

type jobStatus struct {
	JobID     domain.JobID     `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	Result    json.RawMessage  `json:"result"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type auditTrail struct {
	JobID   domain.JobID        `json:"job_id"`
	Entries []domain.AuditEntry `json:"entries"`
}

// POST /v1/diagnose
func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	var req diagnoseRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
		return
	}

	in := services.AdmissionRequest{
		ClientID:        req.ClientID,
		TargetDiagnosis: req.TargetDiagnosis,
		ClinicalBundle:  req.ClinicalBundle,
	}
	if req.CallbackURL != nil {
		in.CallbackURL = *req.CallbackURL
	}

	s.logger.Info("diagnosis request received",
		"request_id", RequestID(r.Context()),
		"client_id", req.ClientID,
		"target", req.TargetDiagnosis,
	)

	adm, err := s.admission.Submit(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch adm.Outcome {
	case services.OutcomeNegotiationRequired:
		writeJSON(w, http.StatusConflict, negotiationRequired{
			Status:      string(services.OutcomeNegotiationRequired),
			Message:     "Insufficient clinical data for this model.",
			MissingData: adm.Missing,
		})
	default:
		writeJSON(w, http.StatusAccepted, jobAccepted{
			JobID:     adm.Job.ID,
			Status:    adm.Job.Status,
			CreatedAt: adm.Job.CreatedAt,
		})
	}
}

// GET /v1/jobs/{job_id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := bindJobID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatus{
		JobID:     job.ID,
		Status:    job.Status,
		Result:    job.Result,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	})
}

// GET /v1/jobs/{job_id}/audit
func (s *Server) handleGetJobAudit(w http.ResponseWriter, r *http.Request) {
	id, err := bindJobID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.jobs.GetJob(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.audit.ListAudit(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditTrail{JobID: id, Entries: entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok", "version": s.opts.Version}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			body["status"] = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func bindJobID(r *http.Request) (domain.JobID, error) {
	var raw string
	err := runtime.BindStyledParameterWithOptions("simple", "job_id", r.PathValue("job_id"), &raw, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: job_id: %v", domain.ErrInvalidRequest, err)
	}
	id, err := domain.ParseJobID(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return id, nil
}
