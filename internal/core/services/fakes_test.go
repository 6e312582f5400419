package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
	"github.com/manthysbr/clinisandbox/internal/core/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory JobRepository and AuditRecorder with the same
// compare-and-set semantics as the SQL store.
type memStore struct {
	mu        sync.Mutex
	jobs      map[domain.JobID]domain.Job
	audit     []domain.AuditEntry
	auditErr  error
	createErr error
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[domain.JobID]domain.Job)}
}

func (s *memStore) CreateJob(_ context.Context, job domain.Job, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.jobs[job.ID] = job
	s.audit = append(s.audit, entry)
	return nil
}

func (s *memStore) GetJob(_ context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *memStore) TransitionJob(_ context.Context, id domain.JobID, from, to domain.JobStatus, result json.RawMessage, entry *domain.AuditEntry) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if job.Status != from || !from.CanTransition(to) {
		return domain.Job{}, domain.ErrTransitionConflict
	}
	job.Status = to
	if result != nil {
		job.Result = result
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	if entry != nil {
		s.audit = append(s.audit, *entry)
	}
	return job, nil
}

func (s *memStore) ListJobs(_ context.Context, _ domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *memStore) RecordAudit(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditErr != nil {
		return s.auditErr
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *memStore) ListAudit(_ context.Context, jobID domain.JobID) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.audit {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) auditEvents() []domain.AuditEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEventType, 0, len(s.audit))
	for _, e := range s.audit {
		out = append(out, e.EventType)
	}
	return out
}

func (s *memStore) put(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

type staticRegistry map[string]domain.DiagnosticModel

func (r staticRegistry) ResolveModel(_ context.Context, target string) (domain.DiagnosticModel, error) {
	m, ok := r[target]
	if !ok {
		return domain.DiagnosticModel{}, &domain.UnknownTargetError{Target: target}
	}
	return m, nil
}

type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(ctx context.Context, msg domain.QueueMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockQueue) Dequeue(ctx context.Context, wait time.Duration) (*domain.Delivery, error) {
	args := m.Called(ctx, wait)
	d, _ := args.Get(0).(*domain.Delivery)
	return d, args.Error(1)
}

func (m *MockQueue) Ack(ctx context.Context, d domain.Delivery) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) PrepareResources(ctx context.Context, jobID domain.JobID, modelRef string, input json.RawMessage) (ports.ResourceHandle, error) {
	args := m.Called(ctx, jobID, modelRef, input)
	return args.Get(0), args.Error(1)
}

func (m *MockBackend) RunInference(ctx context.Context, jobID domain.JobID, handle ports.ResourceHandle) (json.RawMessage, error) {
	args := m.Called(ctx, jobID, handle)
	raw, _ := args.Get(0).(json.RawMessage)
	return raw, args.Error(1)
}

func (m *MockBackend) Cleanup(ctx context.Context, jobID domain.JobID, handle ports.ResourceHandle) error {
	args := m.Called(ctx, jobID, handle)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendWebhook(ctx context.Context, url string, jobID domain.JobID, result json.RawMessage) error {
	args := m.Called(ctx, url, jobID, result)
	return args.Error(0)
}

type countingMetrics struct {
	mu         sync.Mutex
	admissions map[string]int
	jobs       map[domain.JobStatus]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{admissions: map[string]int{}, jobs: map[domain.JobStatus]int{}}
}

func (c *countingMetrics) RecordAdmission(_ context.Context, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admissions[outcome]++
}

func (c *countingMetrics) RecordJob(_ context.Context, status domain.JobStatus, _ string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[status]++
}

func (c *countingMetrics) RecordWebhookAttempt(context.Context, bool) {}
