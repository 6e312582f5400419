package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

type workerFixture struct {
	worker   *Worker
	store    *memStore
	queue    *MockQueue
	backend  *MockBackend
	notifier *MockNotifier
	metrics  *countingMetrics
}

func newWorkerFixture() workerFixture {
	f := workerFixture{
		store:    newMemStore(),
		queue:    &MockQueue{},
		backend:  &MockBackend{},
		notifier: &MockNotifier{},
		metrics:  newCountingMetrics(),
	}
	f.worker = NewWorker(testLogger(), f.store, f.queue, f.backend, f.notifier, f.metrics, WorkerConfig{
		PollTimeout: 10 * time.Millisecond,
		ErrorPause:  time.Millisecond,
	})
	return f
}

func queuedJob(callback string) domain.Job {
	now := time.Now().UTC()
	return domain.Job{
		ID:             domain.NewJobID(),
		ClientID:       "hospital-a",
		Status:         domain.JobStatusQueued,
		TargetModelKey: "sepsis_prediction",
		InputBundle:    json.RawMessage(`{"resourceType":"Bundle"}`),
		CallbackURL:    callback,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func deliveryFor(job domain.Job) domain.Delivery {
	msg := domain.QueueMessage{JobID: job.ID, Attempt: 1}
	raw, _ := msg.Encode()
	return domain.Delivery{Message: msg, Raw: raw}
}

func TestProcessDelivery_Completed(t *testing.T) {
	f := newWorkerFixture()
	job := queuedJob("https://client.example/hook")
	f.store.put(job)
	d := deliveryFor(job)
	result := json.RawMessage(`{"diagnosis":"POSITIVE","confidence":0.98}`)

	f.backend.On("PrepareResources", mock.Anything, job.ID, "sepsis_prediction", job.InputBundle).Return("handle-1", nil)
	f.backend.On("RunInference", mock.Anything, job.ID, "handle-1").
		Run(func(mock.Arguments) {
			current, _ := f.store.GetJob(context.Background(), job.ID)
			assert.Equal(t, domain.JobStatusProcessing, current.Status)
		}).
		Return(result, nil)
	f.backend.On("Cleanup", mock.Anything, job.ID, "handle-1").Return(nil)
	f.queue.On("Ack", mock.Anything, d).Return(nil)
	f.notifier.On("SendWebhook", mock.Anything, "https://client.example/hook", job.ID, result).Return(nil)

	require.NoError(t, f.worker.ProcessDelivery(context.Background(), d))

	stored, _ := f.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.JSONEq(t, string(result), string(stored.Result))
	assert.Equal(t, []domain.AuditEventType{domain.AuditJobCompleted}, f.store.auditEvents())
	assert.Equal(t, 1, f.metrics.jobs[domain.JobStatusCompleted])

	f.backend.AssertExpectations(t)
	f.queue.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

func TestProcessDelivery_BackendFailure(t *testing.T) {
	f := newWorkerFixture()
	job := queuedJob("https://client.example/hook")
	f.store.put(job)
	d := deliveryFor(job)

	f.backend.On("PrepareResources", mock.Anything, job.ID, mock.Anything, mock.Anything).Return("h", nil)
	f.backend.On("RunInference", mock.Anything, job.ID, "h").Return(nil, errors.New("vm did not boot"))
	f.backend.On("Cleanup", mock.Anything, job.ID, "h").Return(nil)
	f.queue.On("Ack", mock.Anything, d).Return(nil)
	f.notifier.On("SendWebhook", mock.Anything, job.CallbackURL, job.ID, mock.Anything).Return(nil)

	require.NoError(t, f.worker.ProcessDelivery(context.Background(), d))

	stored, _ := f.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	var body map[string]string
	require.NoError(t, json.Unmarshal(stored.Result, &body))
	assert.Contains(t, body["error"], "vm did not boot")
	assert.Contains(t, body["error"], "mock backend run")

	f.backend.AssertCalled(t, "Cleanup", mock.Anything, job.ID, "h")
	f.notifier.AssertExpectations(t)
}

func TestProcessDelivery_PrepareFailureSkipsCleanup(t *testing.T) {
	f := newWorkerFixture()
	job := queuedJob("")
	f.store.put(job)
	d := deliveryFor(job)

	f.backend.On("PrepareResources", mock.Anything, job.ID, mock.Anything, mock.Anything).Return(nil, errors.New("no space left"))
	f.queue.On("Ack", mock.Anything, d).Return(nil)

	require.NoError(t, f.worker.ProcessDelivery(context.Background(), d))

	stored, _ := f.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	f.backend.AssertNotCalled(t, "RunInference", mock.Anything, mock.Anything, mock.Anything)
	f.backend.AssertNotCalled(t, "Cleanup", mock.Anything, mock.Anything, mock.Anything)
	f.notifier.AssertNotCalled(t, "SendWebhook", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessDelivery_PanicStillCleansUp(t *testing.T) {
	f := newWorkerFixture()
	job := queuedJob("")
	f.store.put(job)
	d := deliveryFor(job)

	f.backend.On("PrepareResources", mock.Anything, job.ID, mock.Anything, mock.Anything).Return("h", nil)
	f.backend.On("RunInference", mock.Anything, job.ID, "h").Run(func(mock.Arguments) { panic("segfault in model") })
	f.backend.On("Cleanup", mock.Anything, job.ID, "h").Return(nil)
	f.queue.On("Ack", mock.Anything, d).Return(nil)

	require.NoError(t, f.worker.ProcessDelivery(context.Background(), d))

	stored, _ := f.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, string(stored.Result), "segfault in model")
	f.backend.AssertCalled(t, "Cleanup", mock.Anything, job.ID, "h")
}

func TestProcessDelivery_PreparePanicFailsJob(t *testing.T) {
	f := newWorkerFixture()
	job := queuedJob("")
	f.store.put(job)
	d := deliveryFor(job)

	f.backend.On("PrepareResources", mock.Anything, job.ID, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("staging dir vanished") })
	f.queue.On("Ack", mock.Anything, d).Return(nil)

	require.NoError(t, f.worker.ProcessDelivery(context.Background(), d))

	stored, _ := f.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	var body map[string]string
	require.NoError(t, json.Unmarshal(stored.Result, &body))
	assert.Contains(t, body["error"], "staging dir vanished")
	assert.Contains(t, body["error"], "mock backend prepare")
	assert.Equal(t, []domain.AuditEventType{domain.AuditJobFailed}, f.store.auditEvents())

	f.backend.AssertNotCalled(t, "RunInference", mock.Anything, mock.Anything, mock.Anything)
	f.backend.AssertNotCalled(t, "Cleanup", mock.Anything, mock.Anything, mock.Anything)
	f.queue.AssertExpectations(t)
}

func TestProcessDelivery_MissingJobIsAbandoned(t *testing.T) {
	f := newWorkerFixture()
	d := deliveryFor(queuedJob(""))
	f.queue.On("Ack", mock.Anything, d).Return(nil)

	require.NoError(t, f.worker.ProcessDelivery(context.Background(), d))

	f.queue.AssertExpectations(t)
	f.backend.AssertNotCalled(t, "PrepareResources", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessDelivery_DuplicateDeliveryIsSkipped(t *testing.T) {
	f := newWorkerFixture()
	job := queuedJob("")
	job.Status = domain.JobStatusCompleted
	f.store.put(job)
	d := deliveryFor(job)
	f.queue.On("Ack", mock.Anything, d).Return(nil)

	require.NoError(t, f.worker.ProcessDelivery(context.Background(), d))

	stored, _ := f.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	f.backend.AssertNotCalled(t, "PrepareResources", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessDelivery_WebhookFailureKeepsStatus(t *testing.T) {
	f := newWorkerFixture()
	job := queuedJob("https://client.example/hook")
	f.store.put(job)
	d := deliveryFor(job)

	f.backend.On("PrepareResources", mock.Anything, job.ID, mock.Anything, mock.Anything).Return("h", nil)
	f.backend.On("RunInference", mock.Anything, job.ID, "h").Return(json.RawMessage(`{"ok":true}`), nil)
	f.backend.On("Cleanup", mock.Anything, job.ID, "h").Return(errors.New("already removed"))
	f.queue.On("Ack", mock.Anything, d).Return(nil)
	f.notifier.On("SendWebhook", mock.Anything, mock.Anything, job.ID, mock.Anything).
		Return(&domain.DeliveryError{URL: job.CallbackURL, Attempts: 3, Err: errors.New("503")})

	require.NoError(t, f.worker.ProcessDelivery(context.Background(), d))

	stored, _ := f.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
}

func TestProcessDelivery_StoreErrorLeavesMessageUnacked(t *testing.T) {
	f := newWorkerFixture()
	d := deliveryFor(queuedJob(""))

	failing := &failingRepo{memStore: f.store, err: errors.New("connection reset")}
	w := NewWorker(testLogger(), failing, f.queue, f.backend, f.notifier, nil, WorkerConfig{})

	err := w.ProcessDelivery(context.Background(), d)
	require.Error(t, err)
	f.queue.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
}

type failingRepo struct {
	*memStore
	err error
}

func (r *failingRepo) GetJob(context.Context, domain.JobID) (domain.Job, error) {
	return domain.Job{}, r.err
}

func TestWorkerRun_SurvivesErrorsAndStopsOnCancel(t *testing.T) {
	f := newWorkerFixture()
	job := queuedJob("")
	f.store.put(job)
	d := deliveryFor(job)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var polls atomic.Int32
	f.queue.On("Dequeue", mock.Anything, 10*time.Millisecond).Return(nil, errors.New("redis: i/o timeout")).Once()
	f.queue.On("Dequeue", mock.Anything, 10*time.Millisecond).Return(&d, nil).Once()
	f.queue.On("Dequeue", mock.Anything, 10*time.Millisecond).
		Run(func(mock.Arguments) {
			if polls.Add(1) >= 3 {
				cancel()
			}
		}).
		Return(nil, nil)
	f.queue.On("Ack", mock.Anything, d).Return(nil)
	f.backend.On("PrepareResources", mock.Anything, job.ID, mock.Anything, mock.Anything).Return("h", nil)
	f.backend.On("RunInference", mock.Anything, job.ID, "h").Return(json.RawMessage(`{"ok":true}`), nil)
	f.backend.On("Cleanup", mock.Anything, job.ID, "h").Return(nil)

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	stored, _ := f.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
}
