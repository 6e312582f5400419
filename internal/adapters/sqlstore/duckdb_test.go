package sqlstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

func openDuckDBStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Options{
		Dialect: DialectDuckDB,
		DSN:     filepath.Join(t.TempDir(), "clinisandbox.duckdb"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDuckDB_JobLifecycle(t *testing.T) {
	store := openDuckDBStore(t)
	ctx := context.Background()
	job, entry := newJob(t)
	require.NoError(t, store.CreateJob(ctx, job, entry))

	processing, err := store.TransitionJob(ctx, job.ID, domain.JobStatusQueued, domain.JobStatusProcessing, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, processing.Status)

	done, err := domain.NewAuditEntry(job.ID, job.ClientID, domain.AuditJobCompleted, map[string]string{"backend": "simulated"})
	require.NoError(t, err)
	completed, err := store.TransitionJob(ctx, job.ID, domain.JobStatusProcessing, domain.JobStatusCompleted,
		json.RawMessage(`{"diagnosis":"POSITIVE"}`), &done)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, completed.Status)
	assert.JSONEq(t, `{"diagnosis":"POSITIVE"}`, string(completed.Result))

	byTarget, err := store.CountByTarget(ctx)
	require.NoError(t, err)
	require.Len(t, byTarget, 1)
	assert.Equal(t, TargetStatusCount{Target: job.TargetModelKey, Status: domain.JobStatusCompleted, Count: 1}, byTarget[0])

	trail, err := store.ListAudit(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestDuckDB_ModelUpsert(t *testing.T) {
	store := openDuckDBStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertModel(ctx, sepsisModel("1.0.0", 0.88)))
	require.NoError(t, store.UpsertModel(ctx, sepsisModel("1.0.0", 0.95)))

	model, err := store.ResolveModel(ctx, "sepsis_prediction")
	require.NoError(t, err)
	assert.InDelta(t, 0.95, model.Accuracy, 1e-9)
}

func TestSupportsStatement(t *testing.T) {
	duck := New(nil, DialectDuckDB, nil)
	assert.False(t, duck.supportsStatement("CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs (status, updated_at)"))
	assert.True(t, duck.supportsStatement("CREATE INDEX IF NOT EXISTS idx_audit_job ON audit_log (job_id, created_at)"))
	assert.True(t, duck.supportsStatement("CREATE TABLE IF NOT EXISTS jobs (id TEXT PRIMARY KEY)"))

	lite := New(nil, DialectSQLite, nil)
	assert.True(t, lite.supportsStatement("CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs (status, updated_at)"))
}
