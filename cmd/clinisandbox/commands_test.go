package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "clinisandbox.toml")
	body := `environment = "development"

[database]
driver = "sqlite"
dsn = "` + filepath.ToSlash(filepath.Join(dir, "cli.db")) + `"

[logging]
format = "json"
level = "error"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "clinisandbox.toml")

	out, err := runCLI(t, "config", "init", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[webhook]")

	_, err = runCLI(t, "config", "init", "--path", path)
	assert.ErrorContains(t, err, "already exists")

	_, err = runCLI(t, "config", "init", "--path", path, "--overwrite")
	assert.NoError(t, err)
}

func TestMigrateAndModels(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCLI(t, "-c", cfgPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema at version 1")

	out, err = runCLI(t, "-c", cfgPath, "models", "import", filepath.Join("..", "..", "models.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 model(s)")

	out, err = runCLI(t, "-c", cfgPath, "models", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "sepsis")
	assert.Contains(t, out, "pneumonia")
	assert.Contains(t, out, "0.880")

	_, err = runCLI(t, "-c", cfgPath, "models", "import")
	assert.ErrorContains(t, err, "no seed file")
}

func TestJobsCommands_EmptyStore(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCLI(t, "-c", cfgPath, "jobs", "list", "--status", "PROCESSING", "--older-than", "10m")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found")

	_, err = runCLI(t, "-c", cfgPath, "jobs", "list", "--status", "STUCK")
	assert.ErrorContains(t, err, "unknown status")

	out, err = runCLI(t, "-c", cfgPath, "jobs", "report")
	require.NoError(t, err)
	assert.Contains(t, out, "TOTAL")
}

func TestQueueInflight_RequiresRedis(t *testing.T) {
	cfgPath := writeTestConfig(t)
	_, err := runCLI(t, "-c", cfgPath, "queue", "inflight")
	assert.ErrorContains(t, err, "redis backend")
}

func TestRenderTable(t *testing.T) {
	out := renderTable(
		[]string{"Status", "Jobs"},
		[][]string{{"QUEUED", "2"}, {"FAILED"}},
		[]columnAlignment{alignLeft, alignRight},
	)
	lines := strings.Split(out, "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "╭"))
	assert.Contains(t, out, "QUEUED")
	assert.Contains(t, out, "FAILED")

	assert.Empty(t, renderTable(nil, nil, nil))
}
