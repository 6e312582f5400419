package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Webhook.MaxAttempts)
	assert.Equal(t, 5, cfg.Webhook.TimeoutSeconds)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.API.Bind)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clinisandbox.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment = "development"

[database]
driver = "POSTGRES"
dsn = "postgres://localhost/clini?sslmode=disable"

[queue]
backend = "redis"
redis_addr = "redis:6379"

[worker]
concurrency = 4
backend = "firecracker"

[backend.firecracker]
kernel_path = "/opt/vmlinux"
`), 0o644))

	t.Setenv("CLINISANDBOX_WEBHOOK_SECRET", "whsec-from-env")
	t.Setenv("CLINISANDBOX_REDIS_DB", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, "redis:6379", cfg.Queue.RedisAddr)
	assert.Equal(t, 2, cfg.Queue.RedisDB)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, "/opt/vmlinux", cfg.Backend.Firecracker.KernelPath)
	assert.Equal(t, "/var/lib/clinisandbox/rootfs.ext4", cfg.Backend.Firecracker.RootfsPath)
	assert.Equal(t, "whsec-from-env", cfg.Webhook.Secret)
}

func TestLoad_BadEnvNumber(t *testing.T) {
	t.Setenv("CLINISANDBOX_WORKER_CONCURRENCY", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "CLINISANDBOX_WORKER_CONCURRENCY")
}

func TestLoad_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[api\nbind = "), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"redis without addr", func(c *Config) { c.Queue.Backend = "redis"; c.Queue.RedisAddr = "" }, "redis_addr"},
		{"unknown backend", func(c *Config) { c.Worker.Backend = "lambda" }, "worker.backend"},
		{"docker without image", func(c *Config) { c.Worker.Backend = "docker"; c.Backend.Docker.Image = "" }, "backend.docker.image"},
		{"inverted waits", func(c *Config) { c.Webhook.MinWaitMillis = 5000; c.Webhook.MaxWaitMillis = 10 }, "wait bounds"},
		{"too many webhook attempts", func(c *Config) { c.Webhook.MaxAttempts = 5 }, "webhook.max_attempts"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"production dev secret", func(c *Config) { c.Environment = EnvProduction }, "webhook.secret"},
		{"production without data key", func(c *Config) {
			c.Environment = EnvProduction
			c.Webhook.Secret = "real-secret"
		}, "security.data_key"},
		{"production simulated", func(c *Config) {
			c.Environment = EnvProduction
			c.Webhook.Secret = "real-secret"
			c.Security.DataKey = "k"
		}, "simulated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSample_Parses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	require.NoError(t, os.WriteFile(path, []byte(Sample), 0o644))
	_, err := Load(path)
	require.NoError(t, err)
}
