package config

import (
	"errors"
	"fmt"
	"strings"
)

// MaxWebhookAttempts caps result delivery: the first try plus two retries.
const MaxWebhookAttempts = 3

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateEnvironment,
		c.validateDatabase,
		c.validateQueue,
		c.validateWorker,
		c.validateWebhook,
		c.validateLogging,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateEnvironment() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction, "test":
	default:
		return fmt.Errorf("environment %q must be development, test or production", c.Environment)
	}
	if !c.IsProduction() {
		return nil
	}
	if c.Webhook.Secret == devWebhookSecret {
		return errors.New("webhook.secret must be set (CLINISANDBOX_WEBHOOK_SECRET) in production")
	}
	if strings.TrimSpace(c.Security.DataKey) == "" {
		return errors.New("security.data_key must be set (CLINISANDBOX_DATA_KEY) in production")
	}
	if c.Worker.Backend == "simulated" {
		return errors.New("worker.backend simulated is not allowed in production")
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "duckdb":
	default:
		return fmt.Errorf("database.driver %q must be sqlite, postgres or duckdb", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn must be set")
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Queue.RedisAddr) == "" {
			return errors.New("queue.redis_addr must be set when queue.backend is redis")
		}
	default:
		return fmt.Errorf("queue.backend %q must be memory or redis", c.Queue.Backend)
	}
	if strings.TrimSpace(c.Queue.Name) == "" {
		return errors.New("queue.name must be set")
	}
	return nil
}

func (c *Config) validateWorker() error {
	switch c.Worker.Backend {
	case "simulated":
		if c.Backend.Simulated.DelayMillis < 0 {
			return errors.New("backend.simulated.delay_ms must not be negative")
		}
	case "firecracker":
		fc := c.Backend.Firecracker
		if fc.KernelPath == "" || fc.RootfsPath == "" || fc.WorkDir == "" {
			return errors.New("backend.firecracker kernel_path, rootfs_path and work_dir must be set")
		}
	case "docker":
		if strings.TrimSpace(c.Backend.Docker.Image) == "" {
			return errors.New("backend.docker.image must be set")
		}
	default:
		return fmt.Errorf("worker.backend %q must be simulated, firecracker or docker", c.Worker.Backend)
	}
	return nil
}

func (c *Config) validateWebhook() error {
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		return errors.New("webhook.secret must be set")
	}
	if c.Webhook.TimeoutSeconds <= 0 {
		return errors.New("webhook.timeout_seconds must be positive")
	}
	if c.Webhook.MaxAttempts < 1 || c.Webhook.MaxAttempts > MaxWebhookAttempts {
		return fmt.Errorf("webhook.max_attempts must be between 1 and %d", MaxWebhookAttempts)
	}
	if c.Webhook.MinWaitMillis < 0 || c.Webhook.MaxWaitMillis < c.Webhook.MinWaitMillis {
		return errors.New("webhook wait bounds must satisfy 0 <= min_wait_ms <= max_wait_ms")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be auto, json or text", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	return nil
}
