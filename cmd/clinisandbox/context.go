package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/manthysbr/clinisandbox/internal/adapters/sqlstore"
	"github.com/manthysbr/clinisandbox/internal/config"
	"github.com/manthysbr/clinisandbox/internal/logging"
)

type commandContext struct {
	configFlag *string

	once      sync.Once
	config    *config.Config
	logger    *slog.Logger
	configErr error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// ensureConfig loads the configuration and installs the process logger.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.once.Do(func() {
		path := strings.TrimSpace(*c.configFlag)
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = fmt.Errorf("load config %s: %w", path, err)
			return
		}
		cfg.Version = version

		logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		if err != nil {
			c.configErr = err
			return
		}
		slog.SetDefault(logger)

		c.config = cfg
		c.logger = logger.With("environment", cfg.Environment, "version", version)
	})
	return c.config, c.configErr
}

// openStore connects to the configured database and applies migrations.
func (c *commandContext) openStore(ctx context.Context) (*sqlstore.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	opts := sqlstore.Options{
		Dialect:      sqlstore.Dialect(cfg.Database.Driver),
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}
	if cfg.Security.DataKey != "" {
		key, err := config.NewDataKey(cfg.Security.DataKey)
		if err != nil {
			return nil, fmt.Errorf("init data key: %w", err)
		}
		opts.Cipher = key
	}

	store, err := sqlstore.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	c.logger.Info("job store ready", "driver", cfg.Database.Driver, "encrypted", opts.Cipher != nil)
	return store, nil
}
