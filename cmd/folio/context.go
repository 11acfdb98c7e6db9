package main

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"folio/internal/audible"
	"folio/internal/config"
	"folio/internal/logging"
	"folio/internal/session"
)

// commandContext lazily builds the shared dependencies commands need. The
// config is loaded once; everything else derives from it.
type commandContext struct {
	configFlag *string

	mu       sync.Mutex
	cfg      *config.Config
	cfgPath  string
	logger   *slog.Logger
	sessions *session.Manager
	client   *audible.Client
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConfigLocked()
}

func (c *commandContext) ensureConfigLocked() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	cfg, resolvedPath, _, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.cfgPath = resolvedPath
	c.logger = logger
	return cfg, nil
}

func (c *commandContext) log() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logger == nil {
		return logging.NewNop()
	}
	return c.logger
}

func (c *commandContext) sessionManager() (*session.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions != nil {
		return c.sessions, nil
	}
	cfg, err := c.ensureConfigLocked()
	if err != nil {
		return nil, err
	}
	vault := session.NewFileVault(cfg.VaultDir())
	store := session.NewEncryptedFileStore(cfg.SessionPath(), vault)
	c.sessions = session.NewManager(store, session.WithLogger(c.logger))
	return c.sessions, nil
}

func (c *commandContext) apiClient() (*audible.Client, error) {
	c.mu.Lock()
	if c.client != nil {
		defer c.mu.Unlock()
		return c.client, nil
	}
	c.mu.Unlock()

	sessions, err := c.sessionManager()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		c.client = audible.New(sessions, audible.WithLogger(c.logger))
	}
	return c.client, nil
}

// requireSession fails with a friendly message when no login exists.
func (c *commandContext) requireSession() (*session.Manager, error) {
	sessions, err := c.sessionManager()
	if err != nil {
		return nil, err
	}
	if _, err := sessions.Snapshot(); err != nil {
		return nil, fmt.Errorf("no active session, run \"folio login\" first: %w", err)
	}
	return sessions, nil
}
