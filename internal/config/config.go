package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for toolgate.
type Config struct {
	// RootDir is the filesystem root for command/file operations.
	// If empty, toolgate picks a safe default (user home dir).
	RootDir string `json:"root_dir,omitempty"`

	// Shell is the shell command used for terminal sessions.
	// If empty, toolgate picks a default (SHELL or /bin/bash).
	Shell string `json:"shell,omitempty"`

	// AutoCloseTerminal closes the operator-visible terminal session once a
	// command invocation finalizes.
	AutoCloseTerminal bool `json:"auto_close_terminal,omitempty"`

	// SkipWriteAnimation disables incremental diff preview pushes during file
	// writes; the channel only sees a lightweight loading state instead.
	SkipWriteAnimation bool `json:"skip_write_animation,omitempty"`

	// AutoApproveWriteOnly auto-approves file writes while still gating
	// command execution behind the operator.
	AutoApproveWriteOnly bool `json:"auto_approve_write_only,omitempty"`

	// CommandTimeoutSeconds overrides the completion-vs-timeout race bound.
	// Zero means the built-in default (45 s).
	CommandTimeoutSeconds int `json:"command_timeout_seconds,omitempty"`

	// StoreDir holds the invocation journal. Empty disables the journal.
	StoreDir string `json:"store_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.CommandTimeoutSeconds < 0 {
		return errors.New("command_timeout_seconds must be >= 0")
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log_format: %q", c.LogFormat)
	}
	return nil
}

// Session is the per-invocation configuration snapshot handed to an engine.
//
// Engines never read global mutable state: the snapshot is taken once when the
// invocation starts and stays fixed for its lifetime.
type Session struct {
	Cwd                   string
	AutoCloseTerminal     bool
	SkipWriteAnimation    bool
	AutoApproveWriteOnly  bool
	CommandTimeoutSeconds int
}

// Snapshot freezes the engine-facing settings at invocation start.
func (c *Config) Snapshot(cwd string) Session {
	if c == nil {
		return Session{Cwd: strings.TrimSpace(cwd)}
	}
	cwd = strings.TrimSpace(cwd)
	if cwd == "" {
		cwd = strings.TrimSpace(c.RootDir)
	}
	return Session{
		Cwd:                   cwd,
		AutoCloseTerminal:     c.AutoCloseTerminal,
		SkipWriteAnimation:    c.SkipWriteAnimation,
		AutoApproveWriteOnly:  c.AutoApproveWriteOnly,
		CommandTimeoutSeconds: c.CommandTimeoutSeconds,
	}
}

// DefaultConfigPath returns the default config path:
//
//	~/.toolgate/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "toolgate.config.json"
	}
	return filepath.Join(home, ".toolgate", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
