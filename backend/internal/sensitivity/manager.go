package sensitivity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	apperrors "toolswitch-bot/backend/pkg/errors"
	"toolswitch-bot/backend/pkg/logger"
)

// Manager owns the live Config. Readers call Current without locking;
// writers build a fresh Config and swap the pointer.
type Manager struct {
	current atomic.Pointer[Config]
	path    string
	writeMu sync.Mutex // serializes Set/Reload so concurrent edits don't drop each other
	logger  *zap.Logger
}

// NewManager creates a manager seeded with cfg (Default() when nil). path is
// the rules file used by Reload and written by Set; it may be empty.
func NewManager(cfg *Config, path string, log *zap.Logger) *Manager {
	if cfg == nil {
		cfg = Default()
	}
	m := &Manager{path: path, logger: logger.OrNop(log)}
	m.current.Store(cfg)
	return m
}

// Open loads the rules file at path. A missing file falls back to the
// built-in defaults; rule-level problems are logged and the affected tools
// stay disabled.
func Open(path string, log *zap.Logger) (*Manager, error) {
	m := NewManager(nil, path, log)
	if path == "" {
		return m, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("Sensitivity file not found, using built-in rules", zap.String("path", path))
		return m, nil
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the active config. The result must be treated as read-only.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Path returns the backing rules file, if any
func (m *Manager) Path() string {
	return m.path
}

// Replace installs cfg as the active config
func (m *Manager) Replace(cfg *Config) {
	if cfg == nil {
		return
	}
	m.current.Store(cfg)
	m.logger.Info("Sensitivity rules installed",
		zap.Int("tools", len(cfg.Tools)),
		zap.Bool("detection_enabled", cfg.Global.Enabled),
	)
}

// Reload re-reads the rules file. An undecodable file leaves the current
// config in place and returns the error; per-rule problems are logged.
func (m *Manager) Reload() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.reloadLocked()
}

func (m *Manager) reloadLocked() error {
	if m.path == "" {
		return nil
	}
	cfg, err := LoadFile(m.path)
	if cfg == nil {
		m.logger.Error("Failed to load sensitivity rules, keeping previous rules",
			zap.String("path", m.path),
			zap.Error(err),
		)
		return err
	}
	logProblems(m.logger, err)
	m.Replace(cfg)
	return nil
}

// Set changes one field of a tool rule (or of the global section when
// target is "global") and installs the result. Invalid values are rejected
// with a ConfigurationError and leave the active config untouched. When the
// manager has a path, the new rules are written back to it.
func (m *Manager) Set(target, field, value string) (*Config, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	raw := toRaw(m.Current())
	if err := applyField(&raw, target, field, value); err != nil {
		return nil, err
	}
	cfg, problems := build(raw)
	if len(problems) > 0 {
		var cfgErr *apperrors.ConfigurationError
		if errors.As(problems[0], &cfgErr) {
			return nil, cfgErr
		}
		return nil, problems[0]
	}

	m.Replace(cfg)
	m.logger.Info("Sensitivity rule updated",
		zap.String("target", target),
		zap.String("field", field),
		zap.String("value", value),
	)

	if m.path != "" {
		if err := writeFile(m.path, cfg); err != nil {
			// The in-memory rules are already live; the file catches up on the next successful write.
			m.logger.Warn("Failed to write sensitivity rules", zap.String("path", m.path), zap.Error(err))
		}
	}
	return cfg, nil
}

func writeFile(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sensitivity-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func logProblems(log *zap.Logger, err error) {
	if err == nil {
		return
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		log.Warn("Sensitivity rule problem", zap.Error(err))
		return
	}
	for _, e := range joined.Unwrap() {
		log.Warn("Sensitivity rule disabled", zap.Error(e))
	}
}
