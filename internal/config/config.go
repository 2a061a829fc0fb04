// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	HomeDir      string `yaml:"-"`
	PagepatchDir string `yaml:"-"`
	LogDir       string `yaml:"-"`

	// Port is the WebSocket listen port. 0 picks a free port.
	Port int `yaml:"port"`

	// ProjectDir is the default target project directory. Batches may
	// override it per request.
	ProjectDir string `yaml:"project_dir"`

	// Agent is the default agent backend name ("claude", "codex", "gemini")
	Agent string `yaml:"agent"`

	// AuthKey, when set, is required on every WebSocket upgrade
	AuthKey string `yaml:"auth_key"`

	// WatchdogSeconds bounds how long a provider turn may stay silent
	WatchdogSeconds int `yaml:"watchdog_seconds"`
}

// DefaultWatchdogSeconds is the provider silence budget per turn.
const DefaultWatchdogSeconds = 120

// Load resolves paths, reads the optional config file and applies
// environment overrides, in that order.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	pagepatchDir := filepath.Join(home, ".pagepatch")
	logDir := filepath.Join(pagepatchDir, "logs")

	// Ensure directories exist
	for _, dir := range []string{pagepatchDir, logDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		HomeDir:         home,
		PagepatchDir:    pagepatchDir,
		LogDir:          logDir,
		WatchdogSeconds: DefaultWatchdogSeconds,
	}

	if err := cfg.readFile(filepath.Join(pagepatchDir, "config.yaml")); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if cfg.ProjectDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg.ProjectDir = cwd
	}
	if cfg.WatchdogSeconds <= 0 {
		cfg.WatchdogSeconds = DefaultWatchdogSeconds
	}

	return cfg, nil
}

// readFile merges values from a yaml config file if one exists.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnv applies PAGEPATCH_* environment overrides on top of file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("PAGEPATCH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("PAGEPATCH_PROJECT_DIR"); v != "" {
		c.ProjectDir = v
	}
	if v := os.Getenv("PAGEPATCH_AGENT"); v != "" {
		c.Agent = v
	}
	if v := os.Getenv("PAGEPATCH_AUTH_KEY"); v != "" {
		c.AuthKey = v
	}
}

// Watchdog returns the turn silence budget as a duration
func (c *Config) Watchdog() time.Duration {
	return time.Duration(c.WatchdogSeconds) * time.Second
}

// StateDir returns the path to a project's .pagepatch directory, which
// holds the checkpoint record store.
func (c *Config) StateDir(projectDir string) string {
	return filepath.Join(projectDir, ".pagepatch")
}
