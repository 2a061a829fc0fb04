// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadFile(t *testing.T) {
	tempDir := t.TempDir()

	t.Run("MissingFileIsNotAnError", func(t *testing.T) {
		cfg := &Config{}
		if err := cfg.readFile(filepath.Join(tempDir, "nope.yaml")); err != nil {
			t.Fatalf("readFile on missing file: %v", err)
		}
	})

	t.Run("ParsesValues", func(t *testing.T) {
		path := filepath.Join(tempDir, "config.yaml")
		data := "port: 8920\nproject_dir: /tmp/site\nagent: claude\nwatchdog_seconds: 30\n"
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}

		cfg := &Config{}
		if err := cfg.readFile(path); err != nil {
			t.Fatalf("readFile: %v", err)
		}
		if cfg.Port != 8920 {
			t.Errorf("Expected port 8920, got %d", cfg.Port)
		}
		if cfg.ProjectDir != "/tmp/site" {
			t.Errorf("Expected project dir /tmp/site, got %s", cfg.ProjectDir)
		}
		if cfg.Agent != "claude" {
			t.Errorf("Expected agent claude, got %s", cfg.Agent)
		}
		if cfg.WatchdogSeconds != 30 {
			t.Errorf("Expected watchdog 30, got %d", cfg.WatchdogSeconds)
		}
	})

	t.Run("MalformedFileFails", func(t *testing.T) {
		path := filepath.Join(tempDir, "bad.yaml")
		if err := os.WriteFile(path, []byte("port: [not a port"), 0644); err != nil {
			t.Fatal(err)
		}

		cfg := &Config{}
		if err := cfg.readFile(path); err == nil {
			t.Error("Expected error for malformed yaml")
		}
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PAGEPATCH_PORT", "9001")
	t.Setenv("PAGEPATCH_PROJECT_DIR", "/srv/app")
	t.Setenv("PAGEPATCH_AGENT", "gemini")
	t.Setenv("PAGEPATCH_AUTH_KEY", "secret")

	cfg := &Config{Port: 8000, Agent: "claude"}
	cfg.applyEnv()

	if cfg.Port != 9001 {
		t.Errorf("Expected env port 9001, got %d", cfg.Port)
	}
	if cfg.ProjectDir != "/srv/app" {
		t.Errorf("Expected env project dir, got %s", cfg.ProjectDir)
	}
	if cfg.Agent != "gemini" {
		t.Errorf("Expected env agent gemini, got %s", cfg.Agent)
	}
	if cfg.AuthKey != "secret" {
		t.Errorf("Expected auth key from env, got %s", cfg.AuthKey)
	}
}

func TestStateDir(t *testing.T) {
	cfg := &Config{}
	got := cfg.StateDir("/home/u/site")
	want := filepath.Join("/home/u/site", ".pagepatch")
	if got != want {
		t.Errorf("StateDir = %s, want %s", got, want)
	}
}
