package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("gemini:\n  api_key: k\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 5000 {
		t.Errorf("port = %d, want 5000", cfg.Listen.Port)
	}
	if cfg.Gemini.Model != "gemini-2.5-flash" {
		t.Errorf("model = %q, want gemini-2.5-flash", cfg.Gemini.Model)
	}
	if cfg.Store.Backend != BackendBadger {
		t.Errorf("backend = %q, want %q", cfg.Store.Backend, BackendBadger)
	}
	if cfg.Store.PersistRetries != 3 {
		t.Errorf("persist_retries = %d, want 3", cfg.Store.PersistRetries)
	}
	if cfg.Language != "de" {
		t.Errorf("language = %q, want de", cfg.Language)
	}
	if !cfg.Gateway.Validate() {
		t.Error("validate_arguments should default to true")
	}
	if cfg.Gemini.Timeout().Seconds() != 120 {
		t.Errorf("gemini timeout = %v, want 120s", cfg.Gemini.Timeout())
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("gemini:\n  api_key: ${GIZMO_TEST_KEY}\n"), 0600)
	t.Setenv("GIZMO_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Gemini.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Gemini.APIKey, "secret123")
	}
	if !cfg.Gemini.Configured() {
		t.Error("Configured() = false with api key set")
	}
}

func TestLoad_ValidateArgumentsOff(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("gateway:\n  url: http://gw/mcp\n  validate_arguments: false\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Gateway.Validate() {
		t.Error("validate_arguments: false was ignored")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "store:\n  backend: redis\n"},
		{"bad log level", "log_level: loud\n"},
		{"bad log format", "log_format: xml\n"},
		{"bad port", "listen:\n  port: 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			os.WriteFile(path, []byte(tt.yaml), 0600)
			if _, err := Load(path); err == nil {
				t.Fatalf("Load(%q) should fail", tt.yaml)
			}
		})
	}
}

func TestStorePath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/gizmo"

	if got := cfg.StorePath(); got != "/var/lib/gizmo/chats" {
		t.Errorf("badger path = %q", got)
	}

	cfg.Store.Backend = BackendSQLite
	if got := cfg.StorePath(); got != "/var/lib/gizmo/gizmo.db" {
		t.Errorf("sqlite path = %q", got)
	}

	cfg.Store.Path = "/tmp/x.db"
	if got := cfg.StorePath(); got != "/tmp/x.db" {
		t.Errorf("absolute path = %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(context.Background(), LevelTrace, "wire")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("trace level not renamed: %q", buf.String())
	}
}
