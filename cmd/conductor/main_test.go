package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/profile"
	"github.com/ShayCichocki/conductor/internal/signals"
	"github.com/ShayCichocki/conductor/pkg/models"
)

func TestExpandGoal(t *testing.T) {
	cfg := config.Default()

	tests := []struct {
		name     string
		input    string
		contains string
		wantErr  error
	}{
		{"plain goal passes through", "make the build green", "make the build green", nil},
		{"shorthand expands", "/fix login loops forever", "Fix the following problem: login loops forever", nil},
		{"shorthand name is case-insensitive", "/REVIEW auth.go", "Review auth.go", nil},
		{"unknown shorthand", "/nope x", "", models.ErrUnknownShorthand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandGoal(cfg, tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expandGoal(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("expandGoal(%q) unexpected error: %v", tt.input, err)
			}
			if !strings.Contains(got, tt.contains) {
				t.Errorf("expandGoal(%q) = %q, want it to contain %q", tt.input, got, tt.contains)
			}
		})
	}
}

func TestExpandGoal_TemplatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	data := "templates:\n  - name: ship\n    template: \"Ship {{args}} to production\"\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.TemplatesFile = path

	got, err := expandGoal(cfg, "/ship v2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Ship v2 to production" {
		t.Errorf("got %q", got)
	}
}

func TestConfigValues(t *testing.T) {
	cfg := config.Default()

	tests := []struct {
		key   string
		value string
	}{
		{"anthropic.model", "claude-opus-4-1-20250805"},
		{"anthropic.max_tokens", "4096"},
		{"orchestrator.max_rounds", "7"},
		{"orchestrator.teardown_on_done", "true"},
		{"dispatch.default_timeout", "2m0s"},
		{"dispatch.read_retries", "0"},
		{"sessions.driver", "memory"},
		{"server.addr", ":9000"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if err := setConfigValue(cfg, tt.key, tt.value); err != nil {
				t.Fatalf("setConfigValue(%q) error: %v", tt.key, err)
			}
			got, err := getConfigValue(cfg, tt.key)
			if err != nil {
				t.Fatalf("getConfigValue(%q) error: %v", tt.key, err)
			}
			if got != tt.value {
				t.Errorf("getConfigValue(%q) = %q, want %q", tt.key, got, tt.value)
			}
		})
	}

	if cfg.Dispatch.DefaultTimeout != 2*time.Minute {
		t.Errorf("DefaultTimeout = %v", cfg.Dispatch.DefaultTimeout)
	}
}

func TestConfigValues_Errors(t *testing.T) {
	cfg := config.Default()

	if _, err := getConfigValue(cfg, "nope.key"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setConfigValue(cfg, "dispatch.max_concurrency", "lots"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setConfigValue(cfg, "dispatch.default_timeout", "soon"); err == nil {
		t.Error("expected error for bad duration")
	}
	if err := setConfigValue(cfg, "anthropic.api_key", "sk-ant-x"); !errors.Is(err, errReadOnlyKey) {
		t.Errorf("setting the API key: got %v, want errReadOnlyKey", err)
	}
}

func TestConfigValues_MasksAPIKey(t *testing.T) {
	cfg := config.Default()
	if got, _ := getConfigValue(cfg, "anthropic.api_key"); got != "(not set)" {
		t.Errorf("unset key shown as %q", got)
	}

	cfg.Anthropic.APIKey = "sk-ant-REDACTED"
	got, _ := getConfigValue(cfg, "anthropic.api_key")
	if strings.Contains(got, "abcdefghijklmnop") {
		t.Errorf("API key not masked: %q", got)
	}
}

func TestSendSignal(t *testing.T) {
	root := t.TempDir()

	for _, name := range []string{"stop", "pause"} {
		if err := sendSignal(root, name); err != nil {
			t.Fatalf("sendSignal(%q): %v", name, err)
		}
	}
	for _, file := range []string{signals.StopFile, signals.PauseFile} {
		if _, err := os.Stat(filepath.Join(signals.Dir(root), file)); err != nil {
			t.Errorf("%s signal file missing: %v", file, err)
		}
	}

	if err := sendSignal(root, "resume"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(signals.Dir(root), signals.PauseFile)); !os.IsNotExist(err) {
		t.Errorf("pause file should be removed after resume, stat err = %v", err)
	}

	if err := sendSignal(root, "clear"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(signals.Dir(root), signals.StopFile)); !os.IsNotExist(err) {
		t.Errorf("stop file should be removed after clear, stat err = %v", err)
	}

	if err := sendSignal(root, "reboot"); err == nil {
		t.Error("expected error for unknown signal")
	}
}

func TestRenderProfiles(t *testing.T) {
	reg, err := profile.NewDefaultRegistry("")
	if err != nil {
		t.Fatal(err)
	}

	out := renderProfiles(reg)
	for _, name := range []string{"explore", "edit", "shell", "general"} {
		if !strings.Contains(out, name) {
			t.Errorf("profile %q missing from output:\n%s", name, out)
		}
	}
}
