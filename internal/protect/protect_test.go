package protect

import (
	"errors"
	"testing"
)

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		pattern  string
		expected bool
	}{
		{"double star matches deep path", "a/b/c/d/file.go", "**/c/**", true},
		{"double star at start", "internal/secrets/db.yaml", "**/secrets/**", true},
		{"double star at end", ".git/refs/heads/main", ".git/**", true},
		{"literal match", "config/settings.yaml", "config/settings.yaml", true},
		{"single star in segment", "internal/auth_handler.go", "internal/auth*", true},
		{"no match", "api/handler.go", "**/secrets/**", false},
		{"prefix is not a match", ".github/workflows/ci.yaml", ".git/**", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := matchGlob(tc.path, tc.pattern); got != tc.expected {
				t.Errorf("matchGlob(%q, %q) = %v, expected %v", tc.path, tc.pattern, got, tc.expected)
			}
		})
	}
}

func TestGuard_Defaults(t *testing.T) {
	g := New()

	tests := []struct {
		path      string
		protected bool
	}{
		{".git/config", true},
		{".conductor/sessions.db", true},
		{"home/.ssh/id_ed25519", true},
		{"deploy/tls.pem", true},
		{".env", true},
		{"services/api/.env", true},
		{"./.git/HEAD", true},
		{"internal/handler/api.go", false},
		{"docs/README.md", false},
		{".gitignore", false},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			err := g.Check(tc.path)
			if tc.protected && !errors.Is(err, ErrProtectedPath) {
				t.Errorf("Check(%q) = %v, want ErrProtectedPath", tc.path, err)
			}
			if !tc.protected && err != nil {
				t.Errorf("Check(%q) = %v, want nil", tc.path, err)
			}
		})
	}
}

func TestGuard_Add(t *testing.T) {
	g := New("migrations/**", ".SQL", "  ")

	if err := g.Check("migrations/001_init.go"); err == nil {
		t.Error("expected added pattern to protect migrations/")
	}
	if err := g.Check("db/schema.sql"); err == nil {
		t.Error("expected added file type to be matched case-insensitively")
	}
	if err := g.Check("db/schema.go"); err != nil {
		t.Errorf("unexpected protection: %v", err)
	}
}

func TestGuard_NilAllowsEverything(t *testing.T) {
	var g *Guard
	if err := g.Check(".git/config"); err != nil {
		t.Errorf("nil guard returned %v", err)
	}
}
