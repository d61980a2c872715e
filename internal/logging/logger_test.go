package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.log")

	logger, err := New(Config{Level: "debug", Format: "json", File: path, Quiet: true})
	require.NoError(t, err)

	logger.Debug("hello from test")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestForProject_DefaultPath(t *testing.T) {
	root := t.TempDir()
	logger := ForProject(root, Config{Quiet: true})
	logger.Info("project log")
	_ = logger.Sync()

	_, err := os.Stat(ProjectLogPath(root))
	assert.NoError(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := Nop()
	assert.Same(t, l, OrNop(l))
}
