package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/conductor/internal/protect"
)

func invoke(t *testing.T, l *Local, op string, args any) (string, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return l.Invoke(context.Background(), op, raw)
}

func TestLocal_UnknownOperation(t *testing.T) {
	l := NewLocal(t.TempDir())
	_, err := l.Invoke(context.Background(), "teleport", nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestLocal_ReadWithOffsetAndLimit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("line1\nline2\nline3\nline4\nline5"), 0644))
	l := NewLocal(dir)

	out, err := invoke(t, l, OpRead, map[string]any{"file_path": "f.txt", "offset": 3, "limit": 2})
	require.NoError(t, err)
	assert.Contains(t, out, "line3")
	assert.Contains(t, out, "line4")
	assert.NotContains(t, out, "line1")
	assert.NotContains(t, out, "line5")
}

func TestLocal_ReadMissingFile(t *testing.T) {
	l := NewLocal(t.TempDir())
	_, err := invoke(t, l, OpRead, map[string]any{"file_path": "nope.txt"})
	assert.Error(t, err)
}

func TestLocal_WriteEditDelete(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir)

	_, err := invoke(t, l, OpWrite, map[string]any{"file_path": "sub/a.txt", "content": "hello world"})
	require.NoError(t, err)

	_, err = invoke(t, l, OpEdit, map[string]any{"file_path": "sub/a.txt", "old_string": "world", "new_string": "there"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "sub", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello there", string(data))

	_, err = invoke(t, l, OpDelete, map[string]any{"file_path": "sub/a.txt"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "sub", "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocal_EditRequiresUnique(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x x"), 0644))
	l := NewLocal(dir)

	_, err := invoke(t, l, OpEdit, map[string]any{"file_path": "f.txt", "old_string": "x", "new_string": "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be unique")

	out, err := invoke(t, l, OpEdit, map[string]any{"file_path": "f.txt", "old_string": "x", "new_string": "y", "replace_all": true})
	require.NoError(t, err)
	assert.Equal(t, "replaced 2 occurrences", out)
}

func TestLocal_GlobAndGrep(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "a.go"), []byte("package pkg\nfunc Needle() {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("no needle here\n"), 0644))
	l := NewLocal(dir)

	out, err := invoke(t, l, OpGlob, map[string]any{"pattern": "*.go"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("pkg", "a.go"), out)

	out, err = invoke(t, l, OpGrep, map[string]any{"pattern": "Needle", "glob": "*.go"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, filepath.Join("pkg", "a.go")+":2:"), out)

	out, err = invoke(t, l, OpGrep, map[string]any{"pattern": "absent"})
	require.NoError(t, err)
	assert.Equal(t, "no matches found", out)
}

func TestLocal_GrepReadsPastLongLines(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("x", 70000)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wide.txt"), []byte(long+"\nneedle\n"), 0644))
	l := NewLocal(dir)

	out, err := invoke(t, l, OpGrep, map[string]any{"pattern": "needle"})
	require.NoError(t, err)
	assert.Equal(t, "wide.txt:2:needle", strings.TrimSpace(out))
}

func TestLocal_List(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("abc"), 0644))
	l := NewLocal(dir)

	out, err := invoke(t, l, OpList, map[string]any{"path": "."})
	require.NoError(t, err)
	assert.Contains(t, out, "d d/")
	assert.Contains(t, out, "- f (3 bytes)")
}

func TestLocal_Bash(t *testing.T) {
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("bash not available")
	}
	l := NewLocal(t.TempDir())

	out, err := invoke(t, l, OpBash, map[string]any{"command": "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)

	_, err = invoke(t, l, OpBash, map[string]any{"command": "exit 3"})
	assert.Error(t, err)
}

func TestTable(t *testing.T) {
	tbl := Table{
		"ping": func(ctx context.Context, args json.RawMessage) (string, error) { return "pong", nil },
	}
	out, err := tbl.Invoke(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	_, err = tbl.Invoke(context.Background(), "pong", nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestOperationSets(t *testing.T) {
	for _, op := range ReadOnlyOperations() {
		assert.True(t, IsReadOnly(op), op)
	}
	assert.False(t, IsReadOnly(OpDelete))
	assert.Len(t, AllOperations(), 8)
	assert.Len(t, Specs(OpRead, OpDelete, "bogus"), 2)
	assert.Len(t, Specs(), 8)
}

func TestLocal_GuardRefusesProtectedMutations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main"), 0644))
	l := NewLocal(dir, WithGuard(protect.New("generated/**")))

	_, err := invoke(t, l, OpWrite, map[string]any{"file_path": ".git/HEAD", "content": "oops"})
	assert.ErrorIs(t, err, protect.ErrProtectedPath)
	_, err = invoke(t, l, OpDelete, map[string]any{"file_path": filepath.Join(dir, ".git", "HEAD")})
	assert.ErrorIs(t, err, protect.ErrProtectedPath)
	_, err = invoke(t, l, OpWrite, map[string]any{"file_path": "generated/api.go", "content": "x"})
	assert.ErrorIs(t, err, protect.ErrProtectedPath)

	out, err := invoke(t, l, OpRead, map[string]any{"file_path": ".git/HEAD"})
	require.NoError(t, err)
	assert.Contains(t, out, "refs/heads/main")

	_, err = invoke(t, l, OpWrite, map[string]any{"file_path": "main.go", "content": "package main"})
	assert.NoError(t, err)
}

func TestLocal_RefusesMutationsOutsideWorkDir(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "work")
	require.NoError(t, os.MkdirAll(dir, 0755))
	outside := filepath.Join(parent, "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0644))
	l := NewLocal(dir)

	_, err := invoke(t, l, OpWrite, map[string]any{"file_path": "../escape.txt", "content": "x"})
	assert.ErrorIs(t, err, protect.ErrProtectedPath)
	assert.NoFileExists(t, filepath.Join(parent, "escape.txt"))

	_, err = invoke(t, l, OpDelete, map[string]any{"file_path": outside})
	assert.ErrorIs(t, err, protect.ErrProtectedPath)
	assert.FileExists(t, outside)

	_, err = invoke(t, l, OpEdit, map[string]any{"file_path": outside, "old_string": "keep", "new_string": "lost"})
	assert.ErrorIs(t, err, protect.ErrProtectedPath)

	_, err = invoke(t, l, OpWrite, map[string]any{"file_path": "..data/ok.txt", "content": "x"})
	assert.NoError(t, err)
}
