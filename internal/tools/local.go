package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ShayCichocki/conductor/internal/protect"
)

// maxOutput caps tool output handed back to workers.
const maxOutput = 30000

// maxLineBytes bounds a single line read by grep.
const maxLineBytes = 4 << 20

// Local executes operations against a working directory.
type Local struct {
	workDir     string
	bashTimeout time.Duration
	guard       *protect.Guard
}

// LocalOption configures a Local toolbox.
type LocalOption func(*Local)

// WithGuard refuses write, edit and delete on paths g protects.
func WithGuard(g *protect.Guard) LocalOption {
	return func(l *Local) { l.guard = g }
}

// WithBashTimeout sets the default bash timeout.
func WithBashTimeout(d time.Duration) LocalOption {
	return func(l *Local) {
		if d > 0 {
			l.bashTimeout = d
		}
	}
}

// NewLocal creates a toolbox rooted at workDir.
func NewLocal(workDir string, opts ...LocalOption) *Local {
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}
	l := &Local{workDir: workDir, bashTimeout: 2 * time.Minute}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WorkDir returns the root directory relative paths resolve against.
func (l *Local) WorkDir() string {
	return l.workDir
}

// Invoke runs op with JSON args.
func (l *Local) Invoke(ctx context.Context, op string, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	switch op {
	case OpRead:
		return l.read(args)
	case OpGlob:
		return l.glob(args)
	case OpGrep:
		return l.grep(ctx, args)
	case OpList:
		return l.list(args)
	case OpWrite:
		return l.write(args)
	case OpEdit:
		return l.edit(args)
	case OpDelete:
		return l.delete(args)
	case OpBash:
		return l.bash(ctx, args)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
}

func decode(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

func (l *Local) read(args json.RawMessage) (string, error) {
	var p struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := decode(args, &p); err != nil {
		return "", err
	}

	content, err := os.ReadFile(l.resolve(p.FilePath))
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	lines := strings.Split(string(content), "\n")
	start := 0
	if p.Offset > 0 {
		start = p.Offset - 1
		if start >= len(lines) {
			return "", fmt.Errorf("offset %d beyond end of file", p.Offset)
		}
	}
	end := len(lines)
	if p.Limit > 0 {
		end = min(start+p.Limit, len(lines))
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return b.String(), nil
}

func (l *Local) write(args json.RawMessage) (string, error) {
	var p struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := decode(args, &p); err != nil {
		return "", err
	}

	path, err := l.mutable(p.FilePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(p.Content), 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.FilePath), nil
}

func (l *Local) edit(args json.RawMessage) (string, error) {
	var p struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := decode(args, &p); err != nil {
		return "", err
	}

	path, err := l.mutable(p.FilePath)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	text := string(content)

	count := strings.Count(text, p.OldString)
	if count == 0 {
		return "", errors.New("old_string not found in file")
	}
	if !p.ReplaceAll && count > 1 {
		return "", fmt.Errorf("old_string found %d times; must be unique or use replace_all", count)
	}

	if p.ReplaceAll {
		text = strings.ReplaceAll(text, p.OldString, p.NewString)
	} else {
		text = strings.Replace(text, p.OldString, p.NewString, 1)
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if p.ReplaceAll {
		return fmt.Sprintf("replaced %d occurrences", count), nil
	}
	return "edit applied", nil
}

func (l *Local) delete(args json.RawMessage) (string, error) {
	var p struct {
		FilePath string `json:"file_path"`
	}
	if err := decode(args, &p); err != nil {
		return "", err
	}
	path, err := l.mutable(p.FilePath)
	if err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("delete file: %w", err)
	}
	return "deleted " + p.FilePath, nil
}

func (l *Local) bash(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := decode(args, &p); err != nil {
		return "", err
	}

	timeout := l.bashTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", p.Command)
	cmd.Dir = l.workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("command timed out after %v: %s", timeout, truncate(string(output)))
		}
		return "", fmt.Errorf("command failed: %w: %s", err, truncate(string(output)))
	}
	return truncate(string(output)), nil
}

func (l *Local) glob(args json.RawMessage) (string, error) {
	var p struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := decode(args, &p); err != nil {
		return "", err
	}

	root := l.workDir
	if p.Path != "" {
		root = l.resolve(p.Path)
	}

	var matches []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(filepath.Base(p.Pattern), d.Name()); ok {
			rel, _ := filepath.Rel(root, path)
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("glob: %w", err)
	}
	if len(matches) == 0 {
		return "no files matched", nil
	}
	return strings.Join(matches, "\n"), nil
}

func (l *Local) grep(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Glob    string `json:"glob"`
	}
	if err := decode(args, &p); err != nil {
		return "", err
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}

	root := l.workDir
	if p.Path != "" {
		root = l.resolve(p.Path)
	}

	var b strings.Builder
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if p.Glob != "" {
			if ok, _ := filepath.Match(p.Glob, d.Name()); !ok {
				return nil
			}
		}
		return grepFile(path, root, re, &b)
	})
	if err != nil {
		return "", fmt.Errorf("grep: %w", err)
	}
	if b.Len() == 0 {
		return "no matches found", nil
	}
	return truncate(b.String()), nil
}

func grepFile(path, root string, re *regexp.Regexp, b *strings.Builder) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	rel, _ := filepath.Rel(root, path)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if re.MatchString(scanner.Text()) {
			fmt.Fprintf(b, "%s:%d:%s\n", rel, line, scanner.Text())
		}
		if b.Len() > maxOutput {
			return filepath.SkipAll
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", rel, err)
	}
	return nil
}

func (l *Local) list(args json.RawMessage) (string, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := decode(args, &p); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(l.resolve(p.Path))
	if err != nil {
		return "", fmt.Errorf("read directory: %w", err)
	}

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&b, "d %s/\n", entry.Name())
			continue
		}
		if info, err := entry.Info(); err == nil {
			fmt.Fprintf(&b, "- %s (%d bytes)\n", entry.Name(), info.Size())
		} else {
			fmt.Fprintf(&b, "? %s\n", entry.Name())
		}
	}
	return b.String(), nil
}

func (l *Local) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.workDir, path)
}

// mutable resolves path and checks it against the guard. Paths that
// leave the working directory are refused.
func (l *Local) mutable(path string) (string, error) {
	abs := l.resolve(path)
	rel, err := filepath.Rel(l.workDir, abs)
	if err != nil || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the working directory", protect.ErrProtectedPath, path)
	}
	if err := l.guard.Check(rel); err != nil {
		return "", err
	}
	return abs, nil
}

func truncate(s string) string {
	if len(s) > maxOutput {
		return s[:maxOutput] + "\n... (output truncated)"
	}
	return s
}
