// Package protect refuses worker mutations of sensitive paths: version
// control metadata, conductor's own state and key material.
package protect

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// ErrProtectedPath is returned by Check for a path no worker may modify.
var ErrProtectedPath = errors.New("protected path")

// DefaultPatterns are the slash-separated globs protected out of the box.
// "**" matches any number of segments.
var DefaultPatterns = []string{
	".git/**",
	".conductor/**",
	"**/.ssh/**",
	"**/secrets/**",
	"**/credentials/**",
}

// DefaultFileTypes are the protected extensions.
var DefaultFileTypes = []string{
	".env",
	".pem",
	".key",
	".p12",
	".pfx",
	".jks",
	".keystore",
}

// Guard matches paths against protected patterns and file types. It is safe
// for concurrent use.
type Guard struct {
	mu        sync.RWMutex
	patterns  []string
	fileTypes []string
}

// New returns a Guard with the defaults plus extra entries (see Add).
func New(extra ...string) *Guard {
	g := &Guard{
		patterns:  append([]string(nil), DefaultPatterns...),
		fileTypes: append([]string(nil), DefaultFileTypes...),
	}
	for _, e := range extra {
		g.Add(e)
	}
	return g
}

// Add protects entry. A bare extension such as ".sql" is a file type,
// anything else a glob pattern.
func (g *Guard) Add(entry string) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if strings.HasPrefix(entry, ".") && !strings.ContainsAny(entry, "/*") && filepath.Ext(entry) == entry {
		g.fileTypes = append(g.fileTypes, strings.ToLower(entry))
		return
	}
	g.patterns = append(g.patterns, filepath.ToSlash(entry))
}

// Check returns an ErrProtectedPath error when rel, a path relative to the
// working directory, is protected.
func (g *Guard) Check(rel string) error {
	if g == nil {
		return nil
	}
	if reason, ok := g.match(rel); ok {
		return fmt.Errorf("%w: %s (%s)", ErrProtectedPath, rel, reason)
	}
	return nil
}

func (g *Guard) match(rel string) (string, bool) {
	path := strings.TrimPrefix(filepath.ToSlash(filepath.Clean(rel)), "./")

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.patterns {
		if matchGlob(path, p) {
			return "matches " + p, true
		}
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, ft := range g.fileTypes {
		if ext == ft {
			return "file type " + ft, true
		}
	}
	return "", false
}

// matchGlob matches a slash path against a pattern with "**" support.
func matchGlob(path, pattern string) bool {
	return matchSegments(strings.Split(path, "/"), strings.Split(pattern, "/"))
}

func matchSegments(path, pattern []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		rest := pattern[1:]
		if len(rest) == 0 {
			return true
		}
		for i := 0; i <= len(path); i++ {
			if matchSegments(path[i:], rest) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if ok, err := filepath.Match(pattern[0], path[0]); err != nil || !ok {
		return false
	}
	return matchSegments(path[1:], pattern[1:])
}
