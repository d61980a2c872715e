// Package expand turns slash shorthands such as "/review auth.go" into full
// instructions using a static table of templates.
package expand

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ArgsPlaceholder is replaced with the text following the shorthand name.
const ArgsPlaceholder = "{{args}}"

// Template is one shorthand expansion.
type Template struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Template    string `yaml:"template" json:"template"`
}

// Render substitutes args into the template. Without a placeholder the
// args are appended on their own paragraph.
func (t Template) Render(args string) string {
	args = strings.TrimSpace(args)
	if strings.Contains(t.Template, ArgsPlaceholder) {
		return strings.ReplaceAll(t.Template, ArgsPlaceholder, args)
	}
	if args == "" {
		return t.Template
	}
	return t.Template + "\n\n" + args
}

// Expander looks up shorthands. It is safe for concurrent use.
type Expander struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// New creates an Expander holding templates. Later entries replace earlier
// ones with the same name.
func New(templates ...Template) *Expander {
	e := &Expander{templates: make(map[string]Template)}
	for _, t := range templates {
		e.Add(t)
	}
	return e
}

// NewDefault returns an Expander with the built-in templates plus those in
// path (when non-empty).
func NewDefault(path string) (*Expander, error) {
	e := New(Defaults()...)
	if path == "" {
		return e, nil
	}
	extra, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	for _, t := range extra {
		e.Add(t)
	}
	return e, nil
}

// Add registers or replaces a template. Names are case-insensitive and a
// leading slash is ignored.
func (e *Expander) Add(t Template) {
	t.Name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t.Name), "/"))
	e.mu.Lock()
	e.templates[t.Name] = t
	e.mu.Unlock()
}

// IsShorthand reports whether input is written as a slash shorthand.
func IsShorthand(input string) bool {
	s := strings.TrimSpace(input)
	return len(s) > 1 && s[0] == '/' && s[1] != ' ' && s[1] != '/'
}

// Expand returns the detailed instruction for input. Input that is not a
// shorthand is returned unchanged; an unknown shorthand fails with
// ErrUnknownShorthand.
func (e *Expander) Expand(input string) (string, error) {
	if !IsShorthand(input) {
		return input, nil
	}
	trimmed := strings.TrimSpace(input)
	name, args, _ := strings.Cut(trimmed[1:], " ")
	name = strings.ToLower(name)

	e.mu.RLock()
	t, ok := e.templates[name]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("/%s: %w", name, models.ErrUnknownShorthand)
	}
	return t.Render(args), nil
}

// Templates returns all templates sorted by name.
func (e *Expander) Templates() []Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Template, 0, len(e.templates))
	for _, t := range e.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// Parse decodes a YAML template file.
func Parse(data []byte) ([]Template, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	for i, t := range f.Templates {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("parse templates: entry %d has no name", i)
		}
		if strings.TrimSpace(t.Template) == "" {
			return nil, fmt.Errorf("parse templates: %s has an empty template", t.Name)
		}
	}
	return f.Templates, nil
}

// LoadFile reads templates from a YAML file.
func LoadFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return Parse(data)
}

// Defaults returns the built-in templates.
func Defaults() []Template {
	return []Template{
		{
			Name:        "explore",
			Description: "Survey part of the codebase and report findings.",
			Template: "Explore the codebase to answer: {{args}}\n" +
				"List the relevant files and summarize how they fit together. Do not change anything.",
		},
		{
			Name:        "review",
			Description: "Review code for bugs and risky changes.",
			Template: "Review {{args}} for correctness bugs, unhandled errors and concurrency problems.\n" +
				"Report each finding with file, line and a suggested fix.",
		},
		{
			Name:        "fix",
			Description: "Find and fix a described problem.",
			Template: "Fix the following problem: {{args}}\n" +
				"First locate the cause, then make the smallest change that resolves it, then verify.",
		},
		{
			Name:        "test",
			Description: "Write or repair tests.",
			Template:    "Write tests covering {{args}}. Run them and fix any failures you introduced.",
		},
	}
}
