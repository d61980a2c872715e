package tools

// Spec describes an operation's input schema for model-backed runners.
type Spec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

var specs = []Spec{
	{
		Name:        OpRead,
		Description: "Read a file. Returns contents with line numbers.",
		Properties: map[string]any{
			"file_path": map[string]any{"type": "string", "description": "Path to the file to read"},
			"offset":    map[string]any{"type": "integer", "description": "Line to start from (1-indexed, optional)"},
			"limit":     map[string]any{"type": "integer", "description": "Maximum number of lines (optional)"},
		},
		Required: []string{"file_path"},
	},
	{
		Name:        OpGlob,
		Description: "Find files whose name matches a pattern.",
		Properties: map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Glob pattern matched against file names"},
			"path":    map[string]any{"type": "string", "description": "Directory to search (optional)"},
		},
		Required: []string{"pattern"},
	},
	{
		Name:        OpGrep,
		Description: "Search file contents with a regular expression.",
		Properties: map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Regular expression"},
			"path":    map[string]any{"type": "string", "description": "Directory to search (optional)"},
			"glob":    map[string]any{"type": "string", "description": "File name filter (optional)"},
		},
		Required: []string{"pattern"},
	},
	{
		Name:        OpList,
		Description: "List a directory.",
		Properties: map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory to list"},
		},
	},
	{
		Name:        OpWrite,
		Description: "Write a file, creating parent directories.",
		Properties: map[string]any{
			"file_path": map[string]any{"type": "string", "description": "Path to write"},
			"content":   map[string]any{"type": "string", "description": "File content"},
		},
		Required: []string{"file_path", "content"},
	},
	{
		Name:        OpEdit,
		Description: "Replace text in a file. old_string must be unique unless replace_all is set.",
		Properties: map[string]any{
			"file_path":   map[string]any{"type": "string"},
			"old_string":  map[string]any{"type": "string"},
			"new_string":  map[string]any{"type": "string"},
			"replace_all": map[string]any{"type": "boolean"},
		},
		Required: []string{"file_path", "old_string", "new_string"},
	},
	{
		Name:        OpDelete,
		Description: "Delete a file.",
		Properties: map[string]any{
			"file_path": map[string]any{"type": "string", "description": "Path to delete"},
		},
		Required: []string{"file_path"},
	},
	{
		Name:        OpBash,
		Description: "Run a bash command in the workspace.",
		Properties: map[string]any{
			"command": map[string]any{"type": "string"},
			"timeout": map[string]any{"type": "integer", "description": "Timeout in milliseconds (optional)"},
		},
		Required: []string{"command"},
	},
}

// Specs returns the specs for the given operations, skipping unknown ones.
// With no arguments it returns every spec.
func Specs(ops ...string) []Spec {
	if len(ops) == 0 {
		return append([]Spec(nil), specs...)
	}
	want := make(map[string]bool, len(ops))
	for _, op := range ops {
		want[op] = true
	}
	var out []Spec
	for _, s := range specs {
		if want[s.Name] {
			out = append(out, s)
		}
	}
	return out
}
