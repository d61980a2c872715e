package profile

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/conductor/internal/tools"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// catalogue is the on-disk YAML layout of a profile file.
type catalogue struct {
	Profiles []models.CapabilityProfile `yaml:"profiles"`
}

// Defaults returns the built-in profiles.
func Defaults() []models.CapabilityProfile {
	return []models.CapabilityProfile{
		{
			Type:        "explore",
			Description: "Read-only investigation of the workspace.",
			Operations:  tools.ReadOnlyOperations(),
			Template:    "You are an explorer. Do not modify anything.\n\n" + models.InstructionPlaceholder,
		},
		{
			Type:        "edit",
			Description: "Reads and modifies files.",
			Operations: append(tools.ReadOnlyOperations(),
				tools.OpWrite, tools.OpEdit, tools.OpDelete),
			Template: "You are an editor. Make the smallest change that satisfies the request.\n\n" + models.InstructionPlaceholder,
		},
		{
			Type:        "shell",
			Description: "Runs shell commands and reads files.",
			Operations:  []string{tools.OpBash, tools.OpRead, tools.OpList},
		},
		{
			Type:        "general",
			Description: "Unrestricted worker.",
			Operations:  tools.AllOperations(),
		},
	}
}

// Parse decodes a YAML profile catalogue.
func Parse(data []byte) ([]models.CapabilityProfile, error) {
	var c catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	for i, p := range c.Profiles {
		if p.Type == "" {
			return nil, fmt.Errorf("parse profiles: entry %d has no type", i)
		}
	}
	return c.Profiles, nil
}

// LoadFile reads profiles from a YAML file.
func LoadFile(path string) ([]models.CapabilityProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return Parse(data)
}

// NewDefaultRegistry returns a registry holding the built-in profiles plus
// any profiles from path (when non-empty). The registry is not frozen.
func NewDefaultRegistry(path string) (*Registry, error) {
	r := NewRegistry()
	for _, p := range Defaults() {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	if path == "" {
		return r, nil
	}
	extra, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	for _, p := range extra {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}
