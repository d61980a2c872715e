package models

import (
	"sort"
	"strings"
)

// InstructionPlaceholder is replaced by the task instruction when a
// profile template is rendered.
const InstructionPlaceholder = "{{instruction}}"

// CapabilityProfile describes what a worker type may do.
// Profiles are read-only once registered.
type CapabilityProfile struct {
	// Type is the profile name tasks refer to.
	Type string `yaml:"type" json:"type"`
	// Description is a one-line summary shown to decision policies.
	Description string `yaml:"description" json:"description,omitempty"`
	// Operations lists the permitted operation identifiers.
	Operations []string `yaml:"operations" json:"operations"`
	// Template is the default instruction template.
	Template string `yaml:"template" json:"template,omitempty"`
}

// Permits reports whether op is in the permitted set.
func (p CapabilityProfile) Permits(op string) bool {
	for _, o := range p.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Render applies the profile template to an instruction.
// Templates without the placeholder get the instruction appended.
func (p CapabilityProfile) Render(instruction string) string {
	if p.Template == "" {
		return instruction
	}
	if strings.Contains(p.Template, InstructionPlaceholder) {
		return strings.ReplaceAll(p.Template, InstructionPlaceholder, instruction)
	}
	return p.Template + "\n\n" + instruction
}

// Clone returns a copy with its own operation slice, sorted.
func (p CapabilityProfile) Clone() CapabilityProfile {
	ops := append([]string(nil), p.Operations...)
	sort.Strings(ops)
	p.Operations = ops
	return p
}
