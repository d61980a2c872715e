package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Delegation is one unit of work proposed by a Decider.
type Delegation struct {
	// ID optionally names the task so later delegations can refer to it.
	ID          string      `yaml:"id,omitempty" json:"id,omitempty"`
	Profile     string      `yaml:"profile" json:"profile"`
	Instruction string      `yaml:"instruction" json:"instruction"`
	Mode        models.Mode `yaml:"mode,omitempty" json:"mode,omitempty"`
	// ResumeSession resumes an existing session instead of starting one.
	ResumeSession string `yaml:"resume_session,omitempty" json:"resume_session,omitempty"`
	// ResumeTask resumes the session of an earlier task in the same goal.
	ResumeTask string        `yaml:"resume,omitempty" json:"resume_task,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Decision is what a Decider returns from one planning step.
//
// A decision with delegations starts a new round. A decision without
// delegations finalizes, unless Wait is set and background tasks are in
// flight, in which case the orchestrator waits for the next one to report.
type Decision struct {
	Delegations []Delegation
	// Finalize ends planning even when background tasks are in flight.
	Finalize bool
	// Wait asks to wait for in-flight background work before planning again.
	Wait bool
	// Final is the final action text. When empty the Synthesizer builds one.
	Final string
}

// Decider chooses what to delegate next. It is treated as a pure function
// of the state it is handed.
type Decider interface {
	Decide(ctx context.Context, view StateView) (Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, view StateView) (Decision, error)

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, view StateView) (Decision, error) {
	return f(ctx, view)
}

// Script is a fixed sequence of delegation rounds.
type Script struct {
	Rounds [][]Delegation `yaml:"rounds"`
	// Final is returned as the final action after the last round.
	Final string `yaml:"final,omitempty"`
	// Wait makes the decider wait for background work before finalizing.
	Wait bool `yaml:"wait,omitempty"`
}

// ParseScript decodes a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for i, round := range s.Rounds {
		for j, d := range round {
			if strings.TrimSpace(d.Profile) == "" {
				return nil, fmt.Errorf("parse script: round %d delegation %d: profile is required", i+1, j+1)
			}
			if _, err := models.ParseMode(string(d.Mode)); err != nil {
				return nil, fmt.Errorf("parse script: round %d delegation %d: %w", i+1, j+1, err)
			}
		}
	}
	return &s, nil
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ScriptedDecider plays a Script one round per planning step.
type ScriptedDecider struct {
	mu     sync.Mutex
	script Script
	next   int
}

// NewScriptedDecider creates a decider for s.
func NewScriptedDecider(s Script) *ScriptedDecider {
	return &ScriptedDecider{script: s}
}

// Decide returns the next scripted round, then finalizes.
func (d *ScriptedDecider) Decide(ctx context.Context, view StateView) (Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.next >= len(d.script.Rounds) {
		if d.script.Wait && len(view.InFlight) > 0 {
			return Decision{Wait: true}, nil
		}
		return Decision{Finalize: true, Final: d.script.Final}, nil
	}
	round := append([]Delegation(nil), d.script.Rounds[d.next]...)
	d.next++
	return Decision{Delegations: round}, nil
}

// errNoDecider is returned by Run when no Decider is configured.
var errNoDecider = errors.New("orchestrator: no decider configured")
