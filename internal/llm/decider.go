package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Decision tool names.
const (
	ToolDelegate = "delegate"
	ToolWait     = "wait"
	ToolFinalize = "finalize"
)

// ErrNoDecision is returned when the model answers with nothing usable.
var ErrNoDecision = errors.New("model returned no decision")

const resultPreviewLimit = 4000

// ProfileLister lists the profiles a decider may delegate to.
type ProfileLister interface {
	All() []models.CapabilityProfile
}

// Decider is an orchestrator.Decider backed by a single model call per
// planning step. The prompt is rebuilt from the state view every time, so
// the decider holds no memory of its own.
type Decider struct {
	client   *Client
	profiles ProfileLister
	logger   *zap.Logger
}

// NewDecider creates a Decider that delegates to the listed profiles.
func NewDecider(client *Client, profiles ProfileLister, logger *zap.Logger) *Decider {
	return &Decider{client: client, profiles: profiles, logger: logging.OrNop(logger)}
}

var _ orchestrator.Decider = (*Decider)(nil)

// Decide asks the model for the next step.
func (d *Decider) Decide(ctx context.Context, view orchestrator.StateView) (orchestrator.Decision, error) {
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(RenderState(view))),
	}
	resp, err := d.client.send(ctx, d.systemPrompt(), messages, decisionTools())
	if err != nil {
		return orchestrator.Decision{}, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			dec, err := parseDecision(v.Name, v.Input)
			if err != nil {
				return orchestrator.Decision{}, err
			}
			d.logger.Debug("decision",
				zap.String("tool", v.Name),
				zap.Int("delegations", len(dec.Delegations)),
				zap.Int("round", view.Round()))
			return dec, nil
		}
	}

	final := strings.TrimSpace(text.String())
	if final == "" {
		return orchestrator.Decision{}, ErrNoDecision
	}
	return orchestrator.Decision{Finalize: true, Final: final}, nil
}

func (d *Decider) systemPrompt() string {
	var b strings.Builder
	b.WriteString(`You coordinate workers toward a goal. You never do the work yourself.
Each step, call exactly one tool:
- delegate: start a round of tasks. Foreground tasks finish before you plan again;
  background tasks report later.
- wait: wait for in-flight background tasks to report.
- finalize: the goal is met or cannot be met; give the final answer.
To continue a worker's conversation, set "resume" to the id of its earlier task.

Worker profiles:
`)
	for _, p := range d.profiles.All() {
		desc := p.Description
		if desc == "" {
			desc = "no description"
		}
		fmt.Fprintf(&b, "- %s: %s (operations: %s)\n", p.Type, desc, strings.Join(p.Operations, ", "))
	}
	return b.String()
}

// RenderState formats a state view as the planning prompt.
func RenderState(view orchestrator.StateView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nRounds so far: %d\n", view.Goal, view.Round())

	if len(view.Results) == 0 {
		b.WriteString("\nNo results yet.\n")
	} else {
		b.WriteString("\nResults:\n")
		for _, r := range view.Results {
			fmt.Fprintf(&b, "\n[round %d] task %s (%s) %s\n", r.Round, r.TaskID, r.Profile, r.Status)
			if r.Succeeded() {
				b.WriteString(truncate(r.Output, resultPreviewLimit))
			} else {
				b.WriteString("error: " + r.Error)
			}
			b.WriteString("\n")
		}
	}

	if len(view.InFlight) > 0 {
		b.WriteString("\nStill running in background:\n")
		for _, h := range view.InFlight {
			fmt.Fprintf(&b, "- task %s (%s) since round %d\n", h.TaskID, h.Profile, h.Round)
		}
	}
	return b.String()
}

type delegateInput struct {
	Delegations []struct {
		ID             string `json:"id"`
		Profile        string `json:"profile"`
		Instruction    string `json:"instruction"`
		Mode           string `json:"mode"`
		Resume         string `json:"resume"`
		ResumeSession  string `json:"resume_session"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"delegations"`
}

// parseDecision converts a decision tool call into a Decision.
func parseDecision(name string, input json.RawMessage) (orchestrator.Decision, error) {
	switch name {
	case ToolWait:
		return orchestrator.Decision{Wait: true}, nil
	case ToolFinalize:
		var in struct {
			Final string `json:"final"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return orchestrator.Decision{}, fmt.Errorf("decode finalize: %w", err)
		}
		return orchestrator.Decision{Finalize: true, Final: in.Final}, nil
	case ToolDelegate:
		var in delegateInput
		if err := json.Unmarshal(input, &in); err != nil {
			return orchestrator.Decision{}, fmt.Errorf("decode delegate: %w", err)
		}
		if len(in.Delegations) == 0 {
			return orchestrator.Decision{}, fmt.Errorf("delegate: %w", ErrNoDecision)
		}
		var dec orchestrator.Decision
		for _, raw := range in.Delegations {
			mode, err := models.ParseMode(raw.Mode)
			if err != nil {
				return orchestrator.Decision{}, fmt.Errorf("delegate: %w", err)
			}
			dec.Delegations = append(dec.Delegations, orchestrator.Delegation{
				ID:            raw.ID,
				Profile:       raw.Profile,
				Instruction:   raw.Instruction,
				Mode:          mode,
				ResumeTask:    raw.Resume,
				ResumeSession: raw.ResumeSession,
				Timeout:       time.Duration(raw.TimeoutSeconds) * time.Second,
			})
		}
		return dec, nil
	default:
		return orchestrator.Decision{}, fmt.Errorf("%w: unknown decision tool %q", ErrNoDecision, name)
	}
}

func decisionTools() []anthropic.ToolUnionParam {
	delegation := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":              map[string]any{"type": "string", "description": "Optional task id to refer to later"},
			"profile":         map[string]any{"type": "string", "description": "Worker profile type"},
			"instruction":     map[string]any{"type": "string", "description": "What the worker should do"},
			"mode":            map[string]any{"type": "string", "enum": []string{"foreground", "background"}},
			"resume":          map[string]any{"type": "string", "description": "Id of an earlier task whose session to continue"},
			"resume_session":  map[string]any{"type": "string", "description": "Session id to continue"},
			"timeout_seconds": map[string]any{"type": "integer", "description": "Per-task timeout (optional)"},
		},
		"required": []string{"profile", "instruction"},
	}
	return []anthropic.ToolUnionParam{
		toolParam(ToolDelegate, "Start a round of worker tasks.",
			map[string]any{
				"delegations": map[string]any{"type": "array", "items": delegation},
			}, []string{"delegations"}),
		toolParam(ToolWait, "Wait for in-flight background tasks to report.", map[string]any{}, nil),
		toolParam(ToolFinalize, "Finish the goal with a final answer.",
			map[string]any{
				"final": map[string]any{"type": "string", "description": "Final answer for the user"},
			}, []string{"final"}),
	}
}
