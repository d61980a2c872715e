package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Synthesizer produces the final action once planning ends.
type Synthesizer interface {
	Synthesize(ctx context.Context, view StateView, last Decision) (string, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, view StateView, last Decision) (string, error)

// Synthesize calls f.
func (f SynthesizerFunc) Synthesize(ctx context.Context, view StateView, last Decision) (string, error) {
	return f(ctx, view, last)
}

// SummarySynthesizer returns the decider's Final text when it has one and
// otherwise a plain summary of every result.
type SummarySynthesizer struct{}

// Synthesize implements Synthesizer.
func (SummarySynthesizer) Synthesize(ctx context.Context, view StateView, last Decision) (string, error) {
	if strings.TrimSpace(last.Final) != "" {
		return last.Final, nil
	}
	return Summarize(view), nil
}

// Summarize renders the goal state as text, one line per result.
func Summarize(view StateView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", view.Goal)
	fmt.Fprintf(&b, "Rounds: %d\n", len(view.Rounds))
	for _, r := range view.Results {
		fmt.Fprintf(&b, "- [round %d] %s (%s): %s", r.Round, r.TaskID, r.Profile, r.Status)
		switch {
		case r.Status == models.StatusCompleted && r.Output != "":
			fmt.Fprintf(&b, ": %s", firstLine(r.Output))
		case r.Error != "":
			fmt.Fprintf(&b, ": %s", r.Error)
		}
		b.WriteString("\n")
	}
	if n := len(view.InFlight); n > 0 {
		fmt.Fprintf(&b, "Unfinished background tasks: %d\n", n)
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
