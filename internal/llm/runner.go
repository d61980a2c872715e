package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/tools"
	"github.com/ShayCichocki/conductor/internal/worker"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// DefaultMaxIterations bounds the number of model calls per task.
const DefaultMaxIterations = 25

// ErrMaxIterations is returned when the model keeps calling tools past the
// iteration limit.
var ErrMaxIterations = errors.New("max iterations reached")

const toolOutputLimit = 30000

const workerSystemPrompt = `You are a worker completing a single delegated task.
Use only the tools you are given. When the task is done, reply with a concise
report of what you found or changed. Do not ask questions; nobody will answer.`

// Runner is a worker.Runner backed by a Claude tool-use loop.
type Runner struct {
	client        *Client
	maxIterations int
	logger        *zap.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxIterations sets the per-task model call limit.
func WithMaxIterations(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logging.OrNop(l) }
}

// NewRunner creates a Runner using client.
func NewRunner(client *Client, opts ...RunnerOption) *Runner {
	r := &Runner{
		client:        client,
		maxIterations: DefaultMaxIterations,
		logger:        logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ worker.Runner = (*Runner)(nil)

// Run drives the model until it stops calling tools. Only the toolbox's
// permitted operations are offered to the model.
func (r *Runner) Run(ctx context.Context, a worker.Assignment, tb worker.Toolbox) (string, error) {
	log := r.logger.With(zap.String("task", a.TaskID))
	messages := historyMessages(a.History)
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(a.Prompt)))
	defs := workerTools(tb.Permitted())

	for i := 0; i < r.maxIterations; i++ {
		resp, err := r.client.send(ctx, workerSystemPrompt, messages, defs)
		if err != nil {
			if ctx.Err() != nil {
				return "", context.Cause(ctx)
			}
			return "", err
		}

		var (
			text      string
			assistant []anthropic.ContentBlockParamUnion
			results   []anthropic.ContentBlockParamUnion
		)
		for _, block := range resp.Content {
			switch v := block.AsAny().(type) {
			case anthropic.TextBlock:
				text += v.Text
				if v.Text != "" {
					assistant = append(assistant, anthropic.NewTextBlock(v.Text))
				}
			case anthropic.ToolUseBlock:
				assistant = append(assistant, anthropic.NewToolUseBlock(v.ID, v.Input, v.Name))
				out, err := tb.Invoke(ctx, v.Name, v.Input)
				if err != nil {
					if errors.Is(err, models.ErrCapabilityViolation) || models.IsCancellation(err) || ctx.Err() != nil {
						return "", err
					}
					log.Debug("tool call failed", zap.String("op", v.Name), zap.Error(err))
					results = append(results, anthropic.NewToolResultBlock(v.ID, err.Error(), true))
					continue
				}
				results = append(results, anthropic.NewToolResultBlock(v.ID, truncate(out, toolOutputLimit), false))
			}
		}

		if len(results) == 0 || resp.StopReason == anthropic.StopReasonEndTurn {
			return text, nil
		}
		messages = append(messages,
			anthropic.NewAssistantMessage(assistant...),
			anthropic.NewUserMessage(results...))
	}
	return "", fmt.Errorf("%w (%d)", ErrMaxIterations, r.maxIterations)
}

// historyMessages replays prior exchanges as alternating turns.
func historyMessages(history []models.Exchange) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, 2*len(history)+1)
	for _, ex := range history {
		msgs = append(msgs,
			anthropic.NewUserMessage(anthropic.NewTextBlock(ex.Instruction)),
			anthropic.NewAssistantMessage(anthropic.NewTextBlock(ex.Result)))
	}
	return msgs
}

// workerTools builds definitions for the permitted operations only.
func workerTools(permitted []string) []anthropic.ToolUnionParam {
	if len(permitted) == 0 {
		return nil
	}
	specs := tools.Specs(permitted...)
	defs := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, toolParam(s.Name, s.Description, s.Properties, s.Required))
	}
	return defs
}
