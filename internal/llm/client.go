// Package llm backs the orchestrator's decision policy and the worker's
// reasoning loop with the Anthropic Messages API, directly or through AWS
// Bedrock.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// ErrNoAPIKey is returned when no API key is configured for the direct API.
var ErrNoAPIKey = errors.New("ANTHROPIC_API_KEY is not set")

// DefaultMaxTokens bounds each model response.
const DefaultMaxTokens = 8192

// Config contains configuration for creating a Client.
type Config struct {
	// Model is the Claude model to use. Empty selects Sonnet 4.
	Model string `mapstructure:"model"`
	// APIKey is the Anthropic API key. If empty, ANTHROPIC_API_KEY is used.
	APIKey string `mapstructure:"api_key"`
	// MaxTokens bounds each response. Zero uses DefaultMaxTokens.
	MaxTokens int64 `mapstructure:"max_tokens"`
	// UseBedrock routes requests through AWS Bedrock.
	UseBedrock bool `mapstructure:"use_bedrock"`
	// AWSRegion is the Bedrock region.
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the optional shared AWS profile.
	AWSProfile string `mapstructure:"aws_profile"`
}

// Client wraps the Anthropic SDK client with token tracking.
type Client struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	usage     *Usage
}

// NewClient creates a Client. Extra request options are appended to the
// ones derived from cfg.
func NewClient(ctx context.Context, cfg Config, extra ...option.RequestOption) (*Client, error) {
	var opts []option.RequestOption
	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return nil, ErrNoAPIKey
		}
		opts = append(opts, option.WithAPIKey(key))
	}
	opts = append(opts, extra...)

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseBedrock {
		model = bedrockModel(model)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &Client{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		usage:     &Usage{},
	}, nil
}

// bedrockModel converts a model name to its Bedrock cross-region inference
// profile. Unknown names are returned unchanged.
func bedrockModel(model anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return anthropic.Model(p)
	}
	return model
}

// Model returns the configured model name.
func (c *Client) Model() anthropic.Model {
	return c.model
}

// Usage returns the client's token counters.
func (c *Client) Usage() *Usage {
	return c.usage
}

// send issues one Messages request and records its token usage.
func (c *Client) send(ctx context.Context, system string, messages []anthropic.MessageParam, tools []anthropic.ToolUnionParam) (*anthropic.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  messages,
		Tools:     tools,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("messages request: %w", err)
	}
	c.usage.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

// Usage tracks token usage across API calls.
type Usage struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// Add records token usage from an API call.
func (u *Usage) Add(input, output int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inputTok += input
	u.outputTok += output
	u.calls++
}

// Total returns the total input and output tokens tracked.
func (u *Usage) Total() (input, output int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inputTok, u.outputTok
}

// Calls returns the number of API calls made.
func (u *Usage) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// toolParams converts tool specs into SDK tool definitions.
func toolParam(name, description string, properties map[string]any, required []string) anthropic.ToolUnionParam {
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
				Required:   required,
			},
		},
	}
}

// truncate shortens s to n bytes with a marker.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
