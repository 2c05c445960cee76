// Package llm is the thin structured-output layer the background pipelines
// (librarian, gardener, chronicler, titler, query rewriter) use to talk to
// the model API. Each call forces a single tool whose input schema is the
// desired output document, so responses always parse into a typed struct.
package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/logger"
)

// Model aliases. Agents and pipelines name models by alias; the mapping to
// concrete API model ids lives here and nowhere else.
const (
	ModelSonnet = "sonnet"
	ModelOpus   = "opus"
	ModelHaiku  = "haiku"
)

// ErrTimeout reports that the call exceeded its budget.
var ErrTimeout = errors.New("llm: call timed out")

// IsTimeout reports whether err stems from an exceeded call budget.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// ValidAlias reports whether alias names a supported model.
func ValidAlias(alias string) bool {
	switch alias {
	case ModelSonnet, ModelOpus, ModelHaiku:
		return true
	}
	return false
}

func resolveModel(alias string) anthropic.Model {
	switch alias {
	case ModelOpus:
		return anthropic.ModelClaudeOpus4_0
	case ModelHaiku:
		return anthropic.ModelClaude3_5HaikuLatest
	default:
		return anthropic.ModelClaudeSonnet4_0
	}
}

// GenerateSchema reflects a Go struct into the JSON schema the API enforces
// on structured output.
func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

// StructuredRequest describes one structured-output call.
type StructuredRequest struct {
	Model        string // alias; empty means sonnet
	SystemPrompt string
	UserPrompt   string
	Schema       *jsonschema.Schema
	MaxTokens    int
	Timeout      time.Duration
	// ThinkingBudget enables extended thinking with an explicit token
	// budget. Sonnet and opus default to an adaptive budget; haiku only
	// thinks when a budget is set per agent.
	ThinkingBudget int
}

// StructuredCaller is what the pipelines depend on; tests substitute fakes.
type StructuredCaller interface {
	Structured(ctx context.Context, req StructuredRequest, out any) error
}

// Client calls the Anthropic API.
type Client struct {
	api anthropic.Client
}

// NewClient builds a Client using ambient API credentials.
func NewClient() *Client {
	return &Client{api: anthropic.NewClient()}
}

const emitToolName = "emit"

// Structured sends the prompt and decodes the forced tool call into out.
func (c *Client) Structured(ctx context.Context, req StructuredRequest, out any) error {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	params := anthropic.MessageNewParams{
		Model:     resolveModel(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
		Tools: []anthropic.ToolUnionParam{{
			OfTool: &anthropic.ToolParam{
				Name:        emitToolName,
				Description: anthropic.String("Emit the structured result."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: req.Schema.Properties,
					Required:   req.Schema.Required,
				},
			},
		}},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: emitToolName},
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
		// Forced tool choice is incompatible with extended thinking.
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{},
		}
	}

	resp, err := c.api.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Wrap(ErrTimeout, err.Error())
		}
		return errors.Wrap(err, "structured call failed")
	}

	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			raw := variant.JSON.Input.Raw()
			if err := json.Unmarshal([]byte(raw), out); err != nil {
				return errors.Wrap(err, "structured output did not match schema")
			}
			return nil
		}
	}

	logger.G(ctx).WithField("model", req.Model).Warn("model returned no structured block")
	return errors.New("structured call produced no tool output")
}
