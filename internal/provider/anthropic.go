// Package provider implements the model invoker over the Anthropic and
// OpenAI SDKs. Each invoker speaks its provider's streaming API and
// reports incremental text through the request's delta callback.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomctl/loom/internal/backoff"
	"github.com/loomctl/loom/internal/bridge"
	"github.com/loomctl/loom/internal/tool/toolconv"
	"github.com/loomctl/loom/pkg/models"
)

const defaultMaxTokens = 4096

// AnthropicConfig holds settings for the Anthropic invoker.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// AnthropicInvoker drives Anthropic's Messages API. It expects alternate
// wire-shape conversations: structured content blocks with tool_use and
// tool_result entries.
//
// Thread Safety:
// AnthropicInvoker is safe for concurrent use.
type AnthropicInvoker struct {
	client       anthropic.Client
	maxRetries   int
	retry        backoff.Policy
	defaultModel string
}

// NewAnthropic creates an Anthropic invoker.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicInvoker, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicInvoker{
		client:       anthropic.NewClient(options...),
		maxRetries:   cfg.MaxRetries,
		retry:        backoff.Provider(cfg.RetryDelay),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicInvoker) Name() string { return "anthropic" }

// Invoke runs one streamed exchange. Transient failures before any
// output retry with exponential backoff.
func (p *AnthropicInvoker) Invoke(ctx context.Context, req *bridge.InvokeRequest) (*bridge.InvokeResult, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		result, produced, err := p.runStream(ctx, params, req.OnDelta)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Never replay a stream the client already saw part of.
		if produced || !isRetryable(err) {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		if attempt < p.maxRetries {
			if werr := p.retry.Wait(ctx, attempt); werr != nil {
				return nil, werr
			}
		}
	}
	return nil, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
}

func (p *AnthropicInvoker) buildParams(req *bridge.InvokeRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.System},
		}
	}
	if len(req.Schemas) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Schemas)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

func (p *AnthropicInvoker) runStream(ctx context.Context, params anthropic.MessageNewParams, onDelta func(string)) (*bridge.InvokeResult, bool, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)

	var text strings.Builder
	var toolCalls []models.ToolCall
	var currentID, currentName string
	var currentInput strings.Builder
	inToolUse := false
	produced := false

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentID = toolUse.ID
				currentName = toolUse.Name
				currentInput.Reset()
				inToolUse = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					produced = true
					text.WriteString(delta.Text)
					if onDelta != nil {
						onDelta(delta.Text)
					}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if inToolUse {
				args := map[string]any{}
				raw := currentInput.String()
				if raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						return nil, produced, fmt.Errorf("tool input for %s is not valid JSON: %w", currentName, err)
					}
				}
				toolCalls = append(toolCalls, models.ToolCall{
					ID:       currentID,
					Function: currentName,
					Args:     args,
				})
				inToolUse = false
				produced = true
			}

		case "message_stop":
			return &bridge.InvokeResult{Text: text.String(), ToolCalls: toolCalls}, produced, nil

		case "error":
			return nil, produced, errors.New("stream error")
		}
	}

	if err := stream.Err(); err != nil {
		return nil, produced, err
	}
	return &bridge.InvokeResult{Text: text.String(), ToolCalls: toolCalls}, produced, nil
}

func convertAnthropicMessages(messages []models.ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, block := range msg.Blocks {
			switch block.Type {
			case models.BlockText:
				content = append(content, anthropic.NewTextBlock(block.Text))
			case models.BlockToolUse:
				content = append(content, anthropic.NewToolUseBlock(block.ID, block.Input, block.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError))
			default:
				return nil, fmt.Errorf("unsupported content block %q", block.Type)
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
