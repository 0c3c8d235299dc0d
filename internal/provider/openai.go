package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomctl/loom/internal/backoff"
	"github.com/loomctl/loom/internal/bridge"
	"github.com/loomctl/loom/internal/tool/toolconv"
	"github.com/loomctl/loom/pkg/models"
)

// OpenAIConfig holds settings for the OpenAI invoker.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// OpenAIInvoker drives the chat completions API. It expects native
// wire-shape conversations: tool_calls arrays on assistant messages and
// tool-role result messages.
//
// Thread Safety:
// OpenAIInvoker is safe for concurrent use.
type OpenAIInvoker struct {
	client       *openai.Client
	maxRetries   int
	retry        backoff.Policy
	defaultModel string
}

// NewOpenAI creates an OpenAI invoker.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIInvoker, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIInvoker{
		client:       openai.NewClientWithConfig(clientCfg),
		maxRetries:   cfg.MaxRetries,
		retry:        backoff.Provider(cfg.RetryDelay),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAIInvoker) Name() string { return "openai" }

// Invoke runs one streamed exchange. Stream creation retries with
// exponential backoff on transient failures.
func (p *OpenAIInvoker) Invoke(ctx context.Context, req *bridge.InvokeRequest) (*bridge.InvokeResult, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Schemas) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Schemas)
	}

	stream, err := p.createStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	defer stream.Close()

	return p.consumeStream(ctx, stream, req.OnDelta)
}

func (p *OpenAIInvoker) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIInvoker) createStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		stream, err := p.client.CreateChatCompletionStream(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		if attempt < p.maxRetries {
			if werr := p.retry.Wait(ctx, attempt); werr != nil {
				return nil, werr
			}
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (p *OpenAIInvoker) consumeStream(ctx context.Context, stream *openai.ChatCompletionStream, onDelta func(string)) (*bridge.InvokeResult, error) {
	var text strings.Builder
	pending := make(map[int]*accumulatedCall)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("openai: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &accumulatedCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}
	}

	toolCalls, err := finalizeCalls(pending)
	if err != nil {
		return nil, err
	}
	return &bridge.InvokeResult{Text: text.String(), ToolCalls: toolCalls}, nil
}

type accumulatedCall struct {
	id   string
	name string
	args strings.Builder
}

// finalizeCalls orders accumulated tool calls by stream index and decodes
// their argument JSON.
func finalizeCalls(pending map[int]*accumulatedCall) ([]models.ToolCall, error) {
	if len(pending) == 0 {
		return nil, nil
	}

	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]models.ToolCall, 0, len(pending))
	for _, i := range indexes {
		call := pending[i]
		if call.id == "" || call.name == "" {
			continue
		}
		args := map[string]any{}
		if raw := call.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("openai: tool arguments for %s are not valid JSON: %w", call.name, err)
			}
		}
		out = append(out, models.ToolCall{ID: call.id, Function: call.name, Args: args})
	}
	return out, nil
}

func convertOpenAIMessages(messages []models.ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		out := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if len(msg.ToolCalls) > 0 {
			out.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				out.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}
		}
		if msg.ToolCallID != "" {
			out.ToolCallID = msg.ToolCallID
		}
		result = append(result, out)
	}

	return result
}
