// Package llmclient implements the LLM Client (C16): a chat/streaming
// client against a local OpenAI-wire-compatible endpoint, used by
// retrieval summarization and web-fallback synthesis.
package llmclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"
)

type Message struct {
	Role    string
	Content string
}

type GenerateParams struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Stop        []string
}

type Client struct {
	sdk openai.Client
}

func New(endpoint, apiKey string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	return &Client{sdk: openai.NewClient(opts...)}
}

func buildParams(p GenerateParams) openai.ChatCompletionNewParams {
	var msgs []openai.ChatCompletionMessageParamUnion
	for _, m := range p.Messages {
		switch strings.ToLower(m.Role) {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.Model),
		Messages:    msgs,
		Temperature: param.NewOpt(p.Temperature),
	}
	if p.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(p.MaxTokens))
	}
	if len(p.Stop) > 0 {
		params.Stop.OfStringArray = p.Stop
	}
	return params
}

// Generate performs a non-streaming chat completion.
func (c *Client) Generate(ctx context.Context, p GenerateParams) (string, error) {
	resp, err := c.sdk.Chat.Completions.New(ctx, buildParams(p))
	if err != nil {
		return "", fmt.Errorf("llm generate failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// OnDelta is called once per streamed content token; returning false
// aborts the stream early (the underlying request is closed immediately).
type OnDelta func(delta string) bool

// GenerateStream streams a chat completion, calling onDelta for each
// content fragment as it arrives.
func (c *Client) GenerateStream(ctx context.Context, p GenerateParams, onDelta OnDelta) error {
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, buildParams(p))
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if !onDelta(delta) {
			return stream.Close()
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("llm stream failed: %w", err)
	}
	return nil
}
