// Package llm wraps openai-go/v2 for chat-style cross-encoder reranking
// (scoring candidate chunks against a query), /chat generation with a
// fallback model list, and streaming /chat generation against a single
// model (no fallback, mirroring the original's stream() which only ever
// invokes settings.llm.default_model).
package llm

import (
	"context"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/fabfab/knowledgebase/internal/apperr"
)

// Client is a thin wrapper around the OpenAI chat completions API.
type Client struct {
	sdk sdk.Client
}

// New builds a Client against baseURL with apiKey.
func New(baseURL, apiKey string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{sdk: sdk.NewClient(opts...)}
}

// Complete sends a system+user prompt pair to model and returns the first
// choice's text content.
func (c *Client) Complete(ctx context.Context, model, system, user string, temperature float64, maxTokens int) (string, error) {
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(system),
			sdk.UserMessage(user),
		},
		Temperature: sdk.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	}

	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", apperr.Transient("chat completion request", err)
	}
	if len(comp.Choices) == 0 {
		return "", apperr.Permanent(apperr.CodeLLMFailed, "chat completion returned no choices", nil)
	}
	return comp.Choices[0].Message.Content, nil
}

// CompleteWithFallback tries models in order, returning the first
// successful completion. Transient failures fall through to the next
// model; the last error is returned if every model fails.
func (c *Client) CompleteWithFallback(ctx context.Context, models []string, system, user string, temperature float64, maxTokens int) (string, string, error) {
	if len(models) == 0 {
		return "", "", apperr.Fatal("config_error", "no llm models configured", nil)
	}

	var lastErr error
	for _, model := range models {
		text, err := c.Complete(ctx, model, system, user, temperature, maxTokens)
		if err == nil {
			return text, model, nil
		}
		lastErr = err
		if apperr.IsPermanent(err) {
			return "", "", err
		}
	}
	return "", "", lastErr
}

// StreamComplete streams a single model's completion, invoking onDelta
// with each incremental text fragment as it arrives. Unlike
// CompleteWithFallback, there is no fallback list: the original's
// stream() path only ever calls the default model.
func (c *Client) StreamComplete(ctx context.Context, model, system, user string, temperature float64, maxTokens int, onDelta func(string) error) error {
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(system),
			sdk.UserMessage(user),
		},
		Temperature: sdk.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	}

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onDelta(delta); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return apperr.Transient("chat completion stream", err)
	}
	return nil
}
