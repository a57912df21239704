package embedding

import (
	"context"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/fabfab/knowledgebase/internal/apperr"
)

// OpenAIProvider embeds chunk texts via openai-go/v2's Embeddings service,
// the same SDK internal/llm uses for chat completions and reranking —
// see DESIGN.md for why this replaced an earlier hand-rolled HTTP client.
type OpenAIProvider struct {
	sdk   sdk.Client
	model string
}

// NewOpenAIProvider builds a provider targeting baseURL (e.g.
// "https://api.openai.com/v1") with the given API key and model.
func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{sdk: sdk.NewClient(opts...), model: model}
}

func (p *OpenAIProvider) Model() string { return p.model }

// Embed sends all texts in a single request, relying on the provider's
// native support for batched input.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.sdk.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: sdk.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, apperr.Transient("embedding provider request", err)
	}
	if len(resp.Data) == 0 {
		return nil, apperr.Permanent(apperr.CodeEmbeddingConfigError, "embedding provider returned no data", nil)
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[idx] = vec
	}
	return out, nil
}
