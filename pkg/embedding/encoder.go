package embedding

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEncoder calls an OpenAI-compatible embeddings endpoint. The deployed
// model is e5-base-v2 served behind such an endpoint, which is why inputs
// arrive already carrying their "passage: " / "query: " prefixes.
type OpenAIEncoder struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIEncoder builds an encoder against baseURL (empty means the
// default OpenAI endpoint).
func NewOpenAIEncoder(baseURL, apiKey, model string) *OpenAIEncoder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = "e5-base-v2"
	}
	return &OpenAIEncoder{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: 60 * time.Second,
	}
}

// Encode embeds inputs in one request, retrying transient failures.
func (e *OpenAIEncoder) Encode(ctx context.Context, inputs []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var resp openai.EmbeddingResponse
	err := retry.Do(
		func() error {
			var rerr error
			resp, rerr = e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: inputs,
				Model: openai.EmbeddingModel(e.model),
			})
			return rerr
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
	)
	if err != nil {
		return nil, errors.Wrap(err, "embedding request failed")
	}
	if len(resp.Data) != len(inputs) {
		return nil, errors.Errorf("encoder returned %d vectors for %d inputs", len(resp.Data), len(inputs))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
