// Package knowledge implements the per-chatbot knowledge base: a pgvector
// semantic index over pre-chunked documents, an OpenAI embeddings client,
// and the tools that expose search and human escalation to the realtime
// providers.
package knowledge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// DefaultEmbeddingModel is the embedding model used when none is configured.
const DefaultEmbeddingModel = oai.EmbeddingModelTextEmbedding3Small

// Embedder turns text into a vector for indexing and search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder is the [Embedder] backed by the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client oai.Client
	model  string
}

var _ Embedder = (*OpenAIEmbedder)(nil)

type embedderConfig struct {
	baseURL string
	timeout time.Duration
}

// EmbedderOption is a functional option for [NewOpenAIEmbedder].
type EmbedderOption func(*embedderConfig)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) EmbedderOption {
	return func(c *embedderConfig) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) EmbedderOption {
	return func(c *embedderConfig) {
		c.timeout = d
	}
}

// NewOpenAIEmbedder constructs an [OpenAIEmbedder]. If model is empty,
// [DefaultEmbeddingModel] is used.
func NewOpenAIEmbedder(apiKey, model string, opts ...EmbedderOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("knowledge: embedder apiKey must not be empty")
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}

	cfg := &embedderConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &OpenAIEmbedder{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Embed implements [Embedder].
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: e.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("knowledge: empty embeddings response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// ModelID returns the configured model name.
func (e *OpenAIEmbedder) ModelID() string {
	return e.model
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
