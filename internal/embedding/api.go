package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/nidhogg/code-monkeys/internal/config"
)

// APIProvider embeds through an OpenAI-compatible /embeddings endpoint.
type APIProvider struct {
	endpoint  string
	model     string
	apiKey    string
	dimension int

	mu       sync.RWMutex
	observed int
}

func NewAPIProvider(cfg config.EmbeddingConfig) *APIProvider {
	return &APIProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed sends all texts in one batch.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result apiResponse
	if err := postJSON(ctx, p.endpoint+"/embeddings", p.apiKey, apiRequest{Model: p.model, Input: texts}, &result); err != nil {
		return nil, err
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(result.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for i, d := range result.Data {
		idx := d.Index
		if idx < 0 || idx >= len(texts) || embeddings[idx] != nil {
			idx = i
		}
		embeddings[idx] = d.Embedding
	}
	p.observe(len(embeddings[0]))
	return embeddings, nil
}

func (p *APIProvider) observe(dim int) {
	if dim == 0 {
		return
	}
	p.mu.Lock()
	if p.observed == 0 {
		p.observed = dim
	}
	p.mu.Unlock()
}

// Dimension returns the dimension seen on the first answer, or the configured one.
func (p *APIProvider) Dimension() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.observed > 0 {
		return p.observed
	}
	return p.dimension
}
