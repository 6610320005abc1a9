package embedding

import (
	"context"
	"sync"

	"github.com/nidhogg/code-monkeys/internal/config"
)

// LocalProvider embeds through an Ollama-compatible /api/embeddings endpoint,
// one request per text.
type LocalProvider struct {
	endpoint  string
	model     string
	dimension int

	mu       sync.RWMutex
	observed int
}

func NewLocalProvider(cfg config.EmbeddingConfig) *LocalProvider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &LocalProvider{
		endpoint:  endpoint,
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var result localResponse
		if err := postJSON(ctx, p.endpoint+"/api/embeddings", "", localRequest{Model: p.model, Prompt: text}, &result); err != nil {
			return nil, err
		}
		embeddings = append(embeddings, result.Embedding)
	}

	if dim := len(embeddings[0]); dim > 0 {
		p.mu.Lock()
		if p.observed == 0 {
			p.observed = dim
		}
		p.mu.Unlock()
	}
	return embeddings, nil
}

func (p *LocalProvider) Dimension() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.observed > 0 {
		return p.observed
	}
	return p.dimension
}
