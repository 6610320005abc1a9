package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nidhogg/code-monkeys/internal/config"
)

func TestAPIProviderEmbed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := apiResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, apiEmbeddingData{Index: i, Embedding: []float32{float32(i), 0.2, 0.3}})
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(config.EmbeddingConfig{Endpoint: srv.URL, Model: "test-model"})

	vectors, err := p.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
	if vectors[1][0] != 1 {
		t.Errorf("vectors out of order: %v", vectors)
	}
	if p.Dimension() != 3 {
		t.Errorf("got dimension %d, want 3", p.Dimension())
	}
}

func TestAPIProviderEmbed_Empty(t *testing.T) {
	p := NewAPIProvider(config.EmbeddingConfig{Endpoint: "http://unused", Dimension: 128})

	vectors, err := p.Embed(context.Background(), []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
	if d := p.Dimension(); d != 128 {
		t.Errorf("got dimension %d, want configured default 128", d)
	}
}

func TestLocalProviderEmbed(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		calls++
		json.NewEncoder(w).Encode(localResponse{Embedding: []float32{1, 2}})
	}))
	defer srv.Close()

	p := NewLocalProvider(config.EmbeddingConfig{Endpoint: srv.URL, Model: "nomic"})
	vectors, err := p.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vectors) != 3 || calls != 3 || p.Dimension() != 2 {
		t.Errorf("vectors=%d calls=%d dim=%d", len(vectors), calls, p.Dimension())
	}
}

func TestHashProviderDeterministic(t *testing.T) {
	p := NewHashProvider(0)
	if p.Dimension() != defaultHashDimension {
		t.Fatalf("dimension = %d", p.Dimension())
	}
	a, _ := p.Embed(context.Background(), []string{"backend game engine module"})
	b, _ := p.Embed(context.Background(), []string{"backend game engine module"})
	if Cosine(a[0], b[0]) < 0.9999 {
		t.Error("same text should embed identically")
	}

	var norm float64
	for _, v := range a[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("vector not normalized: %f", norm)
	}
}

func TestHashProviderSimilarity(t *testing.T) {
	p := NewHashProvider(512)
	vecs, _ := p.Embed(context.Background(), []string{
		"design the backend game engine",
		"implement the backend game engine in python",
		"write a haiku about autumn leaves",
	})
	near := Cosine(vecs[0], vecs[1])
	far := Cosine(vecs[0], vecs[2])
	if near <= far {
		t.Errorf("related texts should score higher: near=%f far=%f", near, far)
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.EmbeddingConfig{Provider: "hash", Dimension: 64})
	if err != nil || p.Dimension() != 64 {
		t.Fatalf("hash provider: %v dim=%d", err, p.Dimension())
	}
	_, err = NewProvider(config.EmbeddingConfig{Provider: "word2vec"})
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Write game_engine.py, NOW!")
	want := []string{"write", "game_engine", "py", "now"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}
