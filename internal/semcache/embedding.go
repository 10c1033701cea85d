// Package semcache is the embedding-keyed semantic response cache backed
// by Redis, plus the embedding client it depends on.
package semcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	embeddingTimeout = 10 * time.Second
	embeddingModel   = "nomic-embed-text"
	fallbackDims     = 384
)

// EmbeddingClient produces prompt embeddings via a local Ollama server,
// degrading to a deterministic hash embedding when the server is
// unavailable.
type EmbeddingClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewEmbeddingClient creates a client for {baseURL}/api/embeddings.
// Empty baseURL disables the remote path entirely.
func NewEmbeddingClient(baseURL string) *EmbeddingClient {
	return &EmbeddingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   embeddingModel,
		client:  &http.Client{Timeout: embeddingTimeout},
	}
}

// Embed returns a vector for text. Never fails: any remote error falls
// back to FallbackEmbedding.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) []float64 {
	if c.baseURL == "" {
		return FallbackEmbedding(text)
	}
	vec, err := c.remoteEmbed(ctx, text)
	if err != nil || len(vec) == 0 {
		return FallbackEmbedding(text)
	}
	return vec
}

func (c *EmbeddingClient) remoteEmbed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]string{
		"model":  c.model,
		"prompt": text,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, embeddingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings endpoint returned %d", resp.StatusCode)
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

// FallbackEmbedding is a deterministic 384-dim pseudo-embedding: each
// character folds into three hash positions, then the vector is
// L2-normalized. Similar strings land near each other, which is all the
// threshold check needs when the real embedder is down.
func FallbackEmbedding(text string) []float64 {
	s := strings.ToLower(strings.TrimSpace(text))
	vec := make([]float64, fallbackDims)
	for i, r := range s {
		c := int(r)
		for j := 0; j < 3; j++ {
			pos := (c*(j+1) + i*7) % fallbackDims
			if pos < 0 {
				pos += fallbackDims
			}
			vec[pos]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Cosine similarity of equal-length vectors; 0 for mismatched lengths or
// zero norms.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
