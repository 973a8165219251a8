package embedding

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/semcache/internal/httputil"
	"github.com/blueberrycongee/semcache/pkg/errors"
)

// OpenAI implements Embedder against any OpenAI-compatible embeddings
// endpoint. Calls are smoothed client-side so a burst of cache misses does
// not trip the upstream rate limit.
type OpenAI struct {
	client    *http.Client
	limiter   *rate.Limiter
	apiKey    string
	apiBase   string
	model     string
	dimension int
	normalize bool
}

// OpenAIConfig holds settings for the HTTP embedder.
type OpenAIConfig struct {
	APIKey    string
	APIBase   string
	Model     string
	Dimension int
	Timeout   time.Duration

	// RequestsPerMinute caps outgoing embedding calls. Zero disables
	// smoothing.
	RequestsPerMinute int

	// Normalize rescales vectors to unit L2 norm.
	Normalize bool
}

// DefaultOpenAIConfig returns sensible defaults for the HTTP embedder.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		APIBase:   "https://api.openai.com/v1",
		Model:     "text-embedding-3-small",
		Dimension: 1536,
		Timeout:   30 * time.Second,
		Normalize: true,
	}
}

// NewOpenAI creates an HTTP embedder.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding api_key is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.RequestsPerMinute / 60
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), burst)
	}

	return &OpenAI{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter:   limiter,
		apiKey:    cfg.APIKey,
		apiBase:   strings.TrimRight(cfg.APIBase, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		normalize: cfg.Normalize,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || vecs[0] == nil {
		return nil, errors.NewEmbeddingFault("no embedding returned", nil)
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one upstream call.
func (e *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, errors.NewCancelled(err)
		}
	}

	reqBody := embeddingRequest{
		Model: e.model,
		Input: texts,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.NewEmbeddingFault("marshal request", err)
	}

	url := fmt.Sprintf("%s/embeddings", e.apiBase)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, errors.NewEmbeddingFault("create request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelled(ctx.Err())
		}
		return nil, errors.NewEmbeddingFault("embedding request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httputil.ErrorSnippet(resp.Body)
		return nil, errors.NewEmbeddingFault(
			fmt.Sprintf("embedding failed: status=%d, body=%s", resp.StatusCode, body), nil)
	}

	raw, err := httputil.ReadBody(resp.Body, httputil.DefaultMaxBodyBytes)
	if err != nil {
		return nil, errors.NewEmbeddingFault("read response", err)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(raw, &embResp); err != nil {
		return nil, errors.NewEmbeddingFault("decode response", err)
	}

	// The API may return data out of order; index correlates results.
	vecs := make([][]float32, len(texts))
	for _, data := range embResp.Data {
		if data.Index < 0 || data.Index >= len(vecs) {
			continue
		}
		vec := data.Embedding
		if e.normalize {
			normalizeL2(vec)
		}
		vecs[data.Index] = vec
	}
	for i, vec := range vecs {
		if vec == nil {
			return nil, errors.NewEmbeddingFault(
				fmt.Sprintf("no embedding returned for input %d", i), nil)
		}
	}

	return vecs, nil
}

// Model returns the embedding model name.
func (e *OpenAI) Model() string {
	return e.model
}

// Dimension returns the embedding dimension.
func (e *OpenAI) Dimension() int {
	return e.dimension
}

// OpenAI API types

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Object string          `json:"object"`
	Data   []embeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  embeddingUsage  `json:"usage"`
}

type embeddingData struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
