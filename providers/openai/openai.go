// Package openai adapts the OpenAI chat completions API to the provider
// contract. It serves as the reference implementation for other adapters,
// and it also covers OpenAI-compatible endpoints registered under another
// name.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/semcache/internal/httputil"
	"github.com/blueberrycongee/semcache/pkg/errors"
	"github.com/blueberrycongee/semcache/pkg/provider"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel serves requests that carry no model.
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout bounds one completion call.
	DefaultTimeout = 60 * time.Second
)

// Provider implements the OpenAI chat completions adapter.
type Provider struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	headers      map[string]string
	client       *http.Client
}

// New creates an OpenAI provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:         ProviderName,
		baseURL:      DefaultBaseURL,
		defaultModel: DefaultModel,
		headers:      make(map[string]string),
		client:       &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig creates a provider from a Config struct.
func NewFromConfig(cfg provider.Config) (provider.Provider, error) {
	opts := []Option{
		WithAPIKey(cfg.APIKey),
		WithBaseURL(cfg.BaseURL),
		WithDefaultModel(cfg.DefaultModel),
		WithTimeout(cfg.Timeout),
	}
	if cfg.Name != "" {
		opts = append(opts, WithName(cfg.Name))
	}
	p := New(opts...)
	for k, v := range cfg.Headers {
		p.headers[k] = v
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// Complete performs one chat completion call.
func (p *Provider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.Result, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: req.Query}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, errors.NewUpstreamFault(p.name, model, "marshal request").WithCause(err)
	}

	url := strings.TrimSuffix(p.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewUpstreamFault(p.name, model, "create request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelled(ctx.Err())
		}
		return nil, errors.NewConnectionFailure(p.name, model, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.FromStatusCode(p.name, model, resp.StatusCode, errorMessage(resp.Body))
	}

	raw, err := httputil.ReadBody(resp.Body, httputil.DefaultMaxBodyBytes)
	if err != nil {
		return nil, errors.NewUpstreamFault(p.name, model, "read response").WithCause(err)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewUpstreamFault(p.name, model, "decode response").WithCause(err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.NewUpstreamFault(p.name, model, "response contains no choices")
	}

	served := out.Model
	if served == "" {
		served = model
	}
	return &provider.Result{
		Content:          out.Choices[0].Message.Content,
		Model:            served,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

// errorMessage extracts the upstream error message, falling back to the
// raw body.
func errorMessage(r io.Reader) string {
	body := httputil.ErrorSnippet(r)
	if len(body) == 0 {
		return "upstream error"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return fmt.Sprintf("upstream error: %s", bytes.TrimSpace(body))
}

// OpenAI API types.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
