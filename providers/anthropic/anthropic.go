// Package anthropic adapts the Anthropic Messages API to the provider
// contract.
package anthropic

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
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the default Anthropic API version.
	DefaultAPIVersion = "2023-06-01"

	// DefaultModel serves requests that carry no model.
	DefaultModel = "claude-3-5-sonnet-20241022"

	// DefaultMaxTokens caps responses when the caller sets no limit.
	// The Messages API rejects requests without max_tokens.
	DefaultMaxTokens = 4096

	// DefaultTimeout bounds one completion call.
	DefaultTimeout = 60 * time.Second
)

// Provider implements the Anthropic Messages API adapter.
type Provider struct {
	name         string
	apiKey       string
	baseURL      string
	apiVersion   string
	defaultModel string
	headers      map[string]string
	client       *http.Client
}

// New creates an Anthropic provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:         ProviderName,
		baseURL:      DefaultBaseURL,
		apiVersion:   DefaultAPIVersion,
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

// Complete performs one Messages API call.
func (p *Provider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.Result, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	body, err := json.Marshal(messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    []messageParam{{Role: "user", Content: req.Query}},
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, errors.NewUpstreamFault(p.name, model, "marshal request").WithCause(err)
	}

	url := strings.TrimSuffix(p.baseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewUpstreamFault(p.name, model, "create request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)
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

	var out messagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewUpstreamFault(p.name, model, "decode response").WithCause(err)
	}

	var content strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 {
		return nil, errors.NewUpstreamFault(p.name, model, "response contains no text content")
	}

	served := out.Model
	if served == "" {
		served = model
	}
	return &provider.Result{
		Content:          content.String(),
		Model:            served,
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
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
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return fmt.Sprintf("upstream error: %s", bytes.TrimSpace(body))
}

// Anthropic Messages API types.

type messagesRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	Messages    []messageParam `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
}

type messageParam struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
