// Package tokenizer provides token counting and context-window checks for
// cache worthiness and request validation.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// CountTextTokens returns the token count for the given text using tiktoken.
// If no encoding is available, it falls back to a conservative len/4 estimate.
func CountTextTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimatePromptTokens estimates the prompt size for a single-query request:
// the query itself plus a small primer overhead used by chat formats.
func EstimatePromptTokens(model, query string) int {
	if query == "" {
		return 0
	}
	return CountTextTokens(model, query) + 3
}

// contextWindows maps model prefixes to their context window in tokens.
// Longest prefix wins; unknown models get defaultWindow.
var contextWindows = map[string]int{
	"gpt-4o":            128000,
	"gpt-4-turbo":       128000,
	"gpt-4":             8192,
	"gpt-3.5-turbo-16k": 16385,
	"gpt-3.5-turbo":     16385,
	"o1":                200000,
	"claude-3":          200000,
	"claude-sonnet":     200000,
	"claude-opus":       200000,
	"claude-haiku":      200000,
	"claude-2":          100000,
	"gemini-1.5":        1048576,
	"gemini-2":          1048576,
	"llama-3":           8192,
	"mistral":           32768,
}

const defaultWindow = 8192

// ContextWindow returns the context window for the model by longest prefix
// match, or a conservative default for unknown models.
func ContextWindow(model string) int {
	base := normalizeModelName(model)
	bestLen := 0
	best := defaultWindow
	for prefix, window := range contextWindows {
		if strings.HasPrefix(base, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = window
		}
	}
	return best
}

// FitsWindow reports whether prompt plus completion budget fits the model's
// context window.
func FitsWindow(model, query string, maxTokens int) bool {
	return EstimatePromptTokens(model, query)+maxTokens <= ContextWindow(model)
}

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	if cached, ok := encodingCache.Load(base); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return getDefaultEncoding()
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

func normalizeModelName(model string) string {
	if model == "" {
		return model
	}
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
