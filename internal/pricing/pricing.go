// Package pricing prices upstream provider calls and keeps the append-only
// cost ledger. A per-million-token price table ships embedded in the binary;
// deployments can overlay it from a file, with hot reload.
package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

//go:embed data/pricing.json
var embeddedTable []byte

// ModelPrice holds USD prices per million tokens. Table keys are model name
// prefixes; the longest prefix matching a requested model wins, so
// "gpt-4o-mini" beats "gpt-4o" for gpt-4o-mini-2024-07-18.
type ModelPrice struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// defaultPrices parses the embedded table. The data is compiled in, so a
// parse failure is a build defect.
func defaultPrices() map[string]ModelPrice {
	prices, err := parseTable(embeddedTable)
	if err != nil {
		panic(fmt.Sprintf("pricing: embedded table invalid: %v", err))
	}
	return prices
}

func parseTable(data []byte) (map[string]ModelPrice, error) {
	var prices map[string]ModelPrice
	if err := json.Unmarshal(data, &prices); err != nil {
		return nil, err
	}
	normalized := make(map[string]ModelPrice, len(prices))
	for prefix, p := range prices {
		normalized[strings.ToLower(prefix)] = p
	}
	return normalized, nil
}

// loadFile reads a price table from path and overlays it on the embedded
// defaults, so a partial file only overrides the prefixes it names.
func loadFile(path string) (map[string]ModelPrice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	overlay, err := parseTable(data)
	if err != nil {
		return nil, fmt.Errorf("parse price table: %w", err)
	}

	merged := defaultPrices()
	for prefix, p := range overlay {
		merged[prefix] = p
	}
	return merged, nil
}

// lookup finds the longest prefix matching model, case-insensitive.
func lookup(prices map[string]ModelPrice, model string) (ModelPrice, bool) {
	model = strings.ToLower(model)

	var (
		best    ModelPrice
		bestLen = -1
	)
	for prefix, p := range prices {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	return best, bestLen >= 0
}

func callCost(p ModelPrice, promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1e6*p.InputPerMillion +
		float64(completionTokens)/1e6*p.OutputPerMillion
}
