// Example: Extending the query pipeline
//
// This example demonstrates the semcache extension surface: custom
// pipeline steps, an error handler observing recovered failures, and
// per-request control of the cache tiers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/blueberrycongee/semcache"
)

func main() {
	// Create a logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Create a semcache client with two providers; registration order is
	// the fallback order.
	client, err := semcache.New(
		semcache.WithProvider(semcache.ProviderConfig{
			Type:   "openai",
			APIKey: os.Getenv("OPENAI_API_KEY"),
		}),
		semcache.WithProvider(semcache.ProviderConfig{
			Type:   "anthropic",
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
		}),
		semcache.WithLogger(logger),

		// Observe failures the pipeline recovers from, such as a cache
		// or embedding fault that degraded a query to upstream-only.
		semcache.WithErrorHandler(func(ctx context.Context, step string, err error) error {
			logger.Warn("step degraded", "step", step, "error", err)
			return nil
		}),

		// Audit every query once it has been normalized.
		semcache.WithStepAfter(semcache.StepNormalize, semcache.Step{
			Name: "audit",
			Run: func(ctx context.Context, st *semcache.State) error {
				logger.Info("query accepted",
					"fingerprint", st.Fingerprint,
					"normalized", st.Normalized,
				)
				return nil
			},
		}),
	)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx := context.Background()

	// The first query dispatches upstream. The literal repeat is served
	// from the exact tier; the paraphrase from the semantic tier.
	queries := []string{
		"What is the capital of France?",
		"What is the capital of France?",
		"Which city is France's capital?",
	}
	for _, q := range queries {
		resp, err := client.Query(ctx, &semcache.Request{Query: q})
		if err != nil {
			logger.Error("query failed", "error", err)
			continue
		}
		fmt.Printf("[%s] %s\n", resp.CacheKind, resp.Content)
	}

	// Per-request tier control: bypass the cache entirely for a query
	// that must reach the provider.
	fresh, err := client.Query(ctx, &semcache.Request{
		Query:       "What is the capital of France?",
		UseExact:    semcache.Bool(false),
		UseSemantic: semcache.Bool(false),
	})
	if err != nil {
		logger.Error("forced dispatch failed", "error", err)
	} else {
		fmt.Printf("[fresh] %s (cost $%.6f)\n", fresh.Content, fresh.CostUSD)
	}

	// Counters cover both tiers, the vector pool, upstream spend, and
	// end-to-end latency.
	stats := client.Stats(ctx)
	logger.Info("totals",
		"lookups", stats.Cache.Lookups,
		"exact_hits", stats.Cache.ExactHits,
		"semantic_hits", stats.Cache.SemanticHits,
		"hit_rate", stats.Cache.HitRate,
		"spend_usd", stats.Cost.TotalUSD,
		"p95_ms", stats.Latency.P95MS,
	)
}
