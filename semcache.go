// Package semcache is a semantic response cache that sits in front of LLM
// providers. Repeated questions are answered from an exact fingerprint
// tier, paraphrased questions from a vector-similarity tier, and only
// genuine misses are dispatched upstream through retries, per-provider
// circuit breakers, and rate limits.
//
// Basic usage:
//
//	client, err := semcache.New(
//		semcache.WithProvider(semcache.ProviderConfig{
//			Type:   "openai",
//			APIKey: os.Getenv("OPENAI_API_KEY"),
//		}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.Query(ctx, &semcache.Request{
//		Query: "What is the capital of France?",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(resp.Content, resp.FromCache)
//
// With no further options the client runs fully in-process: a
// deterministic local embedder, an in-memory vector store, and an
// in-memory exact store. Production deployments swap those for OpenAI
// embeddings, Qdrant, and Redis through options or through NewFromConfig.
package semcache

import (
	"github.com/blueberrycongee/semcache/pkg/errors"
	"github.com/blueberrycongee/semcache/pkg/provider"
	"github.com/blueberrycongee/semcache/pkg/types"
)

// Version is the semcache release version.
const Version = "0.3.0"

// Core request/response types, re-exported so most callers only import
// this package.
type (
	Request      = types.Request
	Response     = types.Response
	Entry        = types.Entry
	CacheKind    = types.CacheKind
	Stats        = types.Stats
	CacheStats   = types.CacheStats
	PoolStats    = types.PoolStats
	LatencyStats = types.LatencyStats
	CostSummary  = types.CostSummary
	CostEntry    = types.CostEntry
)

// Provider integration points for custom upstream adapters.
type (
	Provider        = provider.Provider
	ProviderConfig  = provider.Config
	ProviderFactory = provider.Factory
)

// Error surface. Errors returned by Query unwrap to *Error; KindOf and
// IsRetryable work on wrapped values too.
type (
	Error     = errors.Error
	ErrorKind = errors.Kind
)

// Cache tiers a response can be served from.
const (
	CacheKindExact    = types.CacheKindExact
	CacheKindSemantic = types.CacheKindSemantic
	CacheKindNone     = types.CacheKindNone
)

// Error kinds, mirrored from pkg/errors.
const (
	KindCacheFault         = errors.KindCacheFault
	KindEmbeddingFault     = errors.KindEmbeddingFault
	KindUpstreamFault      = errors.KindUpstreamFault
	KindConnectionFailure  = errors.KindConnectionFailure
	KindTimeout            = errors.KindTimeout
	KindServiceUnavailable = errors.KindServiceUnavailable
	KindTransientUpstream  = errors.KindTransientUpstream
	KindCircuitOpen        = errors.KindCircuitOpen
	KindPoolTimeout        = errors.KindPoolTimeout
	KindValidationFault    = errors.KindValidationFault
	KindContextExceeded    = errors.KindContextExceeded
	KindBudgetExceeded     = errors.KindBudgetExceeded
	KindCancelled          = errors.KindCancelled
)

// Error helpers, re-exported for callers that branch on failure kinds.
var (
	KindOf      = errors.KindOf
	IsKind      = errors.IsKind
	IsRetryable = errors.IsRetryable
)

// Pointer helpers for the optional Request fields.
var (
	Bool    = types.Bool
	Float64 = types.Float64
)
