// Package vector defines the vector-store contract and its implementations.
// Cache entries persist here under a single collection: the embedding is the
// point vector, the entry fields are the payload, and the fingerprint doubles
// as the point id so exact lookups are a single get-by-id.
package vector

import (
	"context"

	"github.com/blueberrycongee/semcache/pkg/types"
)

// Distance is the similarity metric for the collection.
type Distance string

const (
	DistanceCosine Distance = "cosine"
	DistanceEuclid Distance = "euclid"
	DistanceDot    Distance = "dot"
)

// Point is one stored vector with its entry payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload types.Entry
}

// SearchHit is one nearest-neighbour result.
type SearchHit struct {
	ID    string
	Score float64
	Entry types.Entry
}

// Info reports collection health for stats surfaces.
type Info struct {
	VectorCount int64  `json:"vector_count"`
	Status      string `json:"status"`
	Dimension   int    `json:"dimension"`
	Distance    string `json:"distance"`
}

// Store is the collection-scoped vector service consumed by the cache.
// Implementations must be safe for concurrent use; clients are borrowed
// from the connection pool for the duration of one operation.
type Store interface {
	// EnsureCollection creates the collection when absent.
	EnsureCollection(ctx context.Context, dimension int, distance Distance) error

	// Upsert writes a point, replacing any existing point with the same id.
	Upsert(ctx context.Context, point Point) error

	// Get fetches a point by id. The boolean reports presence.
	Get(ctx context.Context, id string) (*Point, bool, error)

	// Search returns up to k nearest neighbours with score >= scoreThreshold.
	// A zero threshold disables server-side filtering.
	Search(ctx context.Context, vec []float32, k int, scoreThreshold float64) ([]SearchHit, error)

	// Delete removes points by id. Missing ids are not an error.
	Delete(ctx context.Context, ids ...string) error

	// Clear removes every point in the collection.
	Clear(ctx context.Context) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Info reports collection status and population.
	Info(ctx context.Context) (*Info, error)

	// Close releases the client's resources.
	Close() error
}
