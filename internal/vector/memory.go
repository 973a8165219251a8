package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Memory is an in-process Store for tests and single-node development.
// Search is a brute-force scan, fine for the population sizes a local
// cache holds.
type Memory struct {
	mu        sync.RWMutex
	points    map[string]Point
	dimension int
	distance  Distance
	closed    bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		points:   make(map[string]Point),
		distance: DistanceCosine,
	}
}

// EnsureCollection records the collection shape. Later upserts must match
// the dimension.
func (m *Memory) EnsureCollection(_ context.Context, dimension int, distance Distance) error {
	if dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", dimension)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dimension != 0 && m.dimension != dimension {
		return fmt.Errorf("collection already has dimension %d, got %d", m.dimension, dimension)
	}
	m.dimension = dimension
	if distance != "" {
		m.distance = distance
	}
	return nil
}

// Upsert stores a point keyed by id.
func (m *Memory) Upsert(_ context.Context, point Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("store is closed")
	}
	if m.dimension > 0 && len(point.Vector) != m.dimension {
		return fmt.Errorf("vector dimension %d does not match collection dimension %d", len(point.Vector), m.dimension)
	}

	vec := make([]float32, len(point.Vector))
	copy(vec, point.Vector)
	point.Vector = vec
	m.points[point.ID] = point
	return nil
}

// Get fetches a point by id.
func (m *Memory) Get(_ context.Context, id string) (*Point, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, fmt.Errorf("store is closed")
	}
	p, ok := m.points[id]
	if !ok {
		return nil, false, nil
	}
	out := p
	out.Vector = append([]float32(nil), p.Vector...)
	return &out, true, nil
}

// Search scans all points and returns the k best scores above scoreThreshold.
func (m *Memory) Search(_ context.Context, vec []float32, k int, scoreThreshold float64) ([]SearchHit, error) {
	if k <= 0 {
		k = 1
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	hits := make([]SearchHit, 0, len(m.points))
	for _, p := range m.points {
		score := m.score(vec, p.Vector)
		if scoreThreshold > 0 && score < scoreThreshold {
			continue
		}
		hits = append(hits, SearchHit{ID: p.ID, Score: score, Entry: p.Payload})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// score keeps higher-is-better semantics across metrics so threshold
// filtering behaves the same way for each.
func (m *Memory) score(a, b []float32) float64 {
	switch m.distance {
	case DistanceDot:
		return dot(a, b)
	case DistanceEuclid:
		return 1 / (1 + math.Sqrt(sqDist(a, b)))
	default:
		return cosine(a, b)
	}
}

// Delete removes points by id. Missing ids are ignored.
func (m *Memory) Delete(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("store is closed")
	}
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

// Clear removes every point.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("store is closed")
	}
	m.points = make(map[string]Point)
	return nil
}

// Ping reports whether the store is usable.
func (m *Memory) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Info reports the current population.
func (m *Memory) Info(_ context.Context) (*Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}
	return &Info{
		VectorCount: int64(len(m.points)),
		Status:      "green",
		Dimension:   m.dimension,
		Distance:    string(m.distance),
	}, nil
}

// Close marks the store unusable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func cosine(a, b []float32) float64 {
	var normA, normB float64
	for _, v := range a {
		normA += float64(v) * float64(v)
	}
	for _, v := range b {
		normB += float64(v) * float64(v)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot(a, b) / (math.Sqrt(normA) * math.Sqrt(normB))
}

func sqDist(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
