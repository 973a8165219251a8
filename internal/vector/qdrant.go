package vector

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/blueberrycongee/semcache/internal/httputil"
	"github.com/blueberrycongee/semcache/pkg/types"
)

// Qdrant implements Store against the Qdrant REST API.
// Reference: https://qdrant.tech/documentation/concepts/search/
type Qdrant struct {
	client     *http.Client
	apiBase    string
	apiKey     string
	collection string
}

// QdrantConfig holds connection settings for one Qdrant client.
type QdrantConfig struct {
	APIBase    string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// NewQdrant creates a Qdrant-backed store.
func NewQdrant(cfg QdrantConfig) (*Qdrant, error) {
	if cfg.APIBase == "" {
		return nil, fmt.Errorf("qdrant api_base is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Qdrant{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
	}, nil
}

// pointID derives the Qdrant point id from a fingerprint. Qdrant only accepts
// UUIDs or unsigned integers as ids, so the hex fingerprint maps to a stable
// UUID; the payload keeps the original fingerprint for round-tripping.
func pointID(fingerprint string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fingerprint)).String()
}

func qdrantDistance(d Distance) string {
	switch d {
	case DistanceEuclid:
		return "Euclid"
	case DistanceDot:
		return "Dot"
	default:
		return "Cosine"
	}
}

// EnsureCollection creates the collection if it doesn't exist.
func (q *Qdrant) EnsureCollection(ctx context.Context, dimension int, distance Distance) error {
	exists, err := q.collectionExists(ctx)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}

	createBody := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": qdrantDistance(distance),
		},
	}

	bodyBytes, err := json.Marshal(createBody)
	if err != nil {
		return fmt.Errorf("marshal create body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("create collection request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("create collection failed: status=%d, body=%s", resp.StatusCode, httputil.ErrorSnippet(resp.Body))
	}

	return nil
}

func (q *Qdrant) collectionExists(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("%s/collections/%s/exists", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false, err
	}

	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("check collection exists: status=%d", resp.StatusCode)
	}

	var result struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}

	return result.Result.Exists, nil
}

// Upsert writes one point, replacing any previous point for the same id.
func (q *Qdrant) Upsert(ctx context.Context, point Point) error {
	upsertBody := map[string]any{
		"points": []qdrantPoint{
			{
				ID:      pointID(point.ID),
				Vector:  point.Vector,
				Payload: point.Payload,
			},
		},
	}

	bodyBytes, err := json.Marshal(upsertBody)
	if err != nil {
		return fmt.Errorf("marshal upsert body: %w", err)
	}

	// wait=true makes the write visible to the next search, so a stored
	// entry can serve a lookup immediately.
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("upsert request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upsert failed: status=%d, body=%s", resp.StatusCode, httputil.ErrorSnippet(resp.Body))
	}

	return nil
}

// Get fetches one point by fingerprint.
func (q *Qdrant) Get(ctx context.Context, id string) (*Point, bool, error) {
	url := fmt.Sprintf("%s/collections/%s/points/%s", q.apiBase, q.collection, pointID(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}

	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("get point request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("get point failed: status=%d, body=%s", resp.StatusCode, httputil.ErrorSnippet(resp.Body))
	}

	var getResp struct {
		Result *qdrantScoredPoint `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&getResp); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	if getResp.Result == nil {
		return nil, false, nil
	}

	return &Point{
		ID:      getResp.Result.Payload.Fingerprint,
		Vector:  getResp.Result.Vector,
		Payload: getResp.Result.Payload,
	}, true, nil
}

// Search finds the k nearest neighbours above scoreThreshold.
func (q *Qdrant) Search(ctx context.Context, vec []float32, k int, scoreThreshold float64) ([]SearchHit, error) {
	if k <= 0 {
		k = 1
	}

	searchBody := map[string]any{
		"vector":       vec,
		"limit":        k,
		"with_payload": true,
	}
	if scoreThreshold > 0 {
		searchBody["score_threshold"] = scoreThreshold
	}

	bodyBytes, err := json.Marshal(searchBody)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search failed: status=%d, body=%s", resp.StatusCode, httputil.ErrorSnippet(resp.Body))
	}

	var searchResp struct {
		Result []qdrantScoredPoint `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	hits := make([]SearchHit, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		// Server-side filtering is best effort; enforce the floor here too.
		if scoreThreshold > 0 && r.Score < scoreThreshold {
			continue
		}
		hits = append(hits, SearchHit{
			ID:    r.Payload.Fingerprint,
			Score: r.Score,
			Entry: r.Payload,
		})
	}

	return hits, nil
}

// Delete removes points by fingerprint.
func (q *Qdrant) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	points := make([]string, len(ids))
	for i, id := range ids {
		points[i] = pointID(id)
	}
	deleteBody := map[string]any{
		"points": points,
	}

	bodyBytes, err := json.Marshal(deleteBody)
	if err != nil {
		return fmt.Errorf("marshal delete body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete failed: status=%d, body=%s", resp.StatusCode, httputil.ErrorSnippet(resp.Body))
	}

	return nil
}

// Clear removes every point via an empty filter delete.
func (q *Qdrant) Clear(ctx context.Context) error {
	clearBody := map[string]any{
		"filter": map[string]any{},
	}

	bodyBytes, err := json.Marshal(clearBody)
	if err != nil {
		return fmt.Errorf("marshal clear body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("clear request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clear failed: status=%d, body=%s", resp.StatusCode, httputil.ErrorSnippet(resp.Body))
	}

	return nil
}

// Ping checks if Qdrant is reachable.
func (q *Qdrant) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections", q.apiBase)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant ping failed: status=%d", resp.StatusCode)
	}

	return nil
}

// Info reports collection status and point count.
func (q *Qdrant) Info(ctx context.Context) (*Info, error) {
	url := fmt.Sprintf("%s/collections/%s", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("collection info request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("collection info failed: status=%d, body=%s", resp.StatusCode, httputil.ErrorSnippet(resp.Body))
	}

	var infoResp struct {
		Result struct {
			Status      string `json:"status"`
			PointsCount int64  `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&infoResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Info{
		VectorCount: infoResp.Result.PointsCount,
		Status:      infoResp.Result.Status,
		Dimension:   infoResp.Result.Config.Params.Vectors.Size,
		Distance:    strings.ToLower(infoResp.Result.Config.Params.Vectors.Distance),
	}, nil
}

// Close releases idle connections.
func (q *Qdrant) Close() error {
	q.client.CloseIdleConnections()
	return nil
}

func (q *Qdrant) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
}

// Qdrant API types. The payload is the full cache entry so hits round-trip
// without a second fetch.

type qdrantPoint struct {
	ID      string      `json:"id"`
	Vector  []float32   `json:"vector"`
	Payload types.Entry `json:"payload"`
}

type qdrantScoredPoint struct {
	ID      string      `json:"id"`
	Score   float64     `json:"score"`
	Vector  []float32   `json:"vector,omitempty"`
	Payload types.Entry `json:"payload"`
}
