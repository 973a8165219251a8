package types

import "time"

// Entry is one cached answer. The cache owns entries exclusively; callers
// receive copies. JSON field names match the persistent payload layout in the
// vector store, where the fingerprint doubles as the point id.
type Entry struct {
	Fingerprint      string    `json:"fingerprint"`
	Query            string    `json:"original_query"`
	Response         string    `json:"response"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessed     time.Time `json:"last_accessed"`
	AccessCount      int64     `json:"access_count"`
	// TTLSeconds is computed at store time from observed query frequency,
	// never supplied by callers.
	TTLSeconds int64 `json:"ttl_seconds"`

	// Embedding rides alongside the payload as the point vector.
	Embedding []float32 `json:"-"`
}

// ExpiresAt returns the instant after which the entry reads as a miss.
func (e *Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Expired reports whether the entry's TTL has lapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTLSeconds > 0 && now.After(e.ExpiresAt())
}

// Touch records a read: bumps the access count and the recency stamp.
func (e *Entry) Touch(now time.Time) {
	e.AccessCount++
	e.LastAccessed = now
}

// EvictionScore blends access frequency with recency. Lower scores evict
// first: rarely used, long-untouched entries sink.
func (e *Entry) EvictionScore(now time.Time) float64 {
	hours := now.Sub(e.LastAccessed).Hours()
	if hours < 0 {
		hours = 0
	}
	return float64(e.AccessCount) / (1 + hours)
}
