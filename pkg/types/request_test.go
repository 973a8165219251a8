package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestCacheFlagDefaults(t *testing.T) {
	t.Run("flags default to enabled", func(t *testing.T) {
		req := Request{Query: "hello"}
		assert.True(t, req.ExactEnabled())
		assert.True(t, req.SemanticEnabled())
	})

	t.Run("explicit false disables a tier", func(t *testing.T) {
		req := Request{Query: "hello", UseExact: Bool(false), UseSemantic: Bool(true)}
		assert.False(t, req.ExactEnabled())
		assert.True(t, req.SemanticEnabled())
	})

	t.Run("temperature falls back to default", func(t *testing.T) {
		req := Request{Query: "hello"}
		assert.Equal(t, 0.7, req.TemperatureValue(0.7))

		req.Temperature = Float64(0.0)
		assert.Equal(t, 0.0, req.TemperatureValue(0.7))
	})
}

func TestEntryExpiry(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := Entry{
		Fingerprint: "abc",
		CreatedAt:   created,
		TTLSeconds:  3600,
	}

	assert.False(t, e.Expired(created.Add(30*time.Minute)))
	assert.True(t, e.Expired(created.Add(2*time.Hour)))

	t.Run("zero TTL never expires", func(t *testing.T) {
		forever := Entry{CreatedAt: created}
		assert.False(t, forever.Expired(created.Add(1000*time.Hour)))
	})
}

func TestEntryEvictionScore(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	hot := Entry{AccessCount: 10, LastAccessed: now.Add(-time.Hour)}
	cold := Entry{AccessCount: 10, LastAccessed: now.Add(-24 * time.Hour)}
	rare := Entry{AccessCount: 1, LastAccessed: now.Add(-time.Hour)}

	assert.Greater(t, hot.EvictionScore(now), cold.EvictionScore(now),
		"staler entries must score lower at equal frequency")
	assert.Greater(t, hot.EvictionScore(now), rare.EvictionScore(now),
		"less-used entries must score lower at equal recency")

	t.Run("future last_accessed clamps to zero age", func(t *testing.T) {
		skewed := Entry{AccessCount: 5, LastAccessed: now.Add(time.Minute)}
		assert.Equal(t, 5.0, skewed.EvictionScore(now))
	})
}

func TestEntryTouch(t *testing.T) {
	now := time.Now()
	e := Entry{AccessCount: 1, LastAccessed: now.Add(-time.Hour)}
	e.Touch(now)

	assert.Equal(t, int64(2), e.AccessCount)
	assert.Equal(t, now, e.LastAccessed)
}
