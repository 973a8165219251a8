package cache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/blueberrycongee/semcache/internal/cache"
	"github.com/blueberrycongee/semcache/pkg/types"
)

func contractEntry(fp string) *types.Entry {
	now := time.Now()
	return &types.Entry{
		Fingerprint:      fp,
		Query:            "query for " + fp,
		Response:         "response for " + fp,
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		PromptTokens:     12,
		CompletionTokens: 40,
		CreatedAt:        now,
		LastAccessed:     now,
		AccessCount:      1,
		TTLSeconds:       3600,
	}
}

// redisStoreIfAvailable starts a disposable Redis container. It returns nil
// when Docker is unavailable so the contract suite degrades to the memory
// store alone.
func redisStoreIfAvailable(t *testing.T) cache.ExactStore {
	t.Helper()

	if testing.Short() {
		t.Log("short mode, skipping Redis container")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			t.Logf("docker setup failed: %v", r)
		}
	}()

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Logf("failed to start Redis container: %v", err)
		return nil
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Logf("failed to resolve container host: %v", err)
		return nil
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Logf("failed to resolve container port: %v", err)
		return nil
	}

	store, err := cache.NewRedisStore(cache.RedisConfig{
		Addrs: []string{fmt.Sprintf("%s:%s", host, port.Port())},
	})
	if err != nil {
		t.Logf("failed to connect to containerized Redis: %v", err)
		return nil
	}
	return store
}

// TestExactStoreContract runs the same exact-tier contract against every
// implementation. The Redis leg needs Docker; without it only the memory
// store runs.
func TestExactStoreContract(t *testing.T) {
	stores := map[string]cache.ExactStore{
		"Memory": cache.NewMemoryStore(cache.MemoryStoreConfig{}),
	}
	if rs := redisStoreIfAvailable(t); rs != nil {
		stores["Redis"] = rs
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			t.Run("RoundTrip", func(t *testing.T) {
				testStoreRoundTrip(t, store)
			})
			t.Run("DeleteMissingIsNotAnError", func(t *testing.T) {
				testStoreDeleteMissing(t, store)
			})
			t.Run("SnapshotAndClear", func(t *testing.T) {
				testStoreSnapshotAndClear(t, store)
			})
		})
	}
}

func testStoreRoundTrip(t *testing.T, store cache.ExactStore) {
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "contract-missing")
	require.NoError(t, err)
	assert.False(t, ok)

	entry := contractEntry("contract-a")
	require.NoError(t, store.Put(ctx, entry))

	got, ok, err := store.Get(ctx, "contract-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.Response, got.Response)
	assert.Equal(t, entry.Provider, got.Provider)
	assert.Equal(t, entry.AccessCount, got.AccessCount)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testStoreDeleteMissing(t *testing.T, store cache.ExactStore) {
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, contractEntry("contract-b")))
	require.NoError(t, store.Delete(ctx, "contract-b", "contract-ghost"))

	_, ok, err := store.Get(ctx, "contract-b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testStoreSnapshotAndClear(t *testing.T, store cache.ExactStore) {
	ctx := context.Background()

	require.NoError(t, store.Clear(ctx))
	for _, fp := range []string{"contract-c", "contract-d", "contract-e"} {
		require.NoError(t, store.Put(ctx, contractEntry(fp)))
	}

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 3)

	seen := map[string]bool{}
	for _, e := range snap {
		seen[e.Fingerprint] = true
	}
	assert.True(t, seen["contract-c"] && seen["contract-d"] && seen["contract-e"])

	require.NoError(t, store.Clear(ctx))
	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
