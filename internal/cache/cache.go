// Package cache provides caching for decoded image regions, compressed chunks
// and small query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ChunkCacheSizeMB int
	ChunkTTL         time.Duration
	// ChunkShards must be a power of two. Each shard holds at most
	// ChunkCacheSizeMB/ChunkShards, which bounds the largest cacheable chunk.
	ChunkShards    int
	QueryCacheSize int
}

// Manager manages the compressed chunk cache and the query cache.
type Manager struct {
	chunkCache *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	shards := cfg.ChunkShards
	if shards <= 0 {
		shards = 64
	}
	chunkCacheConfig := bigcache.Config{
		Shards:             shards,
		LifeWindow:         cfg.ChunkTTL,
		CleanWindow:        cfg.ChunkTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024, // initial allocation hint only
		HardMaxCacheSize:   cfg.ChunkCacheSizeMB,
		Verbose:            false,
	}

	chunkCache, err := bigcache.New(context.Background(), chunkCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		chunkCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		chunkCache: chunkCache,
		queryCache: queryCache,
	}, nil
}

// GetChunk retrieves compressed chunk bytes.
func (m *Manager) GetChunk(key string) ([]byte, bool) {
	data, err := m.chunkCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetChunk stores compressed chunk bytes. Entries too large for a shard are
// reported as an error and not cached.
func (m *Manager) SetChunk(key string, data []byte) error {
	return m.chunkCache.Set(key, data)
}

// GetQuery retrieves a query result (metadata document, rendered slice).
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// ChunkKey generates a cache key for a chunk of a store.
func ChunkKey(storeID, key string) string {
	return "chunk:" + storeID + ":" + key
}

// MetadataKey generates a cache key for a metadata document of a store.
func MetadataKey(storeID, key string) string {
	return "meta:" + storeID + ":" + key
}

// SliceKey generates a cache key for a rendered slice. Options are hashed in
// sorted key order.
func SliceKey(imageID string, scale int, axis string, position float64, opts map[string]interface{}) string {
	base := fmt.Sprintf("slice:%s:%d/%s/%.6f", imageID, scale, axis, position)
	if len(opts) == 0 {
		return base
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range keys {
		h.Write([]byte(fmt.Sprintf("%s=%v;", k, opts[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.chunkCache.Stats()
	return map[string]interface{}{
		"chunk_cache_len":    m.chunkCache.Len(),
		"chunk_cache_cap":    m.chunkCache.Capacity(),
		"chunk_cache_hits":   stats.Hits,
		"chunk_cache_misses": stats.Misses,
		"query_cache_len":    m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.chunkCache.Close()
}

