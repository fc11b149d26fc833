// Package cache provides caching for simulation artifacts and query results.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

// Config contains cache configuration.
type Config struct {
	ArtifactSizeMB int
	ArtifactTTL    time.Duration
	QueryCacheSize int
}

// Manager manages the artifact and query caches. Artifacts (matrix exports,
// preview images) are zstd-compressed before they enter the byte cache;
// query results are kept uncompressed in a small LRU.
type Manager struct {
	artifactCache *bigcache.BigCache
	queryCache    *lru.Cache[string, []byte]
	encoder       *zstd.Encoder
	decoder       *zstd.Decoder
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	artifactConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.ArtifactTTL,
		CleanWindow:        cfg.ArtifactTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       4 * 1024 * 1024, // 4MB per artifact
		HardMaxCacheSize:   cfg.ArtifactSizeMB,
		Verbose:            false,
	}

	artifactCache, err := bigcache.New(context.Background(), artifactConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Manager{
		artifactCache: artifactCache,
		queryCache:    queryCache,
		encoder:       encoder,
		decoder:       decoder,
	}, nil
}

// GetArtifact retrieves and decompresses an artifact from cache.
func (m *Manager) GetArtifact(key string) ([]byte, bool) {
	compressed, err := m.artifactCache.Get(key)
	if err != nil {
		return nil, false
	}
	data, err := m.decoder.DecodeAll(compressed, nil)
	if err != nil {
		// Corrupt entry; treat as a miss.
		_ = m.artifactCache.Delete(key)
		return nil, false
	}
	return data, true
}

// SetArtifact compresses and stores an artifact in cache.
func (m *Manager) SetArtifact(key string, data []byte) error {
	compressed := m.encoder.EncodeAll(data, nil)
	return m.artifactCache.Set(key, compressed)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// ArtifactKey generates a cache key for a job artifact such as the exported
// matrix or the preview image.
func ArtifactKey(jobID, artifact string) string {
	return fmt.Sprintf("artifact:%s:%s", jobID, artifact)
}

// CompositionKey generates a cache key for a region composition query. The
// region list is sorted so the key is stable regardless of request order; an
// empty list means all regions.
func CompositionKey(dataset string, regions []string) string {
	base := fmt.Sprintf("comp:%s", dataset)
	if len(regions) == 0 {
		return base + ":all"
	}
	sorted := make([]string, len(regions))
	copy(sorted, regions)
	sort.Strings(sorted)
	return base + ":" + strings.Join(sorted, ",")
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"artifact_cache_len": m.artifactCache.Len(),
		"artifact_cache_cap": m.artifactCache.Capacity(),
		"query_cache_len":    m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.encoder.Close()
	m.decoder.Close()
	return m.artifactCache.Close()
}
