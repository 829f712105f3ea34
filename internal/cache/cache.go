// Package cache keeps resolved songs (metadata, audio and cover bytes) so a
// replay needs no network round trip.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hachimi/hachimi-core/internal/api"
	apperrors "github.com/hachimi/hachimi-core/internal/errors"
	"github.com/hachimi/hachimi-core/internal/monitoring"
	"github.com/hachimi/hachimi-core/internal/store"
)

// Entry is a complete cached song. Entries are replaced, never mutated, so
// callers must treat the byte slices as read-only.
type Entry struct {
	Key      string
	Metadata api.SongMetadata
	Audio    []byte
	Cover    []byte
}

// Cache is the content cache the fetch pipeline reads through
type Cache interface {
	// Get returns nil, nil on a miss
	Get(ctx context.Context, key string) (*Entry, error)
	// GetMetadata returns nil, nil on a miss
	GetMetadata(ctx context.Context, key string) (*api.SongMetadata, error)
	Save(ctx context.Context, key string, entry *Entry) error
	// SaveMetadata stores metadata under the decimal form of its id
	SaveMetadata(ctx context.Context, metadata *api.SongMetadata) error
	Delete(ctx context.Context, key string) error
}

// Backend is the durable tier
type Backend interface {
	Get(ctx context.Context, key string) (*store.SongRow, bool, error)
	GetMetadata(ctx context.Context, key string) ([]byte, bool, error)
	Upsert(ctx context.Context, row *store.SongRow) error
	UpsertMetadata(ctx context.Context, key string, metadataJSON []byte) error
	Delete(ctx context.Context, key string) error
	DeleteMetadata(ctx context.Context, key string) error
	Touch(ctx context.Context, key string) error
	TotalSize(ctx context.Context) (int64, error)
	TrimTo(ctx context.Context, maxBytes int64) ([]string, error)
	Clear(ctx context.Context) error
}

// SongCache is a bounded in-memory LRU in front of a durable Backend
type SongCache struct {
	backend Backend
	memory  *lru.Cache[string, *Entry]
	logger  *zap.Logger

	// mu serializes writers with memory refills so the memory tier never
	// resurrects a value that was just replaced or deleted
	mu sync.Mutex
}

// Key returns the canonical cache key for a song id
func Key(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// NewSongCache creates a cache holding up to memoryEntries full entries in memory
func NewSongCache(backend Backend, memoryEntries int, logger *zap.Logger) (*SongCache, error) {
	if memoryEntries < 1 {
		memoryEntries = 1
	}
	memory, err := lru.New[string, *Entry](memoryEntries)
	if err != nil {
		return nil, apperrors.NewCacheError("failed to create memory tier", err)
	}
	return &SongCache{
		backend: backend,
		memory:  memory,
		logger:  monitoring.Component(logger, "cache"),
	}, nil
}

// Get implements Cache
func (c *SongCache) Get(ctx context.Context, key string) (*Entry, error) {
	if entry, ok := c.memory.Get(key); ok {
		monitoring.RecordCacheLookup("memory", "hit")
		return entry, nil
	}
	monitoring.RecordCacheLookup("memory", "miss")

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.memory.Get(key); ok {
		return entry, nil
	}

	row, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		monitoring.RecordCacheLookup("store", "error")
		return nil, apperrors.NewCacheError("failed to read cache entry "+key, err)
	}
	if !ok {
		monitoring.RecordCacheLookup("store", "miss")
		return nil, nil
	}

	var metadata api.SongMetadata
	if err := json.Unmarshal(row.MetadataJSON, &metadata); err != nil {
		monitoring.RecordCacheLookup("store", "error")
		return nil, apperrors.NewCacheError("corrupt metadata for cache entry "+key, err)
	}
	monitoring.RecordCacheLookup("store", "hit")

	entry := &Entry{Key: key, Metadata: metadata, Audio: row.Audio, Cover: row.Cover}
	c.memory.Add(key, entry)

	if err := c.backend.Touch(ctx, key); err != nil {
		c.logger.Debug("failed to touch cache entry", zap.String("key", key), zap.Error(err))
	}
	return entry, nil
}

// GetMetadata implements Cache
func (c *SongCache) GetMetadata(ctx context.Context, key string) (*api.SongMetadata, error) {
	if entry, ok := c.memory.Peek(key); ok {
		metadata := entry.Metadata
		return &metadata, nil
	}

	data, ok, err := c.backend.GetMetadata(ctx, key)
	if err != nil {
		return nil, apperrors.NewCacheError("failed to read metadata "+key, err)
	}
	if !ok {
		return nil, nil
	}

	var metadata api.SongMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, apperrors.NewCacheError("corrupt metadata "+key, err)
	}
	return &metadata, nil
}

// Save implements Cache. The durable row is written in one statement and the
// memory tier is swapped afterwards, so readers see the old or the new entry.
func (c *SongCache) Save(ctx context.Context, key string, entry *Entry) error {
	data, err := json.Marshal(entry.Metadata)
	if err != nil {
		return apperrors.NewCacheError("failed to encode metadata", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	row := &store.SongRow{Key: key, MetadataJSON: data, Audio: entry.Audio, Cover: entry.Cover}
	if err := c.backend.Upsert(ctx, row); err != nil {
		return apperrors.NewCacheError("failed to save cache entry "+key, err)
	}

	saved := *entry
	saved.Key = key
	c.memory.Add(key, &saved)
	return nil
}

// SaveMetadata implements Cache
func (c *SongCache) SaveMetadata(ctx context.Context, metadata *api.SongMetadata) error {
	key := Key(metadata.ID)
	data, err := json.Marshal(metadata)
	if err != nil {
		return apperrors.NewCacheError("failed to encode metadata", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.backend.UpsertMetadata(ctx, key, data); err != nil {
		return apperrors.NewCacheError("failed to save metadata "+key, err)
	}

	if entry, ok := c.memory.Peek(key); ok {
		updated := *entry
		updated.Metadata = *metadata
		c.memory.Add(key, &updated)
	}
	return nil
}

// Delete implements Cache
func (c *SongCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.backend.Delete(ctx, key); err != nil {
		return apperrors.NewCacheError("failed to delete cache entry "+key, err)
	}
	c.memory.Remove(key)
	return nil
}

// DeleteMetadata drops a metadata-only record
func (c *SongCache) DeleteMetadata(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.backend.DeleteMetadata(ctx, key); err != nil {
		return apperrors.NewCacheError("failed to delete metadata "+key, err)
	}
	return nil
}

// Clear removes every entry from both tiers
func (c *SongCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.backend.Clear(ctx); err != nil {
		return apperrors.NewCacheError("failed to clear cache", err)
	}
	c.memory.Purge()
	monitoring.UpdateCacheSize(0)
	return nil
}

// Size returns the bytes held by the durable tier
func (c *SongCache) Size(ctx context.Context) (int64, error) {
	size, err := c.backend.TotalSize(ctx)
	if err != nil {
		return 0, apperrors.NewCacheError("failed to compute cache size", err)
	}
	monitoring.UpdateCacheSize(size)
	return size, nil
}

// Trim evicts least recently used entries until the cache fits maxBytes
func (c *SongCache) Trim(ctx context.Context, maxBytes int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted, err := c.backend.TrimTo(ctx, maxBytes)
	if err != nil {
		return 0, apperrors.NewCacheError("failed to trim cache", err)
	}
	for _, key := range evicted {
		c.memory.Remove(key)
	}

	if len(evicted) > 0 {
		c.logger.Info("trimmed song cache",
			zap.Int("evicted", len(evicted)),
			zap.Int64("max_bytes", maxBytes))
	}

	if size, err := c.backend.TotalSize(ctx); err == nil {
		monitoring.UpdateCacheSize(size)
	}
	return len(evicted), nil
}
