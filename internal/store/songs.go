package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SongRow is one persisted cache entry
type SongRow struct {
	Key          string
	MetadataJSON []byte
	Audio        []byte
	Cover        []byte
	HasMedia     bool
	SizeBytes    int64
	CreatedAt    time.Time
	AccessedAt   time.Time
}

// SongStore manages the song_cache table. Each write is a single statement,
// so a concurrent reader observes either the previous row or the new one.
type SongStore struct {
	db *sql.DB
}

// NewSongStore creates a new SongStore
func NewSongStore(db *sql.DB) *SongStore {
	return &SongStore{db: db}
}

// Get returns a full entry (metadata, audio, cover). Metadata-only rows are
// reported as absent.
func (s *SongStore) Get(ctx context.Context, key string) (*SongRow, bool, error) {
	row := &SongRow{Key: key}
	var createdAt, accessedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT metadata_json, audio, cover, size_bytes, created_at, accessed_at
		FROM song_cache WHERE key = ? AND has_media = 1
	`, key).Scan(&row.MetadataJSON, &row.Audio, &row.Cover, &row.SizeBytes, &createdAt, &accessedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read song %s: %w", key, err)
	}

	row.HasMedia = true
	row.CreatedAt = time.Unix(0, createdAt)
	row.AccessedAt = time.Unix(0, accessedAt)
	return row, true, nil
}

// GetMetadata returns the metadata JSON stored under key, with or without media
func (s *SongStore) GetMetadata(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT metadata_json FROM song_cache WHERE key = ?", key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return data, true, nil
}

// Upsert stores a complete entry under row.Key
func (s *SongStore) Upsert(ctx context.Context, row *SongRow) error {
	now := time.Now().UnixNano()
	size := int64(len(row.MetadataJSON) + len(row.Audio) + len(row.Cover))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO song_cache (key, metadata_json, audio, cover, has_media, size_bytes, created_at, accessed_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			metadata_json = excluded.metadata_json,
			audio = excluded.audio,
			cover = excluded.cover,
			has_media = 1,
			size_bytes = excluded.size_bytes,
			accessed_at = excluded.accessed_at
	`, row.Key, string(row.MetadataJSON), row.Audio, row.Cover, size, now, now)
	if err != nil {
		return fmt.Errorf("failed to save song %s: %w", row.Key, err)
	}
	return nil
}

// UpsertMetadata replaces only the metadata of key, keeping any audio and cover
func (s *SongStore) UpsertMetadata(ctx context.Context, key string, metadataJSON []byte) error {
	now := time.Now().UnixNano()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO song_cache (key, metadata_json, has_media, size_bytes, created_at, accessed_at)
		VALUES (?, ?, 0, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			metadata_json = excluded.metadata_json,
			size_bytes = COALESCE(length(song_cache.audio), 0) + COALESCE(length(song_cache.cover), 0) + length(excluded.metadata_json)
	`, key, string(metadataJSON), len(metadataJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to save metadata %s: %w", key, err)
	}
	return nil
}

// Delete removes the entry under key, media included
func (s *SongStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM song_cache WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete song %s: %w", key, err)
	}
	return nil
}

// DeleteMetadata removes a metadata-only row. Full entries are left alone.
func (s *SongStore) DeleteMetadata(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM song_cache WHERE key = ? AND has_media = 0", key); err != nil {
		return fmt.Errorf("failed to delete metadata %s: %w", key, err)
	}
	return nil
}

// Touch marks key as recently used
func (s *SongStore) Touch(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE song_cache SET accessed_at = ? WHERE key = ?", time.Now().UnixNano(), key); err != nil {
		return fmt.Errorf("failed to touch song %s: %w", key, err)
	}
	return nil
}

// TotalSize returns the bytes held by every row
func (s *SongStore) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size_bytes), 0) FROM song_cache").Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to compute cache size: %w", err)
	}
	return total, nil
}

// Keys returns every stored key
func (s *SongStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM song_cache ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// TrimTo evicts the least recently used full entries until the total size is
// at most maxBytes. Metadata-only rows are small and never evicted. Returns
// the evicted keys.
func (s *SongStore) TrimTo(ctx context.Context, maxBytes int64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(SUM(size_bytes), 0) FROM song_cache").Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to compute cache size: %w", err)
	}
	if total <= maxBytes {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx, "SELECT key, size_bytes FROM song_cache WHERE has_media = 1 ORDER BY accessed_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list songs: %w", err)
	}

	var evicted []string
	for rows.Next() && total > maxBytes {
		var key string
		var size int64
		if err := rows.Scan(&key, &size); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan song: %w", err)
		}
		evicted = append(evicted, key)
		total -= size
	}
	rows.Close()

	for _, key := range evicted {
		if _, err := tx.ExecContext(ctx, "DELETE FROM song_cache WHERE key = ?", key); err != nil {
			return nil, fmt.Errorf("failed to evict song %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit trim: %w", err)
	}
	return evicted, nil
}

// Clear removes every row
func (s *SongStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM song_cache"); err != nil {
		return fmt.Errorf("failed to clear song cache: %w", err)
	}
	return nil
}
