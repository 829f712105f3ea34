// Package fetch resolves a song id to an item the player can consume, reading
// through the content cache and downloading on a miss.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hachimi/hachimi-core/internal/api"
	"github.com/hachimi/hachimi-core/internal/cache"
	"github.com/hachimi/hachimi-core/internal/download"
	apperrors "github.com/hachimi/hachimi-core/internal/errors"
	"github.com/hachimi/hachimi-core/internal/metadata"
	"github.com/hachimi/hachimi-core/internal/monitoring"
	"github.com/hachimi/hachimi-core/internal/network"
	"github.com/hachimi/hachimi-core/internal/player"
)

// MetadataSource fetches song metadata from the remote source
type MetadataSource interface {
	GetSongMetadata(ctx context.Context, id uint64) (*api.SongMetadata, error)
}

// Downloader fetches media bytes
type Downloader interface {
	Download(ctx context.Context, url string, onProgress network.ProgressFunc) ([]byte, error)
	DownloadBytes(ctx context.Context, url string) ([]byte, error)
}

// MetadataFunc receives the song metadata once per Resolve
type MetadataFunc func(metadata *api.SongMetadata)

// ProgressFunc receives download progress in [0, 1]
type ProgressFunc func(fraction float64)

// Options configures a Pipeline
type Options struct {
	Cache    cache.Cache
	Source   MetadataSource
	Transfer Downloader

	// RemotePlay returns items that stream from their URL and caches them
	// in the background instead of downloading before playback
	RemotePlay bool

	// LoudnessNormalization is consulted on every Resolve
	LoudnessNormalization func() bool

	CoverMaxSize   int
	BackgroundJobs int
	RefreshTimeout time.Duration
	Logger         *zap.Logger
}

// Pipeline implements the read-through resolve of a song
type Pipeline struct {
	cache          cache.Cache
	source         MetadataSource
	transfer       Downloader
	remotePlay     bool
	loudness       func() bool
	coverMaxSize   int
	refreshTimeout time.Duration
	logger         *zap.Logger

	pool      *download.WorkerPool
	refreshes sync.WaitGroup
}

// NewPipeline creates a pipeline. Start must be called before remote play
// items are resolved.
func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		cache:          opts.Cache,
		source:         opts.Source,
		transfer:       opts.Transfer,
		remotePlay:     opts.RemotePlay,
		loudness:       opts.LoudnessNormalization,
		coverMaxSize:   opts.CoverMaxSize,
		refreshTimeout: opts.RefreshTimeout,
		logger:         monitoring.Component(opts.Logger, "fetch"),
	}
	if p.loudness == nil {
		p.loudness = func() bool { return false }
	}
	if p.refreshTimeout <= 0 {
		p.refreshTimeout = 30 * time.Second
	}
	p.pool = download.NewWorkerPool(opts.BackgroundJobs, p.cacheInBackground, opts.Logger)
	return p
}

// Start enables background caching. Jobs stop when ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) error {
	return p.pool.Start(ctx)
}

// Close stops background caching and waits for metadata refreshes
func (p *Pipeline) Close() {
	p.pool.Stop()
	p.Wait()
}

// BackgroundJobs returns the number of songs being cached in the background
func (p *Pipeline) BackgroundJobs() int {
	return p.pool.GetActiveJobCount()
}

// Wait blocks until every background metadata refresh has finished
func (p *Pipeline) Wait() {
	p.refreshes.Wait()
}

// Resolve returns a ready item for the song. onMetadata is called exactly once
// on success, before any download progress above zero is reported.
func (p *Pipeline) Resolve(ctx context.Context, songID uint64, displayID string, onMetadata MetadataFunc, onProgress ProgressFunc) (*player.Item, error) {
	if onMetadata == nil {
		onMetadata = func(*api.SongMetadata) {}
	}
	if onProgress == nil {
		onProgress = func(float64) {}
	}

	key := cache.Key(songID)
	entry, fromLegacy := p.lookup(ctx, key, displayID)
	if entry != nil {
		return p.resolveHit(ctx, songID, displayID, entry, fromLegacy, onMetadata, onProgress), nil
	}
	return p.resolveMiss(ctx, songID, onMetadata, onProgress)
}

// lookup tries the canonical key, then the legacy display id. Cache errors
// count as misses.
func (p *Pipeline) lookup(ctx context.Context, key, displayID string) (*cache.Entry, bool) {
	entry, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if entry != nil {
		return entry, false
	}

	if displayID == "" || displayID == key {
		return nil, false
	}
	entry, err = p.cache.Get(ctx, displayID)
	if err != nil {
		p.logger.Warn("cache lookup failed", zap.String("key", displayID), zap.Error(err))
	}
	return entry, entry != nil
}

func (p *Pipeline) resolveHit(ctx context.Context, songID uint64, displayID string, entry *cache.Entry, fromLegacy bool, onMetadata MetadataFunc, onProgress ProgressFunc) *player.Item {
	p.logger.Debug("cache hit", zap.Uint64("song_id", songID), zap.Bool("legacy_key", fromLegacy))

	cached := entry.Metadata
	onMetadata(&cached)
	onProgress(1)

	if fromLegacy {
		p.migrate(ctx, songID, displayID, entry)
	}

	p.refreshes.Add(1)
	go p.refresh(songID, displayID, cached)

	return p.newItem(&cached, entry.Audio, entry.Cover)
}

// migrate rewrites a legacy entry under the canonical key and drops the old key
func (p *Pipeline) migrate(ctx context.Context, songID uint64, displayID string, entry *cache.Entry) {
	key := cache.Key(songID)
	migrated := &cache.Entry{Metadata: entry.Metadata, Audio: entry.Audio, Cover: entry.Cover}
	if err := p.cache.Save(ctx, key, migrated); err != nil {
		p.logger.Warn("failed to migrate cache entry",
			zap.String("from", displayID),
			zap.String("to", key),
			zap.Error(err))
		return
	}
	if err := p.cache.Delete(ctx, displayID); err != nil {
		p.logger.Warn("failed to delete legacy cache entry", zap.String("key", displayID), zap.Error(err))
	}
	monitoring.RecordCacheMigration()
	p.logger.Info("migrated cache entry", zap.String("from", displayID), zap.String("to", key))
}

// refresh revalidates cached metadata. Failures are logged only.
func (p *Pipeline) refresh(songID uint64, displayID string, cached api.SongMetadata) {
	defer p.refreshes.Done()

	ctx, cancel := context.WithTimeout(context.Background(), p.refreshTimeout)
	defer cancel()

	fresh, err := p.source.GetSongMetadata(ctx, songID)
	if err != nil {
		p.logger.Warn("failed to refresh song metadata", zap.Uint64("song_id", songID), zap.Error(err))
		return
	}

	if cached.Equal(fresh) {
		p.logger.Debug("metadata already up to date", zap.Uint64("song_id", songID))
		return
	}

	if !cached.SameMedia(fresh) {
		p.logger.Info("media changed, invalidating cache", zap.Uint64("song_id", songID))
		for _, key := range []string{cache.Key(songID), displayID} {
			if key == "" {
				continue
			}
			if err := p.cache.Delete(ctx, key); err != nil {
				p.logger.Warn("failed to invalidate cache entry", zap.String("key", key), zap.Error(err))
			}
		}
		monitoring.RecordCacheInvalidation()
	}

	if err := p.cache.SaveMetadata(ctx, fresh); err != nil {
		p.logger.Warn("failed to store refreshed metadata", zap.Uint64("song_id", songID), zap.Error(err))
	}
}

func (p *Pipeline) resolveMiss(ctx context.Context, songID uint64, onMetadata MetadataFunc, onProgress ProgressFunc) (*player.Item, error) {
	p.logger.Debug("cache miss", zap.Uint64("song_id", songID))
	onProgress(0)

	meta, err := p.metadataFor(ctx, songID)
	if err != nil {
		return nil, err
	}
	onMetadata(meta)

	if p.remotePlay {
		return p.resolveRemote(ctx, meta), nil
	}

	audio, cover, err := p.downloadMedia(ctx, meta, onProgress)
	if err != nil {
		return nil, err
	}

	entry := &cache.Entry{Metadata: *meta, Audio: audio, Cover: cover}
	if err := p.cache.Save(ctx, cache.Key(songID), entry); err != nil {
		p.logger.Warn("failed to cache song", zap.Uint64("song_id", songID), zap.Error(err))
	}

	return p.newItem(meta, audio, cover), nil
}

// metadataFor prefers a metadata-only cache record over the network
func (p *Pipeline) metadataFor(ctx context.Context, songID uint64) (*api.SongMetadata, error) {
	meta, err := p.cache.GetMetadata(ctx, cache.Key(songID))
	if err != nil {
		p.logger.Warn("metadata cache lookup failed", zap.Uint64("song_id", songID), zap.Error(err))
	}
	if meta != nil {
		return meta, nil
	}

	meta, err = p.source.GetSongMetadata(ctx, songID)
	if err != nil {
		if apperrors.IsCancellation(err) {
			return nil, err
		}
		return nil, apperrors.NewFetchError(fmt.Sprintf("failed to fetch metadata for song %d", songID), err)
	}
	return meta, nil
}

// downloadMedia fetches the cover and the audio concurrently
func (p *Pipeline) downloadMedia(ctx context.Context, meta *api.SongMetadata, onProgress ProgressFunc) ([]byte, []byte, error) {
	var audio, cover []byte
	g, gctx := errgroup.WithContext(ctx)

	if meta.CoverURL != "" {
		g.Go(func() error {
			start := time.Now()
			data, err := p.transfer.DownloadBytes(gctx, meta.CoverURL)
			if err != nil {
				return err
			}
			monitoring.RecordDownload("cover", time.Since(start), int64(len(data)))

			normalized, err := metadata.NormalizeCover(data, p.coverMaxSize)
			if err != nil {
				p.logger.Debug("cover left as is", zap.Error(err))
				normalized = data
			}
			cover = normalized
			return nil
		})
	}

	g.Go(func() error {
		start := time.Now()
		data, err := p.transfer.Download(gctx, meta.AudioURL, network.ProgressFunc(onProgress))
		if err != nil {
			return err
		}
		monitoring.RecordDownload("audio", time.Since(start), int64(len(data)))
		audio = data
		return nil
	})

	if err := g.Wait(); err != nil {
		if apperrors.IsCancellation(err) {
			return nil, nil, err
		}
		return nil, nil, apperrors.NewFetchError("failed to download "+meta.Title, err)
	}
	return audio, cover, nil
}

// resolveRemote returns a streaming item and caches the song in the background
func (p *Pipeline) resolveRemote(ctx context.Context, meta *api.SongMetadata) *player.Item {
	if err := p.cache.SaveMetadata(ctx, meta); err != nil {
		p.logger.Warn("failed to store metadata", zap.Uint64("song_id", meta.ID), zap.Error(err))
	}

	job := &download.Job{ID: cache.Key(meta.ID), SongID: meta.ID, DisplayID: meta.DisplayID}
	if err := p.pool.Submit(job); err != nil {
		p.logger.Warn("background caching unavailable", zap.Uint64("song_id", meta.ID), zap.Error(err))
	}

	item := p.newItem(meta, nil, nil)
	item.AudioURL = meta.AudioURL
	item.CoverURL = meta.CoverURL
	return item
}

// cacheInBackground is the worker pool handler for remote play
func (p *Pipeline) cacheInBackground(ctx context.Context, job *download.Job) error {
	meta, err := p.metadataFor(ctx, job.SongID)
	if err != nil {
		return err
	}

	audio, cover, err := p.downloadMedia(ctx, meta, nil)
	if err != nil {
		if apperrors.IsCancellation(err) {
			p.logger.Debug("background caching cancelled", zap.Uint64("song_id", job.SongID))
		} else {
			p.logger.Warn("background caching failed", zap.Uint64("song_id", job.SongID), zap.Error(err))
		}
		return err
	}

	entry := &cache.Entry{Metadata: *meta, Audio: audio, Cover: cover}
	if err := p.cache.Save(ctx, cache.Key(job.SongID), entry); err != nil {
		p.logger.Warn("failed to cache song", zap.Uint64("song_id", job.SongID), zap.Error(err))
		return err
	}
	p.logger.Debug("cached song in background", zap.Uint64("song_id", job.SongID))
	return nil
}

func (p *Pipeline) newItem(meta *api.SongMetadata, audio, cover []byte) *player.Item {
	format := FormatFromURL(meta.AudioURL)
	return &player.Item{
		ID:              meta.ID,
		Title:           meta.Title,
		Artist:          meta.UploaderName,
		DurationSeconds: meta.DurationSeconds,
		AudioBytes:      audio,
		CoverBytes:      cover,
		Format:          format,
		ReplayGainDB:    p.replayGain(meta, format, audio),
	}
}

// replayGain is zero unless loudness normalisation is enabled. The server
// provided gain wins over a tag embedded in the audio.
func (p *Pipeline) replayGain(meta *api.SongMetadata, format string, audio []byte) float32 {
	if !p.loudness() {
		return 0
	}
	if meta.Gain != nil {
		return *meta.Gain
	}
	if gain, ok := metadata.ReplayGain(format, audio); ok {
		return gain
	}
	return 0
}

// FormatFromURL returns the lower-cased extension of the file named by rawURL
func FormatFromURL(rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = u.Path
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(path.Base(name)), "."))
}
