package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hachimi/hachimi-core/internal/api"
	"github.com/hachimi/hachimi-core/internal/cache"
	"github.com/hachimi/hachimi-core/internal/config"
	apperrors "github.com/hachimi/hachimi-core/internal/errors"
	"github.com/hachimi/hachimi-core/internal/fetch"
	"github.com/hachimi/hachimi-core/internal/migration"
	"github.com/hachimi/hachimi-core/internal/monitoring"
	"github.com/hachimi/hachimi-core/internal/network"
	"github.com/hachimi/hachimi-core/internal/player"
	"github.com/hachimi/hachimi-core/internal/playback"
	"github.com/hachimi/hachimi-core/internal/queue"
	"github.com/hachimi/hachimi-core/internal/security"
	"github.com/hachimi/hachimi-core/internal/store"
)

const version = "1.0.0"

// Exit codes returned across the library boundary
const (
	codeOK             = 0
	codeNotInitialized = -1
	codeInvalidInput   = -2
	codeConfig         = -3
	codeDatabase       = -4
	codePlayer         = -5
)

// initError carries the exit code of a failed initialization
type initError struct {
	code int
	err  error
}

func (e *initError) Error() string { return e.err.Error() }
func (e *initError) Unwrap() error { return e.err }

// coreOptions overrides the pieces tests need to control
type coreOptions struct {
	// DataDir is scanned for a legacy cache. Empty uses the config data dir.
	DataDir string
	// NewPlayer builds the audio backend. Nil uses the beep player.
	NewPlayer func(cfg *config.Config, logger *zap.Logger) player.Player
	// Notify receives every broadcast message
	Notify func(m *playback.Message)
}

// core is everything one InitializeCore call owns
type core struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *sql.DB
	cache    *cache.SongCache
	remote   *api.Client
	pipeline *fetch.Pipeline
	player   player.Player
	service  *playback.Service
	health   *monitoring.HealthChecker

	cancel  context.CancelFunc
	sub     *playback.Subscriber
	forward sync.WaitGroup
}

func newCore(configPath string, opts coreOptions) (*core, error) {
	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &initError{codeConfig, err}
	}

	logger, err := monitoring.NewLogger(monitoring.LogConfigFrom(cfg.Logging))
	if err != nil {
		return nil, &initError{codeConfig, err}
	}
	logger = logger.With(zap.String("version", version))
	logger.Info("initializing core", zap.String("config", configPath))

	db, err := store.InitDB(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		return nil, &initError{codeDatabase, err}
	}

	songCache, err := cache.NewSongCache(store.NewSongStore(db), cfg.Cache.MemoryEntries, logger)
	if err != nil {
		db.Close()
		return nil, &initError{codeDatabase, err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &core{cfg: cfg, logger: logger, db: db, cache: songCache, cancel: cancel}

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = config.GetDataDir()
	}
	c.importLegacyCache(ctx, dataDir)

	if cfg.Cache.TrimOnStart {
		if _, err := c.TrimCache(ctx); err != nil {
			logger.Warn("failed to trim song cache", zap.Error(err))
		}
	}

	clientCfg := network.DefaultClientConfig()
	if cfg.Network.Timeout > 0 {
		clientCfg.Timeout = time.Duration(cfg.Network.Timeout) * time.Second
	}
	clientCfg.ProxyURL = cfg.Network.ProxyURL
	httpClient := network.NewClient(clientCfg)
	transferClient := network.GetDownloadClient(clientCfg.Timeout, cfg.Network.ProxyURL)

	c.remote = api.NewClient(api.ClientOptions{
		BaseURL:           cfg.Remote.BaseURL,
		UserAgent:         cfg.Remote.UserAgent,
		AccessToken:       openAccessToken(cfg, configPath, logger),
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		Burst:             cfg.Remote.Burst,
		MaxRetries:        cfg.Network.MaxRetries,
		HTTPClient:        httpClient,
		Logger:            logger,
	})

	newPlayer := opts.NewPlayer
	if newPlayer == nil {
		newPlayer = func(cfg *config.Config, logger *zap.Logger) player.Player {
			return player.NewBeepPlayer(cfg.Player.FadeDuration(), logger)
		}
	}
	c.player = newPlayer(cfg, logger)

	settings := playback.NewSettings(cfg.Player)

	c.pipeline = fetch.NewPipeline(fetch.Options{
		Cache:                 songCache,
		Source:                c.remote,
		Transfer:              network.NewTransfer(transferClient, network.TransferOptions{UserAgent: cfg.Remote.UserAgent, AlwaysProbe: cfg.Network.ProbeSize}),
		RemotePlay:            c.player.SupportsRemotePlay(),
		LoudnessNormalization: settings.LoudnessNormalization,
		CoverMaxSize:          cfg.Cache.CoverMaxSize,
		BackgroundJobs:        cfg.Cache.BackgroundJobs,
		Logger:                logger,
	})
	if err := c.pipeline.Start(ctx); err != nil {
		c.close()
		return nil, &initError{codePlayer, err}
	}

	retry := apperrors.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Player.MaxPlayAttempts
	retry.InitialBackoff = time.Duration(cfg.Player.InitialRetryBackoffMs) * time.Millisecond
	retry.MaxBackoff = 0

	c.service, err = playback.NewService(playback.Options{
		Player:       c.player,
		Fetcher:      c.pipeline,
		Remote:       c.remote,
		Metadata:     songCache,
		Queue:        queue.NewManager(nil),
		Persister:    queue.NewPersister(store.NewKVStore(db)),
		Settings:     settings,
		Retry:        retry,
		PollInterval: time.Duration(cfg.Player.PollIntervalMs) * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		c.close()
		return nil, &initError{codePlayer, err}
	}

	if opts.Notify != nil {
		c.sub = c.service.Subscribe()
		c.forward.Add(1)
		go c.forwardMessages(opts.Notify)
	}

	if err := c.service.Start(ctx); err != nil {
		logger.Error("failed to start playback", zap.Error(err))
		c.close()
		return nil, &initError{codePlayer, err}
	}

	c.health = monitoring.NewHealthChecker(version, db)
	logger.Info("core initialized")
	return c, nil
}

// openAccessToken returns the plaintext token. A token still stored in the
// clear is sealed and written back.
func openAccessToken(cfg *config.Config, configPath string, logger *zap.Logger) string {
	stored := cfg.Remote.AccessToken
	if stored == "" {
		return ""
	}

	vault := security.NewTokenVault(filepath.Dir(configPath))
	token, err := vault.Open(stored)
	if err != nil {
		logger.Warn("failed to open access token, continuing anonymously", zap.Error(err))
		return ""
	}
	if security.IsSealed(stored) {
		return token
	}

	sealed, err := vault.Seal(token)
	if err != nil {
		logger.Warn("failed to seal access token", zap.Error(err))
		return token
	}
	cfg.Remote.AccessToken = sealed
	if err := cfg.Save(configPath); err != nil {
		logger.Warn("failed to save sealed access token", zap.Error(err))
	}
	return token
}

func (c *core) importLegacyCache(ctx context.Context, dataDir string) {
	if !migration.CheckMigrationNeeded(dataDir) {
		return
	}

	m := migration.NewMigrator(c.cache, c.logger)
	inst, err := m.Detect(dataDir)
	if err != nil {
		c.logger.Warn("failed to detect legacy cache", zap.Error(err))
		return
	}
	if _, err := m.Migrate(ctx, inst); err != nil {
		c.logger.Warn("legacy cache migration failed", zap.Error(err))
	}
}

func (c *core) forwardMessages(notify func(m *playback.Message)) {
	defer c.forward.Done()
	for m := range c.sub.C {
		notify(m)
	}
}

// close tears down in reverse order of construction. Safe on a partially
// built core.
func (c *core) close() {
	if c.service != nil {
		c.service.Close()
	}
	c.forward.Wait()
	if c.pipeline != nil {
		c.pipeline.Close()
	}
	if c.player != nil {
		c.player.Release()
	}
	c.cancel()
	if c.db != nil {
		c.db.Close()
	}
	c.logger.Info("core shut down")
	_ = c.logger.Sync()
}

// TrimCache shrinks the durable cache to its configured budget
func (c *core) TrimCache(ctx context.Context) (int, error) {
	removed, err := c.cache.Trim(ctx, c.cfg.Cache.MaxSizeBytes())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.logger.Info("trimmed song cache", zap.Int("removed", removed))
	}
	return removed, nil
}

func (c *core) stateJSON() ([]byte, error) {
	return json.Marshal(c.service.State())
}

func (c *core) queueJSON() ([]byte, error) {
	return json.Marshal(c.service.Queue())
}

func (c *core) healthJSON(ctx context.Context) ([]byte, error) {
	size, err := c.cache.Size(ctx)
	if err != nil {
		c.logger.Warn("failed to read cache size", zap.Error(err))
	}
	check := c.health.Check(monitoring.Usage{
		QueueSize:       len(c.service.Queue()),
		CacheBytes:      size,
		CacheLimitBytes: c.cfg.Cache.MaxSizeBytes(),
		BackgroundJobs:  c.pipeline.BackgroundJobs(),
	})
	return json.Marshal(check)
}

// insertJSON decodes a queue item sent by the UI
func (c *core) insertJSON(data []byte, instantPlay, toTail bool) error {
	var item queue.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("invalid queue item: %v", err))
	}
	if item.ID == 0 {
		return apperrors.NewValidationError("queue item has no id")
	}
	c.service.InsertToQueue(item, instantPlay, toTail)
	return nil
}

func (c *core) replaceJSON(data []byte) error {
	var items []queue.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("invalid queue: %v", err))
	}
	c.service.ReplaceQueue(items)
	return nil
}

func (c *core) fade() bool {
	enabled, _ := c.service.Settings().Fade()
	return enabled
}
