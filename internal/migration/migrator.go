package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/hachimi/hachimi-core/internal/api"
	"github.com/hachimi/hachimi-core/internal/cache"
	apperrors "github.com/hachimi/hachimi-core/internal/errors"
	"github.com/hachimi/hachimi-core/internal/monitoring"
)

// Importer is the part of the song cache the migrator writes to
type Importer interface {
	Save(ctx context.Context, key string, entry *cache.Entry) error
	SaveMetadata(ctx context.Context, metadata *api.SongMetadata) error
}

// Result contains the results of the migration
type Result struct {
	Imported     int
	MetadataOnly int
	Skipped      int
	MigratedDir  string
}

// Migrator orchestrates the import of a legacy cache directory
type Migrator struct {
	detector *Detector
	target   Importer
	logger   *zap.Logger
}

// NewMigrator creates a new Migrator
func NewMigrator(target Importer, logger *zap.Logger) *Migrator {
	return &Migrator{
		detector: NewDetector(),
		target:   target,
		logger:   monitoring.Component(logger, "migration"),
	}
}

// Detect looks for a legacy cache directory under dataDir
func (m *Migrator) Detect(dataDir string) (*LegacyInstallation, error) {
	return m.detector.Detect(dataDir)
}

// Migrate imports every usable entry and renames the directory so it is not
// imported twice. Entries with unreadable metadata are skipped.
func (m *Migrator) Migrate(ctx context.Context, inst *LegacyInstallation) (*Result, error) {
	if inst == nil {
		return nil, apperrors.NewValidationError("no legacy installation to migrate")
	}

	result := &Result{}
	for _, e := range inst.Entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		imported, err := m.importEntry(ctx, e)
		switch {
		case err != nil:
			result.Skipped++
			m.logger.Warn("skipping legacy cache entry", zap.String("key", e.Key), zap.Error(err))
		case imported:
			result.Imported++
		default:
			result.MetadataOnly++
		}
	}

	migrated := inst.Dir + MigratedSuffix
	if err := os.Rename(inst.Dir, migrated); err != nil {
		return result, apperrors.NewCacheError("failed to rename legacy cache directory", err)
	}
	result.MigratedDir = migrated

	m.logger.Info("legacy cache migrated",
		zap.Int("imported", result.Imported),
		zap.Int("metadata_only", result.MetadataOnly),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// importEntry reports whether a complete entry was imported, as opposed to
// metadata only
func (m *Migrator) importEntry(ctx context.Context, e LegacyEntry) (bool, error) {
	if e.MetadataPath == "" {
		return false, fmt.Errorf("metadata file missing")
	}

	meta, err := readMetadata(e.MetadataPath)
	if err != nil {
		return false, err
	}

	if !e.Complete() {
		if err := m.target.SaveMetadata(ctx, meta); err != nil {
			return false, err
		}
		return false, nil
	}

	audio, err := os.ReadFile(e.AudioPath)
	if err != nil {
		return false, fmt.Errorf("failed to read audio file: %w", err)
	}
	cover, err := os.ReadFile(e.CoverPath)
	if err != nil {
		return false, fmt.Errorf("failed to read cover file: %w", err)
	}

	key := e.Key
	// a numeric key is canonical; anything else was a display id key
	if _, err := strconv.ParseUint(key, 10, 64); err != nil {
		key = cache.Key(meta.ID)
	}

	entry := &cache.Entry{Key: key, Metadata: *meta, Audio: audio, Cover: cover}
	if err := m.target.Save(ctx, key, entry); err != nil {
		return false, err
	}
	return true, nil
}

func readMetadata(path string) (*api.SongMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}
	var meta api.SongMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata file: %w", err)
	}
	if meta.ID == 0 {
		return nil, fmt.Errorf("metadata file has no song id")
	}
	return &meta, nil
}

// CheckMigrationNeeded reports whether dataDir holds a legacy cache that has
// not been imported yet
func CheckMigrationNeeded(dataDir string) bool {
	inst, err := NewDetector().Detect(dataDir)
	return err == nil && len(inst.Entries) > 0
}
