// Package migration imports the legacy file-per-song cache directory into
// the sqlite song cache.
package migration

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/hachimi/hachimi-core/internal/errors"
)

const (
	// LegacyDirName is the legacy cache directory under the data dir
	LegacyDirName = "song_caches"
	// MigratedSuffix marks a legacy directory that has been imported
	MigratedSuffix = ".migrated"

	coverSuffix    = "_cover"
	metadataSuffix = "_metadata"
	tempSuffix     = "_temp"
)

// LegacyEntry is the set of files found for one cache key
type LegacyEntry struct {
	Key          string
	AudioPath    string
	CoverPath    string
	MetadataPath string
}

// Complete reports whether audio, cover and metadata are all present
func (e LegacyEntry) Complete() bool {
	return e.AudioPath != "" && e.CoverPath != "" && e.MetadataPath != ""
}

// LegacyInstallation represents a detected legacy cache directory
type LegacyInstallation struct {
	Dir        string
	Entries    []LegacyEntry
	DetectedAt time.Time
}

// Detector handles detection of legacy cache directories
type Detector struct{}

// NewDetector creates a new Detector
func NewDetector() *Detector {
	return &Detector{}
}

// Detect scans <dataDir>/song_caches. It returns a NotFoundError when there
// is nothing to import.
func (d *Detector) Detect(dataDir string) (*LegacyInstallation, error) {
	dir := filepath.Join(dataDir, LegacyDirName)

	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, apperrors.NewNotFoundError("no legacy cache found at " + dir)
	}
	if err != nil {
		return nil, apperrors.NewCacheError("failed to read legacy cache directory", err)
	}

	entries := map[string]*LegacyEntry{}
	entry := func(key string) *LegacyEntry {
		e, ok := entries[key]
		if !ok {
			e = &LegacyEntry{Key: key}
			entries[key] = e
		}
		return e
	}

	for _, f := range files {
		name := f.Name()
		if f.IsDir() || strings.HasSuffix(name, tempSuffix) {
			continue
		}
		// empty files were never complete writes
		if info, err := f.Info(); err != nil || info.Size() == 0 {
			continue
		}

		path := filepath.Join(dir, name)
		switch {
		case strings.HasSuffix(name, coverSuffix):
			entry(strings.TrimSuffix(name, coverSuffix)).CoverPath = path
		case strings.HasSuffix(name, metadataSuffix):
			entry(strings.TrimSuffix(name, metadataSuffix)).MetadataPath = path
		default:
			entry(name).AudioPath = path
		}
	}

	inst := &LegacyInstallation{Dir: dir, DetectedAt: time.Now()}
	for _, e := range entries {
		inst.Entries = append(inst.Entries, *e)
	}
	sort.Slice(inst.Entries, func(i, j int) bool { return inst.Entries[i].Key < inst.Entries[j].Key })
	return inst, nil
}
