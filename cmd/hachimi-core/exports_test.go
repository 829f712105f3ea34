package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hachimi/hachimi-core/internal/config"
	"github.com/hachimi/hachimi-core/internal/player"
	"github.com/hachimi/hachimi-core/internal/playback"
	"github.com/hachimi/hachimi-core/internal/queue"
	"github.com/hachimi/hachimi-core/internal/security"
)

// silentPlayer keeps the audio device out of tests
type silentPlayer struct {
	mu      sync.Mutex
	volume  float32
	playing bool
}

func (p *silentPlayer) Initialize(ctx context.Context) error { return nil }
func (p *silentPlayer) Prepare(ctx context.Context, item *player.Item, autoPlay bool, fade bool) error {
	p.mu.Lock()
	p.playing = autoPlay
	p.mu.Unlock()
	return nil
}
func (p *silentPlayer) Play() error                       { return nil }
func (p *silentPlayer) Pause(fade bool)                   {}
func (p *silentPlayer) Stop()                             {}
func (p *silentPlayer) Seek(ms int64, precise bool) error { return nil }
func (p *silentPlayer) SetVolume(v float32) {
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}
func (p *silentPlayer) Volume() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}
func (p *silentPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}
func (p *silentPlayer) CurrentPosition() int64        { return 0 }
func (p *silentPlayer) SetReplayGainEnabled(bool)     {}
func (p *silentPlayer) SetFadeDuration(time.Duration) {}
func (p *silentPlayer) SupportsRemotePlay() bool      { return false }
func (p *silentPlayer) Subscribe(l player.Listener)   {}
func (p *silentPlayer) Release()                      {}

// Helper function to setup test config
func setupTestConfig(t *testing.T, tmpDir string) string {
	t.Helper()
	configPath := filepath.Join(tmpDir, "settings.json")

	cfg := &config.Config{
		Player: config.PlayerConfig{
			Volume:                1,
			FadeDurationMs:        3000,
			LoudnessNormalization: true,
			MaxPlayAttempts:       2,
			InitialRetryBackoffMs: 10,
			PollIntervalMs:        50,
		},
		Cache: config.CacheConfig{
			MaxSizeMB:      64,
			MemoryEntries:  4,
			CoverMaxSize:   400,
			BackgroundJobs: 3,
			TrimOnStart:    true,
		},
		Remote: config.RemoteConfig{
			BaseURL:           "http://127.0.0.1:1",
			UserAgent:         "hachimi-core-test",
			RequestsPerSecond: 10,
			Burst:             10,
		},
		Network: config.NetworkConfig{
			Timeout:    5,
			MaxRetries: 0,
		},
		Store: config.StoreConfig{
			Path: filepath.Join(tmpDir, "data", "hachimi.db"),
		},
		Logging: config.LoggingConfig{
			Level:      "debug",
			Format:     "json",
			Output:     "file",
			FilePath:   filepath.Join(tmpDir, "logs", "core.log"),
			MaxSizeMB:  10,
			MaxBackups: 1,
			MaxAgeDays: 1,
		},
	}

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}
	return configPath
}

func testOptions(tmpDir string, notify func(*playback.Message)) coreOptions {
	return coreOptions{
		DataDir: tmpDir,
		NewPlayer: func(*config.Config, *zap.Logger) player.Player {
			return &silentPlayer{volume: 1}
		},
		Notify: notify,
	}
}

func TestCoreLifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := setupTestConfig(t, tmpDir)

	c, err := newCore(configPath, testOptions(tmpDir, nil))
	if err != nil {
		t.Fatalf("newCore() error = %v", err)
	}
	defer c.close()

	if err := c.insertJSON([]byte(`{"id":7,"displayId":"JM-AAAA","name":"song","artist":"someone","durationSeconds":120}`), false, true); err != nil {
		t.Fatalf("insertJSON() error = %v", err)
	}

	data, err := c.queueJSON()
	if err != nil {
		t.Fatalf("queueJSON() error = %v", err)
	}
	var items []queue.Item
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("invalid queue JSON: %v", err)
	}
	if len(items) != 1 || items[0].ID != 7 {
		t.Errorf("queue = %+v, want song 7", items)
	}

	data, err = c.stateJSON()
	if err != nil {
		t.Fatalf("stateJSON() error = %v", err)
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("invalid state JSON: %v", err)
	}
	if state["volume"] != 1.0 {
		t.Errorf("volume = %v, want 1", state["volume"])
	}

	data, err = c.healthJSON(context.Background())
	if err != nil {
		t.Fatalf("healthJSON() error = %v", err)
	}
	var health map[string]any
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("invalid health JSON: %v", err)
	}
	if health["queue_size"] != 1.0 {
		t.Errorf("queue_size = %v, want 1", health["queue_size"])
	}
}

func TestInsertJSONRejectsBadInput(t *testing.T) {
	tmpDir := t.TempDir()
	c, err := newCore(setupTestConfig(t, tmpDir), testOptions(tmpDir, nil))
	if err != nil {
		t.Fatalf("newCore() error = %v", err)
	}
	defer c.close()

	tests := []string{`{not json`, `{"name":"no id"}`}
	for _, input := range tests {
		if err := c.insertJSON([]byte(input), false, true); err == nil {
			t.Errorf("insertJSON(%q) succeeded", input)
		}
	}
	if err := c.replaceJSON([]byte(`[{"id":`)); err == nil {
		t.Error("replaceJSON accepted truncated input")
	}
}

// TestAppRestartPersistence simulates a restart and verifies the queue survives
func TestAppRestartPersistence(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := setupTestConfig(t, tmpDir)

	c, err := newCore(configPath, testOptions(tmpDir, nil))
	if err != nil {
		t.Fatalf("newCore() error = %v", err)
	}
	if err := c.replaceJSON([]byte(`[{"id":1,"name":"a"},{"id":2,"name":"b"}]`)); err != nil {
		t.Fatalf("replaceJSON() error = %v", err)
	}
	c.close()

	c, err = newCore(configPath, testOptions(tmpDir, nil))
	if err != nil {
		t.Fatalf("newCore() after restart error = %v", err)
	}
	defer c.close()

	if got := len(c.service.Queue()); got != 2 {
		t.Errorf("restored queue has %d items, want 2", got)
	}
}

func TestCoreImportsLegacyCache(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := setupTestConfig(t, tmpDir)

	legacy := filepath.Join(tmpDir, "song_caches")
	if err := os.MkdirAll(legacy, 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"9":          "audio",
		"9_cover":    "cover",
		"9_metadata": `{"id":9,"displayId":"JM-IIII","title":"nine"}`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(legacy, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	c, err := newCore(configPath, testOptions(tmpDir, nil))
	if err != nil {
		t.Fatalf("newCore() error = %v", err)
	}
	defer c.close()

	entry, err := c.cache.Get(context.Background(), "9")
	if err != nil || entry == nil {
		t.Fatalf("legacy entry not imported: %v, %v", entry, err)
	}
	if _, err := os.Stat(legacy + ".migrated"); err != nil {
		t.Errorf("legacy directory not renamed: %v", err)
	}
}

func TestCoreForwardsMessages(t *testing.T) {
	tmpDir := t.TempDir()
	received := make(chan *playback.Message, 64)

	c, err := newCore(setupTestConfig(t, tmpDir), testOptions(tmpDir, func(m *playback.Message) {
		select {
		case received <- m:
		default:
		}
	}))
	if err != nil {
		t.Fatalf("newCore() error = %v", err)
	}
	defer c.close()

	c.service.UpdateVolume(0.5)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-received:
			if m.Type == playback.MessageState && m.State.Volume == 0.5 {
				return
			}
		case <-deadline:
			t.Fatal("state change was not forwarded")
		}
	}
}

func TestInitErrorCodes(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "settings.json")
	if err := os.WriteFile(configPath, []byte(`{"player": {"volume": 2}}`), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := newCore(configPath, testOptions(tmpDir, nil))
	var ie *initError
	if !errors.As(err, &ie) || ie.code != codeConfig {
		t.Errorf("newCore() error = %v, want config error code", err)
	}
}

func TestCoreSealsPlaintextAccessToken(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := setupTestConfig(t, tmpDir)

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Remote.AccessToken = "plain-session-token"
	if err := cfg.Save(configPath); err != nil {
		t.Fatal(err)
	}

	c, err := newCore(configPath, testOptions(tmpDir, nil))
	if err != nil {
		t.Fatalf("newCore() error = %v", err)
	}
	defer c.close()

	if !c.remote.IsAuthenticated() {
		t.Error("client did not receive the access token")
	}

	reloaded, err := config.Load(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !security.IsSealed(reloaded.Remote.AccessToken) {
		t.Errorf("stored token = %q, want sealed", reloaded.Remote.AccessToken)
	}
}
