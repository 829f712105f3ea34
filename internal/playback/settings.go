package playback

import (
	"sync"
	"time"

	"github.com/hachimi/hachimi-core/internal/config"
)

// Settings are the user toggles the service consults on every command
type Settings struct {
	mu           sync.RWMutex
	shuffle      bool
	repeat       bool
	fadeEnabled  bool
	fadeDuration time.Duration
	loudness     bool
	kidsMode     bool
}

func NewSettings(cfg config.PlayerConfig) *Settings {
	return &Settings{
		shuffle:      cfg.ShuffleMode,
		repeat:       cfg.RepeatMode,
		fadeEnabled:  cfg.FadeEnabled,
		fadeDuration: cfg.FadeDuration(),
		loudness:     cfg.LoudnessNormalization,
		kidsMode:     cfg.KidsMode,
	}
}

func (s *Settings) Shuffle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shuffle
}

func (s *Settings) Repeat() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repeat
}

// Fade returns whether fading is on and its duration
func (s *Settings) Fade() (bool, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fadeEnabled, s.fadeDuration
}

func (s *Settings) LoudnessNormalization() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loudness
}

func (s *Settings) KidsMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kidsMode
}

func (s *Settings) setShuffle(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuffle = v
}

func (s *Settings) setRepeat(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeat = v
}

func (s *Settings) setFade(enabled bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fadeEnabled = enabled
	s.fadeDuration = d
}

func (s *Settings) setLoudness(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loudness = v
}

func (s *Settings) setKidsMode(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kidsMode = v
}
