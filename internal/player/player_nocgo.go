//go:build !cgo

package player

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/hachimi/hachimi-core/internal/errors"
)

// AudioAvailable indicates whether audio playback is supported in this build.
// Audio requires CGO for native sound libraries.
const AudioAvailable = false

// BeepPlayer is a silent player for builds without cgo. It tracks transport
// state so the rest of the core keeps working without sound.
type BeepPlayer struct {
	events *emitter

	mu       sync.Mutex
	item     *Item
	playing  bool
	volume   float32
	position int64
}

// NewBeepPlayer creates a new no-op player.
func NewBeepPlayer(fadeDuration time.Duration, logger *zap.Logger) *BeepPlayer {
	return &BeepPlayer{events: newEmitter(), volume: 1}
}

func (p *BeepPlayer) Initialize(ctx context.Context) error { return nil }

func (p *BeepPlayer) Prepare(ctx context.Context, item *Item, autoPlay bool, fade bool) error {
	p.mu.Lock()
	p.item = item
	p.playing = autoPlay
	p.position = 0
	p.mu.Unlock()

	if autoPlay {
		p.events.emit(Event{Type: EventPlay})
	}
	return nil
}

func (p *BeepPlayer) Play() error {
	p.mu.Lock()
	if p.item == nil {
		p.mu.Unlock()
		return apperrors.NewPlaybackError("nothing to play", nil)
	}
	p.playing = true
	p.mu.Unlock()

	p.events.emit(Event{Type: EventPlay})
	return nil
}

func (p *BeepPlayer) Pause(fade bool) {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
	p.events.emit(Event{Type: EventPause})
}

func (p *BeepPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.item = nil
	p.playing = false
	p.position = 0
}

func (p *BeepPlayer) Seek(ms int64, precise bool) error {
	p.mu.Lock()
	p.position = ms
	p.mu.Unlock()
	p.events.emit(Event{Type: EventSeek, PositionMs: ms})
	return nil
}

func (p *BeepPlayer) SetVolume(volume float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = volume
}

func (p *BeepPlayer) Volume() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *BeepPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *BeepPlayer) CurrentPosition() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *BeepPlayer) SetReplayGainEnabled(enabled bool) {}

func (p *BeepPlayer) SetFadeDuration(d time.Duration) {}

func (p *BeepPlayer) SupportsRemotePlay() bool { return false }

func (p *BeepPlayer) Subscribe(l Listener) { p.events.subscribe(l) }

func (p *BeepPlayer) Release() {
	p.Stop()
	p.events.close()
}
