//go:build cgo

package player

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
	"go.uber.org/zap"

	apperrors "github.com/hachimi/hachimi-core/internal/errors"
	"github.com/hachimi/hachimi-core/internal/monitoring"
)

// AudioAvailable indicates whether audio playback is supported in this build.
const AudioAvailable = true

const outputSampleRate = beep.SampleRate(44100)

// fader scales samples by a fade level in [0, 1]. Level changes happen under
// the speaker lock.
type fader struct {
	beep.Streamer
	level float64
}

func (f *fader) Stream(samples [][2]float64) (int, bool) {
	n, ok := f.Streamer.Stream(samples)
	if f.level != 1 {
		for i := range samples[:n] {
			samples[i][0] *= f.level
			samples[i][1] *= f.level
		}
	}
	return n, ok
}

// track is one decoded song attached to the speaker mixer
type track struct {
	item     *Item
	streamer beep.StreamSeekCloser
	format   beep.Format
	fader    *fader
	volume   *effects.Volume
	ctrl     *beep.Ctrl

	fadeGen    atomic.Uint64
	stopped    atomic.Bool
	ended      atomic.Bool
	superseded atomic.Bool
}

// BeepPlayer plays in-memory audio through the system speaker
type BeepPlayer struct {
	logger *zap.Logger
	events *emitter

	mu           sync.Mutex
	current      *track
	initialized  bool
	volume       float32
	replayGain   bool
	fadeDuration time.Duration
}

// NewBeepPlayer creates a speaker backed player
func NewBeepPlayer(fadeDuration time.Duration, logger *zap.Logger) *BeepPlayer {
	return &BeepPlayer{
		logger:       monitoring.Component(logger, "player"),
		events:       newEmitter(),
		volume:       1,
		replayGain:   true,
		fadeDuration: fadeDuration,
	}
}

// Initialize opens the output device
func (p *BeepPlayer) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if err := speaker.Init(outputSampleRate, outputSampleRate.N(time.Second/10)); err != nil {
		return apperrors.NewPlaybackError("failed to open audio output", err)
	}
	p.initialized = true
	return nil
}

func decode(format string, data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	reader := bytes.NewReader(data)
	switch DetectFormat(format, data) {
	case "mp3":
		return mp3.Decode(io.NopCloser(reader))
	case "flac":
		return flac.Decode(reader)
	case "wav":
		return wav.Decode(reader)
	case "ogg":
		return vorbis.Decode(io.NopCloser(reader))
	default:
		return nil, beep.Format{}, fmt.Errorf("unsupported audio format %q", format)
	}
}

// Prepare decodes the item and attaches it to the output. Anything still
// sounding is faded out (when fade is set) and released.
func (p *BeepPlayer) Prepare(ctx context.Context, item *Item, autoPlay bool, fade bool) error {
	if item.IsRemote() {
		return apperrors.NewPlaybackError("remote play is not supported", nil)
	}

	streamer, format, err := decode(item.Format, item.AudioBytes)
	if err != nil {
		p.events.emit(Event{Type: EventError, Err: err})
		return apperrors.NewPlaybackError("failed to decode "+item.Title, err)
	}
	if err := ctx.Err(); err != nil {
		streamer.Close()
		return err
	}

	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		streamer.Close()
		return apperrors.NewPlaybackError("player not initialized", nil)
	}

	t := &track{item: item, streamer: streamer, format: format}
	t.fader = &fader{Streamer: beep.Resample(4, format.SampleRate, outputSampleRate, streamer), level: 1}
	if fade && autoPlay {
		t.fader.level = 0
	}
	t.volume = &effects.Volume{Streamer: t.fader, Base: 10}
	applyVolume(t.volume, p.mixFor(item))
	t.ctrl = &beep.Ctrl{Streamer: t.volume, Paused: !autoPlay}

	previous := p.current
	if previous != nil {
		previous.superseded.Store(true)
	}
	p.current = t
	fadeDuration := p.fadeDuration
	p.mu.Unlock()

	p.attach(t)

	if previous != nil {
		if fade {
			go p.fadeOut(previous, fadeDuration, func() { p.release(previous) })
		} else {
			p.release(previous)
		}
	}

	if autoPlay {
		if fade {
			go p.fadeTo(t, 0, 1, fadeDuration)
		}
		p.events.emit(Event{Type: EventPlay})
	}

	p.logger.Debug("prepared track",
		zap.Uint64("song_id", item.ID),
		zap.Int("sample_rate", int(format.SampleRate)),
		zap.Bool("auto_play", autoPlay))
	return nil
}

// attach hands the track to the speaker mixer. The End event fires once the
// decoder is drained, unless the track was released or replaced first. A
// track fading out under a crossfade drains silently.
func (p *BeepPlayer) attach(t *track) {
	speaker.Play(beep.Seq(t.ctrl, beep.Callback(func() {
		if t.stopped.Load() {
			return
		}
		t.ended.Store(true)
		if t.superseded.Load() {
			return
		}
		p.events.emit(Event{Type: EventEnd, SongID: t.item.ID})
	})))
}

func (p *BeepPlayer) mixFor(item *Item) float32 {
	gain := float32(0)
	if p.replayGain {
		gain = item.ReplayGainDB
	}
	return MixVolume(gain, p.volume)
}

func applyVolume(v *effects.Volume, mix float32) {
	if mix <= 0 {
		v.Silent = true
		return
	}
	v.Silent = false
	v.Volume = math.Log10(float64(mix))
}

// fadeTo moves the track's fade level along the sigmoid curve. A newer fade on
// the same track supersedes this one.
func (p *BeepPlayer) fadeTo(t *track, from, to float64, d time.Duration) bool {
	gen := t.fadeGen.Add(1)
	if d <= 0 {
		speaker.Lock()
		t.fader.level = to
		speaker.Unlock()
		return true
	}

	ticker := time.NewTicker(FadeTick)
	defer ticker.Stop()

	start := time.Now()
	for {
		if t.fadeGen.Load() != gen || t.stopped.Load() {
			return false
		}
		progress := float64(time.Since(start)) / float64(d)
		level := from + (to-from)*FadeCurve(progress)

		speaker.Lock()
		t.fader.level = level
		speaker.Unlock()

		if progress >= 1 {
			return true
		}
		<-ticker.C
	}
}

func (p *BeepPlayer) fadeOut(t *track, d time.Duration, then func()) {
	speaker.Lock()
	from := t.fader.level
	speaker.Unlock()

	if p.fadeTo(t, from, 0, d) {
		then()
	}
}

func (p *BeepPlayer) release(t *track) {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	speaker.Lock()
	t.ctrl.Streamer = nil
	speaker.Unlock()
	t.streamer.Close()
}

// Play resumes the current track
func (p *BeepPlayer) Play() error {
	p.mu.Lock()
	t := p.current
	p.mu.Unlock()

	if t == nil {
		return apperrors.NewPlaybackError("nothing to play", nil)
	}

	t.fadeGen.Add(1)
	speaker.Lock()
	restart := t.ended.Load()
	if restart {
		if err := t.streamer.Seek(0); err != nil {
			speaker.Unlock()
			return apperrors.NewPlaybackError("failed to rewind track", err)
		}
		t.ended.Store(false)
	}
	t.fader.level = 1
	t.ctrl.Paused = false
	speaker.Unlock()

	if restart {
		p.attach(t)
	}

	p.events.emit(Event{Type: EventPlay})
	return nil
}

// Pause pauses the current track, fading it out first when fade is set
func (p *BeepPlayer) Pause(fade bool) {
	p.mu.Lock()
	t := p.current
	fadeDuration := p.fadeDuration
	p.mu.Unlock()

	if t == nil {
		return
	}

	pause := func() {
		speaker.Lock()
		t.ctrl.Paused = true
		speaker.Unlock()
	}

	if fade && p.IsPlaying() {
		go p.fadeOut(t, fadeDuration, pause)
	} else {
		t.fadeGen.Add(1)
		pause()
	}
	p.events.emit(Event{Type: EventPause})
}

// Stop releases the current track
func (p *BeepPlayer) Stop() {
	p.mu.Lock()
	t := p.current
	p.current = nil
	p.mu.Unlock()

	if t != nil {
		p.release(t)
	}
}

// Seek moves the playhead of the current track
func (p *BeepPlayer) Seek(ms int64, precise bool) error {
	p.mu.Lock()
	t := p.current
	p.mu.Unlock()

	if t == nil {
		return nil
	}

	speaker.Lock()
	pos := t.format.SampleRate.N(time.Duration(ms) * time.Millisecond)
	if length := t.streamer.Len(); pos >= length {
		pos = length - 1
	}
	if pos < 0 {
		pos = 0
	}
	err := t.streamer.Seek(pos)
	speaker.Unlock()

	if err != nil {
		return apperrors.NewPlaybackError("seek failed", err)
	}
	p.events.emit(Event{Type: EventSeek, PositionMs: ms})
	return nil
}

// SetVolume sets the user volume in [0, 1]
func (p *BeepPlayer) SetVolume(volume float32) {
	p.mu.Lock()
	p.volume = volume
	t := p.current
	mix := float32(0)
	if t != nil {
		mix = p.mixFor(t.item)
	}
	p.mu.Unlock()

	if t != nil {
		speaker.Lock()
		applyVolume(t.volume, mix)
		speaker.Unlock()
	}
}

func (p *BeepPlayer) Volume() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *BeepPlayer) IsPlaying() bool {
	p.mu.Lock()
	t := p.current
	p.mu.Unlock()

	if t == nil || t.ended.Load() {
		return false
	}
	speaker.Lock()
	defer speaker.Unlock()
	return !t.ctrl.Paused
}

// CurrentPosition returns the playhead in milliseconds
func (p *BeepPlayer) CurrentPosition() int64 {
	p.mu.Lock()
	t := p.current
	p.mu.Unlock()

	if t == nil {
		return 0
	}
	speaker.Lock()
	pos := t.streamer.Position()
	speaker.Unlock()
	return t.format.SampleRate.D(pos).Milliseconds()
}

// SetReplayGainEnabled toggles replay gain for the current and future tracks
func (p *BeepPlayer) SetReplayGainEnabled(enabled bool) {
	p.mu.Lock()
	p.replayGain = enabled
	t := p.current
	mix := float32(0)
	if t != nil {
		mix = p.mixFor(t.item)
	}
	p.mu.Unlock()

	if t != nil {
		speaker.Lock()
		applyVolume(t.volume, mix)
		speaker.Unlock()
	}
}

func (p *BeepPlayer) SetFadeDuration(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fadeDuration = d
}

// SupportsRemotePlay is false: tracks are decoded from memory
func (p *BeepPlayer) SupportsRemotePlay() bool { return false }

func (p *BeepPlayer) Subscribe(l Listener) {
	p.events.subscribe(l)
}

// Release stops playback and closes the output device
func (p *BeepPlayer) Release() {
	p.Stop()

	p.mu.Lock()
	initialized := p.initialized
	p.initialized = false
	p.mu.Unlock()

	if initialized {
		speaker.Clear()
		speaker.Close()
	}
	p.events.close()
}
