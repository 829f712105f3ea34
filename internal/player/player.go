// Package player is the decoder and output device the playback service
// drives. Implementations emit transport events to subscribed listeners.
package player

import (
	"bytes"
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// EventType identifies a transport event
type EventType int

const (
	EventEnd EventType = iota
	EventError
	EventPause
	EventPlay
	EventSeek
)

func (t EventType) String() string {
	switch t {
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	case EventPause:
		return "pause"
	case EventPlay:
		return "play"
	case EventSeek:
		return "seek"
	default:
		return "unknown"
	}
}

// Event is emitted by a Player when its transport state changes
type Event struct {
	Type       EventType
	Err        error
	PositionMs int64
	// SongID names the track an End event belongs to; 0 when unknown.
	SongID uint64
}

// Listener receives player events on the player's dispatch goroutine
type Listener func(Event)

// Item is a song ready to be handed to a Player. Local items carry their
// audio bytes; remote items only carry AudioURL.
type Item struct {
	ID              uint64
	Title           string
	Artist          string
	DurationSeconds int
	AudioBytes      []byte
	CoverBytes      []byte
	Format          string
	ReplayGainDB    float32
	AudioURL        string
	CoverURL        string
}

// IsRemote reports whether the item must be streamed from AudioURL
func (i *Item) IsRemote() bool {
	return len(i.AudioBytes) == 0 && i.AudioURL != ""
}

// Player is an opaque decoder/output device
type Player interface {
	Initialize(ctx context.Context) error
	Prepare(ctx context.Context, item *Item, autoPlay bool, fade bool) error
	Play() error
	Pause(fade bool)
	Stop()
	Seek(ms int64, precise bool) error
	SetVolume(volume float32)
	Volume() float32
	IsPlaying() bool
	CurrentPosition() int64
	SetReplayGainEnabled(enabled bool)
	SetFadeDuration(d time.Duration)
	SupportsRemotePlay() bool
	Subscribe(l Listener)
	Release()
}

// GainToMultiplier converts a decibel gain to a linear amplitude factor
func GainToMultiplier(db float32) float32 {
	return float32(math.Pow(10, float64(db)/20))
}

// MixVolume combines the user volume with a replay gain adjustment and clamps
// the result to [0, 1].
func MixVolume(replayGainDB float32, volume float32) float32 {
	if volume <= 0 {
		return 0
	}
	db := 20*math.Log10(float64(volume)) + float64(replayGainDB)
	mixed := math.Pow(10, db/20)
	if mixed > 1 {
		return 1
	}
	return float32(mixed)
}

const sigmoidSteepness = 12

// FadeCurve maps linear fade progress t in [0, 1] onto a sigmoid curve
// normalised so FadeCurve(0) == 0 and FadeCurve(1) == 1.
func FadeCurve(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	raw := func(x float64) float64 { return 1 / (1 + math.Exp(-sigmoidSteepness*(x-0.5))) }
	lo, hi := raw(0), raw(1)
	return (raw(t) - lo) / (hi - lo)
}

// FadeTick is the interval between fade level updates
const FadeTick = 16 * time.Millisecond

// DetectFormat returns a decoder name for the audio. The declared format (the
// audio URL extension) wins when it is known; otherwise the bytes are sniffed.
func DetectFormat(declared string, data []byte) string {
	switch f := strings.ToLower(strings.TrimPrefix(declared, ".")); f {
	case "mp3", "flac", "wav":
		return f
	case "ogg", "oga":
		return "ogg"
	}

	switch {
	case bytes.HasPrefix(data, []byte("fLaC")):
		return "flac"
	case bytes.HasPrefix(data, []byte("ID3")):
		return "mp3"
	case len(data) > 1 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "mp3"
	case bytes.HasPrefix(data, []byte("RIFF")):
		return "wav"
	case bytes.HasPrefix(data, []byte("OggS")):
		return "ogg"
	}
	return ""
}

// emitter delivers events to listeners in order on a single goroutine, so a
// listener may call back into the player without deadlocking.
type emitter struct {
	mu        sync.RWMutex
	listeners []Listener
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newEmitter() *emitter {
	e := &emitter{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *emitter) subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *emitter) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *emitter) run() {
	for {
		select {
		case ev := <-e.events:
			e.mu.RLock()
			listeners := e.listeners
			e.mu.RUnlock()
			for _, l := range listeners {
				l(ev)
			}
		case <-e.done:
			return
		}
	}
}

func (e *emitter) close() {
	e.closeOnce.Do(func() { close(e.done) })
}
