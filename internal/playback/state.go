// Package playback orchestrates the queue, the fetch pipeline and the player,
// and projects the result into observable UI state.
package playback

import (
	"sync"

	"github.com/hachimi/hachimi-core/internal/api"
	"github.com/hachimi/hachimi-core/internal/queue"
)

// PreviewMetadata is shown while the real metadata is being fetched
type PreviewMetadata struct {
	ID              uint64  `json:"id"`
	DisplayID       string  `json:"displayId"`
	Title           string  `json:"title"`
	Author          string  `json:"author"`
	CoverURL        string  `json:"coverUrl"`
	DurationSeconds float64 `json:"durationSeconds"`
	Explicit        *bool   `json:"explicit,omitempty"`
}

func previewFrom(item queue.Item) *PreviewMetadata {
	return &PreviewMetadata{
		ID:              item.ID,
		DisplayID:       item.DisplayID,
		Title:           item.Name,
		Author:          item.Artist,
		CoverURL:        item.CoverURL,
		DurationSeconds: item.DurationSeconds,
		Explicit:        item.Explicit,
	}
}

// UIState is the observable projection of the player. Pointer fields are
// replaced, never mutated, so a copy is a consistent snapshot.
type UIState struct {
	FetchingMetadata bool                   `json:"fetchingMetadata"`
	Buffering        bool                   `json:"buffering"`
	DownloadProgress float64                `json:"downloadProgress"`
	IsPlaying        bool                   `json:"isPlaying"`
	CurrentMillis    int64                  `json:"currentMillis"`
	HasSong          bool                   `json:"hasSong"`
	Volume           float32                `json:"volume"`
	SongInfo         *api.SongMetadata      `json:"songInfo,omitempty"`
	PreviewMetadata  *PreviewMetadata       `json:"previewMetadata,omitempty"`
	AuthorProfile    *api.PublicUserProfile `json:"authorProfile,omitempty"`
}

// CurrentSongID is the song being fetched, else the song loaded, else 0
func (s UIState) CurrentSongID() uint64 {
	if s.FetchingMetadata && s.PreviewMetadata != nil {
		return s.PreviewMetadata.ID
	}
	if s.SongInfo != nil {
		return s.SongInfo.ID
	}
	return 0
}

// PlayingSongID is the id of the loaded song, or 0
func (s UIState) PlayingSongID() uint64 {
	if s.SongInfo != nil {
		return s.SongInfo.ID
	}
	return 0
}

// Busy reports whether a song is still loading
func (s UIState) Busy() bool {
	return s.FetchingMetadata || s.Buffering
}

// clear resets everything except the volume
func (s *UIState) clear() {
	*s = UIState{Volume: s.Volume}
}

// attemptGuard owns the UI state and the current attempt token. The token
// check and the mutation it guards happen under one lock, so results of a
// superseded attempt can never land.
type attemptGuard struct {
	mu       sync.Mutex
	current  uint64
	state    UIState
	onChange func(UIState)
}

func newAttemptGuard(onChange func(UIState)) *attemptGuard {
	if onChange == nil {
		onChange = func(UIState) {}
	}
	return &attemptGuard{onChange: onChange}
}

// Begin starts a new attempt, superseding the previous one
func (g *attemptGuard) Begin() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current++
	return g.current
}

func (g *attemptGuard) IsCurrent(tok uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return tok == g.current
}

func (g *attemptGuard) Current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Update applies fn only if tok is still the current attempt
func (g *attemptGuard) Update(tok uint64, fn func(*UIState)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tok != g.current {
		return false
	}
	fn(&g.state)
	g.onChange(g.state)
	return true
}

// Mutate applies fn regardless of the attempt. Reserved for transport state
// (position, play/pause, volume) that follows the player, not an attempt.
func (g *attemptGuard) Mutate(fn func(*UIState) bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if fn(&g.state) {
		g.onChange(g.state)
	}
}

// Reset supersedes any attempt and clears the state
func (g *attemptGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.current++
	g.state.clear()
	g.onChange(g.state)
}

func (g *attemptGuard) Snapshot() UIState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
