package playback

import (
	"testing"

	"github.com/hachimi/hachimi-core/internal/api"
	"github.com/hachimi/hachimi-core/internal/queue"
)

func TestAttemptGuardDiscardsStaleToken(t *testing.T) {
	var published []UIState
	g := newAttemptGuard(func(s UIState) { published = append(published, s) })

	first := g.Begin()
	second := g.Begin()

	if g.Update(first, func(s *UIState) { s.SongInfo = &api.SongMetadata{ID: 1} }) {
		t.Fatal("stale token was applied")
	}
	if !g.Update(second, func(s *UIState) { s.SongInfo = &api.SongMetadata{ID: 2} }) {
		t.Fatal("current token was rejected")
	}

	if got := g.Snapshot().PlayingSongID(); got != 2 {
		t.Errorf("PlayingSongID() = %d, want 2", got)
	}
	if len(published) != 1 {
		t.Errorf("published %d snapshots, want 1", len(published))
	}
}

func TestAttemptGuardMutateIgnoresToken(t *testing.T) {
	g := newAttemptGuard(nil)
	g.Begin()

	g.Mutate(func(s *UIState) bool {
		s.IsPlaying = true
		return true
	})
	if !g.Snapshot().IsPlaying {
		t.Error("Mutate did not apply")
	}
}

func TestAttemptGuardResetKeepsVolume(t *testing.T) {
	g := newAttemptGuard(nil)
	tok := g.Begin()
	g.Update(tok, func(s *UIState) {
		s.Volume = 0.3
		s.HasSong = true
		s.FetchingMetadata = true
	})

	g.Reset()

	st := g.Snapshot()
	if st.Volume != 0.3 {
		t.Errorf("Volume = %v, want 0.3", st.Volume)
	}
	if st.HasSong || st.FetchingMetadata {
		t.Errorf("state not cleared: %+v", st)
	}
	if g.IsCurrent(tok) {
		t.Error("Reset did not supersede the attempt")
	}
}

func TestUIStateSongIDs(t *testing.T) {
	tests := []struct {
		name        string
		state       UIState
		wantCurrent uint64
		wantPlaying uint64
	}{
		{"empty", UIState{}, 0, 0},
		{"loaded", UIState{SongInfo: &api.SongMetadata{ID: 4}}, 4, 4},
		{
			"fetching",
			UIState{
				FetchingMetadata: true,
				SongInfo:         &api.SongMetadata{ID: 4},
				PreviewMetadata:  previewFrom(queue.Item{ID: 9}),
			},
			9, 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.CurrentSongID(); got != tt.wantCurrent {
				t.Errorf("CurrentSongID() = %d, want %d", got, tt.wantCurrent)
			}
			if got := tt.state.PlayingSongID(); got != tt.wantPlaying {
				t.Errorf("PlayingSongID() = %d, want %d", got, tt.wantPlaying)
			}
		})
	}
}
