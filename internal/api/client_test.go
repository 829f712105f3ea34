package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	apperrors "github.com/hachimi/hachimi-core/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(ClientOptions{
		BaseURL:           server.URL,
		UserAgent:         "hachimi-test",
		RequestsPerSecond: 1000,
		Burst:             100,
		MaxRetries:        2,
		HTTPClient:        server.Client(),
	})
}

func writeOK(w http.ResponseWriter, data interface{}) {
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "data": json.RawMessage(raw)})
}

func TestGetSongMetadata(t *testing.T) {
	gain := float32(-6.5)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathSongByID {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("id") != "42" {
			t.Errorf("id = %s", r.URL.Query().Get("id"))
		}
		if r.Header.Get("User-Agent") != "hachimi-test" {
			t.Errorf("User-Agent = %s", r.Header.Get("User-Agent"))
		}
		writeOK(w, SongMetadata{
			ID:              42,
			DisplayID:       "JM-AAAA-001",
			Title:           "Song",
			DurationSeconds: 180,
			AudioURL:        "https://cdn.example.test/a/42.mp3",
			Gain:            &gain,
		})
	})

	song, err := client.GetSongMetadata(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetSongMetadata failed: %v", err)
	}
	if song.ID != 42 || song.DisplayID != "JM-AAAA-001" {
		t.Errorf("unexpected song: %+v", song)
	}
	if song.Gain == nil || *song.Gain != -6.5 {
		t.Errorf("gain = %v", song.Gain)
	}
}

func TestGetSongMetadataByDisplayID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathSongByJMID || r.URL.Query().Get("id") != "JM-BBBB-002" {
			t.Errorf("unexpected request %s", r.URL)
		}
		writeOK(w, SongMetadata{ID: 7, DisplayID: "JM-BBBB-002"})
	})

	song, err := client.GetSongMetadataByDisplayID(context.Background(), "JM-BBBB-002")
	if err != nil {
		t.Fatalf("GetSongMetadataByDisplayID failed: %v", err)
	}
	if song.ID != 7 {
		t.Errorf("ID = %d, want 7", song.ID)
	}

	if _, err := client.GetSongMetadataByDisplayID(context.Background(), ""); apperrors.GetErrorType(err) != apperrors.ErrTypeValidation {
		t.Errorf("empty display id: got %v", err)
	}
}

func TestBusinessErrorNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":   false,
			"data": map[string]string{"code": "song_not_found", "msg": "song does not exist"},
		})
	})

	_, err := client.GetSongMetadata(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperrors.IsFetchError(err) {
		t.Errorf("expected fetch error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestServerErrorRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeOK(w, SongMetadata{ID: 3})
	})

	song, err := client.GetSongMetadata(context.Background(), 3)
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if song.ID != 3 || atomic.LoadInt32(&calls) != 2 {
		t.Errorf("song %d after %d calls", song.ID, calls)
	}
}

func TestNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetPublicProfile(context.Background(), 9)
	if !apperrors.IsNotFoundError(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestTouchPlayHistory(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody songIDReq
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeOK(w, nil)
	})

	if err := client.TouchPlayHistory(context.Background(), 11); err != nil {
		t.Fatalf("anonymous touch failed: %v", err)
	}
	if gotPath != pathTouchAnonymous || gotAuth != "" || gotBody.SongID != 11 {
		t.Errorf("anonymous touch sent %s auth=%q body=%+v", gotPath, gotAuth, gotBody)
	}

	client.SetAccessToken("secret")
	if !client.IsAuthenticated() {
		t.Fatal("client should be authenticated")
	}
	if err := client.TouchPlayHistory(context.Background(), 12); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if gotPath != pathTouch || gotAuth != "Bearer secret" {
		t.Errorf("touch sent %s auth=%q", gotPath, gotAuth)
	}
}

func TestGetPublicProfile(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, PublicUserProfile{UID: 5, Username: "uploader"})
	})

	profile, err := client.GetPublicProfile(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetPublicProfile failed: %v", err)
	}
	if profile.Username != "uploader" {
		t.Errorf("Username = %s", profile.Username)
	}
}

func TestSongMetadataEqual(t *testing.T) {
	a := &SongMetadata{ID: 1, Title: "x", AudioURL: "u1", CoverURL: "c1"}
	b := &SongMetadata{ID: 1, Title: "x", AudioURL: "u1", CoverURL: "c1"}
	c := &SongMetadata{ID: 1, Title: "y", AudioURL: "u1", CoverURL: "c1"}
	d := &SongMetadata{ID: 1, Title: "x", AudioURL: "u2", CoverURL: "c1"}

	if !a.Equal(b) {
		t.Error("identical metadata should be equal")
	}
	if a.Equal(c) {
		t.Error("different titles should not be equal")
	}
	if !a.SameMedia(c) {
		t.Error("same urls should be same media")
	}
	if a.SameMedia(d) {
		t.Error("different audio urls should not be same media")
	}

	explicit := true
	if !(&SongMetadata{Explicit: &explicit}).IsExplicit() || a.IsExplicit() {
		t.Error("IsExplicit mismatch")
	}
}
