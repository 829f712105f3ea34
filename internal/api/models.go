package api

import (
	"bytes"
	"encoding/json"
	"time"
)

// SongMetadata describes a song as served by the remote source
type SongMetadata struct {
	ID              uint64    `json:"id"`
	DisplayID       string    `json:"displayId"`
	Title           string    `json:"title"`
	Subtitle        string    `json:"subtitle"`
	Description     string    `json:"description"`
	DurationSeconds int       `json:"durationSeconds"`
	UploaderUID     uint64    `json:"uploaderUid"`
	UploaderName    string    `json:"uploaderName"`
	AudioURL        string    `json:"audioUrl"`
	CoverURL        string    `json:"coverUrl"`
	Gain            *float32  `json:"gain,omitempty"`
	Explicit        *bool     `json:"explicit,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	PlayCount       int64     `json:"playCount"`
	CreateTime      time.Time `json:"createTime"`
}

// Equal reports whether two metadata records carry the same content
func (m *SongMetadata) Equal(other *SongMetadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	a, errA := json.Marshal(m)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// SameMedia reports whether both records point at the same audio and cover
func (m *SongMetadata) SameMedia(other *SongMetadata) bool {
	return m.AudioURL == other.AudioURL && m.CoverURL == other.CoverURL
}

// IsExplicit treats an unknown rating as not explicit
func (m *SongMetadata) IsExplicit() bool {
	return m.Explicit != nil && *m.Explicit
}

// PublicUserProfile is the public part of an uploader's profile
type PublicUserProfile struct {
	UID       uint64 `json:"uid"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Bio       string `json:"bio,omitempty"`
}

// response is the envelope every endpoint answers with
type response struct {
	OK   bool            `json:"ok"`
	Data json.RawMessage `json:"data"`
}

// errorData is the payload of a response with ok=false
type errorData struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type songIDReq struct {
	SongID uint64 `json:"songId"`
}
