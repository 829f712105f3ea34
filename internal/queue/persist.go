package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	apperrors "github.com/hachimi/hachimi-core/internal/errors"
	"github.com/hachimi/hachimi-core/internal/store"
)

const (
	// StateKey holds the persisted queue and playing song
	StateKey = "player_music_queue"
	// VolumeKey holds the user volume
	VolumeKey = "player_volume"
)

// PersistedState is the record written to the durable store. Only the
// canonical order is kept; the shuffle permutation is rebuilt on restore.
type PersistedState struct {
	PlayingSongID *uint64 `json:"playingSongId"`
	Queue         []Item  `json:"queue"`
}

// Persister reads and writes player state. Writes are serialized and the
// last one wins.
type Persister struct {
	kv store.KeyValue
	mu sync.Mutex
}

func NewPersister(kv store.KeyValue) *Persister {
	return &Persister{kv: kv}
}

// Save writes the state record
func (p *Persister) Save(ctx context.Context, state PersistedState) error {
	if state.Queue == nil {
		state.Queue = []Item{}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return apperrors.NewCacheError("failed to encode player state", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.kv.Set(ctx, StateKey, data); err != nil {
		return apperrors.NewCacheError("failed to save player state", err)
	}
	return nil
}

// Load reads the state record. ok is false when nothing was saved yet.
func (p *Persister) Load(ctx context.Context) (*PersistedState, bool, error) {
	data, ok, err := p.kv.Get(ctx, StateKey)
	if err != nil {
		return nil, false, apperrors.NewCacheError("failed to load player state", err)
	}
	if !ok {
		return nil, false, nil
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, apperrors.NewCacheError("corrupt player state", err)
	}
	return &state, true, nil
}

func (p *Persister) SaveVolume(ctx context.Context, volume float32) error {
	value := strconv.FormatFloat(float64(volume), 'f', -1, 32)
	if err := p.kv.Set(ctx, VolumeKey, []byte(value)); err != nil {
		return apperrors.NewCacheError("failed to save volume", err)
	}
	return nil
}

// LoadVolume returns the saved volume, or 1 when none was saved
func (p *Persister) LoadVolume(ctx context.Context) (float32, error) {
	data, ok, err := p.kv.Get(ctx, VolumeKey)
	if err != nil {
		return 1, apperrors.NewCacheError("failed to load volume", err)
	}
	if !ok {
		return 1, nil
	}
	v, err := strconv.ParseFloat(string(data), 32)
	if err != nil || v < 0 || v > 1 {
		return 1, nil
	}
	return float32(v), nil
}
