// Package queue holds the play queue and its shuffle permutation.
package queue

import (
	"math/rand/v2"
	"sync"

	"github.com/samber/lo"

	"github.com/hachimi/hachimi-core/internal/api"
	"github.com/hachimi/hachimi-core/internal/monitoring"
)

// Item is a queued song. Identity is ID.
type Item struct {
	ID              uint64  `json:"id"`
	DisplayID       string  `json:"displayId"`
	Name            string  `json:"name"`
	Artist          string  `json:"artist"`
	DurationSeconds float64 `json:"durationSeconds"`
	CoverURL        string  `json:"coverUrl"`
	Explicit        *bool   `json:"explicit"`
}

// IsExplicit treats an unknown rating as not explicit
func (i Item) IsExplicit() bool {
	return i.Explicit != nil && *i.Explicit
}

// ItemFromMetadata builds a queue item from remote metadata
func ItemFromMetadata(m *api.SongMetadata) Item {
	return Item{
		ID:              m.ID,
		DisplayID:       m.DisplayID,
		Name:            m.Title,
		Artist:          m.UploaderName,
		DurationSeconds: float64(m.DurationSeconds),
		CoverURL:        m.CoverURL,
		Explicit:        m.Explicit,
	}
}

// Rand is the randomness the manager needs. *rand.Rand satisfies it.
type Rand interface {
	IntN(n int) int
	Perm(n int) []int
}

type globalRand struct{}

func (globalRand) IntN(n int) int    { return rand.IntN(n) }
func (globalRand) Perm(n int) []int { return rand.Perm(n) }

// RemoveResult describes what Remove did
type RemoveResult struct {
	Removed    bool
	WasCurrent bool
	// Next is the item to play when the current item was removed and others remain
	Next *Item
	// Empty is set when the current item was the only one
	Empty bool
}

// Manager is the play queue. items is the canonical order, shuffled a
// permutation of it, and shuffleIndex a cursor into shuffled (-1: none yet).
// All three change under one lock. Current item ids are passed in by the
// caller; 0 means nothing is playing.
type Manager struct {
	mu           sync.Mutex
	items        []Item
	shuffled     []Item
	shuffleIndex int
	rnd          Rand
}

// NewManager creates an empty queue. A nil rnd uses the global source.
func NewManager(rnd Rand) *Manager {
	if rnd == nil {
		rnd = globalRand{}
	}
	return &Manager{shuffleIndex: -1, rnd: rnd}
}

func indexOf(items []Item, id uint64) int {
	if id == 0 {
		return -1
	}
	_, idx, _ := lo.FindIndexOf(items, func(it Item) bool { return it.ID == id })
	return idx
}

func insertAt(items []Item, pos int, item Item) []Item {
	items = append(items, Item{})
	copy(items[pos+1:], items[pos:])
	items[pos] = item
	return items
}

// Insert adds item to the queue. toTail puts it at the tail of the canonical
// order and at a random gap after the shuffle cursor; otherwise it goes right
// after currentID and right after the cursor. Returns false if the item was
// already queued.
func (m *Manager) Insert(item Item, toTail bool, currentID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if indexOf(m.items, item.ID) != -1 {
		return false
	}

	if toTail {
		m.items = insertAt(m.items, len(m.items), item)
		from := m.shuffleIndex + 1
		pos := from + m.rnd.IntN(len(m.shuffled)-from+1)
		m.shuffled = insertAt(m.shuffled, pos, item)
	} else {
		current := indexOf(m.items, currentID)
		m.items = insertAt(m.items, current+1, item)
		m.shuffled = insertAt(m.shuffled, m.shuffleIndex+1, item)
	}

	monitoring.UpdateQueueSize(len(m.items))
	return true
}

// Remove deletes id from both orders. The shuffle cursor stays on the same
// element; if the cursor element itself goes, the cursor steps back so the
// next shuffle step lands on its successor.
func (m *Manager) Remove(id uint64, currentID uint64) RemoveResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := indexOf(m.items, id)
	if target == -1 {
		return RemoveResult{}
	}

	result := RemoveResult{Removed: true, WasCurrent: id == currentID}
	if result.WasCurrent {
		if len(m.items) > 1 {
			next := m.items[(target+1)%len(m.items)]
			result.Next = &next
		} else {
			result.Empty = true
		}
	}

	m.items = append(m.items[:target:target], m.items[target+1:]...)

	if pos := indexOf(m.shuffled, id); pos != -1 {
		m.shuffled = append(m.shuffled[:pos:pos], m.shuffled[pos+1:]...)
		if pos <= m.shuffleIndex {
			m.shuffleIndex--
		}
	}
	if m.shuffleIndex >= len(m.shuffled) {
		m.shuffleIndex = len(m.shuffled) - 1
	}

	monitoring.UpdateQueueSize(len(m.items))
	return result
}

// Replace swaps in a new queue with a fresh shuffle permutation
func (m *Manager) Replace(items []Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = append([]Item(nil), items...)
	m.shuffled = lo.Map(m.rnd.Perm(len(items)), func(i int, _ int) Item { return items[i] })
	m.shuffleIndex = -1

	monitoring.UpdateQueueSize(len(m.items))
}

// Clear empties the queue
func (m *Manager) Clear() {
	m.Replace(nil)
}

// Next walks the canonical order from currentID with wraparound. An unknown
// or zero id starts at the first item.
func (m *Manager) Next(currentID uint64) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return Item{}, false
	}
	idx := indexOf(m.items, currentID)
	switch {
	case idx == -1, idx >= len(m.items)-1:
		return m.items[0], true
	default:
		return m.items[idx+1], true
	}
}

// Previous walks the canonical order backwards from currentID with wraparound
func (m *Manager) Previous(currentID uint64) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return Item{}, false
	}
	idx := indexOf(m.items, currentID)
	switch {
	case idx == -1:
		return m.items[0], true
	case idx == 0:
		return m.items[len(m.items)-1], true
	default:
		return m.items[idx-1], true
	}
}

// ShuffleNext advances the shuffle cursor with wraparound
func (m *Manager) ShuffleNext() (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.shuffled) == 0 {
		return Item{}, false
	}
	if m.shuffleIndex >= len(m.shuffled)-1 {
		m.shuffleIndex = 0
	} else {
		m.shuffleIndex++
	}
	return m.shuffled[m.shuffleIndex], true
}

// ShufflePrevious moves the shuffle cursor back with wraparound
func (m *Manager) ShufflePrevious() (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.shuffled) == 0 {
		return Item{}, false
	}
	if m.shuffleIndex <= 0 {
		m.shuffleIndex = len(m.shuffled) - 1
	} else {
		m.shuffleIndex--
	}
	return m.shuffled[m.shuffleIndex], true
}

// Find returns the queued item with id
func (m *Manager) Find(id uint64) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := indexOf(m.items, id)
	if idx == -1 {
		return Item{}, false
	}
	return m.items[idx], true
}

// Items returns a copy of the canonical order
func (m *Manager) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Item(nil), m.items...)
}

// Shuffled returns a copy of the shuffle permutation
func (m *Manager) Shuffled() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Item(nil), m.shuffled...)
}

func (m *Manager) ShuffleIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuffleIndex
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
