package queue

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/samber/lo"

	"github.com/hachimi/hachimi-core/internal/store"
)

func items(ids ...uint64) []Item {
	return lo.Map(ids, func(id uint64, _ int) Item {
		return Item{ID: id, DisplayID: "JM-" + string(rune('A'+id)), Name: "song"}
	})
}

func ids(items []Item) []uint64 {
	return lo.Map(items, func(it Item, _ int) uint64 { return it.ID })
}

func newTestManager() *Manager {
	return NewManager(rand.New(rand.NewPCG(1, 2)))
}

func assertPermutation(t *testing.T, m *Manager) {
	t.Helper()
	got := ids(m.Shuffled())
	want := ids(m.Items())
	if len(got) != len(want) {
		t.Fatalf("shuffled has %d items, items has %d", len(got), len(want))
	}
	for _, id := range want {
		if !lo.Contains(got, id) {
			t.Fatalf("shuffled %v is not a permutation of %v", got, want)
		}
	}
	if idx := m.ShuffleIndex(); idx < -1 || idx > len(got)-1 {
		t.Fatalf("shuffleIndex %d out of range", idx)
	}
}

func TestNextRingInvariant(t *testing.T) {
	for n := 1; n <= 5; n++ {
		m := newTestManager()
		queue := items(lo.RangeFrom[uint64](1, n)...)
		m.Replace(queue)

		for start := 0; start < n; start++ {
			current := queue[start].ID
			seen := map[uint64]int{}
			for i := 0; i < n; i++ {
				next, ok := m.Next(current)
				if !ok {
					t.Fatal("Next returned nothing")
				}
				seen[next.ID]++
				current = next.ID
			}
			if current != queue[start].ID {
				t.Errorf("n=%d start=%d: ended at %d", n, start, current)
			}
			for _, it := range queue {
				if seen[it.ID] != 1 {
					t.Errorf("n=%d: item %d visited %d times", n, it.ID, seen[it.ID])
				}
			}
		}
	}
}

func TestEndToEndAppendAndNext(t *testing.T) {
	m := newTestManager()
	a := Item{ID: 1, Name: "A"}
	b := Item{ID: 2, Name: "B"}

	if !m.Insert(a, true, 0) || !m.Insert(b, true, 0) {
		t.Fatal("Insert should add new items")
	}

	first, _ := m.Next(0)
	second, _ := m.Next(first.ID)
	third, _ := m.Next(second.ID)

	if first.ID != 1 || second.ID != 2 || third.ID != 1 {
		t.Errorf("walk = %d, %d, %d; want 1, 2, 1", first.ID, second.ID, third.ID)
	}
}

func TestPrevious(t *testing.T) {
	m := newTestManager()
	m.Replace(items(1, 2, 3))

	tests := []struct {
		current uint64
		want    uint64
	}{
		{0, 1},
		{99, 1},
		{1, 3},
		{2, 1},
		{3, 2},
	}
	for _, tt := range tests {
		got, ok := m.Previous(tt.current)
		if !ok || got.ID != tt.want {
			t.Errorf("Previous(%d) = %d, want %d", tt.current, got.ID, tt.want)
		}
	}
}

func TestEmptyQueueNavigation(t *testing.T) {
	m := newTestManager()
	if _, ok := m.Next(0); ok {
		t.Error("Next on empty queue should report nothing")
	}
	if _, ok := m.Previous(0); ok {
		t.Error("Previous on empty queue should report nothing")
	}
	if _, ok := m.ShuffleNext(); ok {
		t.Error("ShuffleNext on empty queue should report nothing")
	}
	if _, ok := m.ShufflePrevious(); ok {
		t.Error("ShufflePrevious on empty queue should report nothing")
	}
}

func TestInsertDuplicateIsNoop(t *testing.T) {
	m := newTestManager()
	m.Replace(items(1, 2))

	if m.Insert(Item{ID: 2}, true, 1) {
		t.Error("duplicate insert should report false")
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
}

func TestInsertPlayNext(t *testing.T) {
	m := newTestManager()
	m.Replace(items(1, 2, 3))
	m.ShuffleNext()
	cursor := m.ShuffleIndex()

	m.Insert(Item{ID: 9}, false, 2)

	if !equal(ids(m.Items()), []uint64{1, 2, 9, 3}) {
		t.Errorf("items = %v, want [1 2 9 3]", ids(m.Items()))
	}
	if got := m.Shuffled()[cursor+1].ID; got != 9 {
		t.Errorf("shuffled[cursor+1] = %d, want 9", got)
	}
	assertPermutation(t, m)
}

func TestInsertPlayNextWithNothingPlaying(t *testing.T) {
	m := newTestManager()
	m.Replace(items(1, 2))

	m.Insert(Item{ID: 9}, false, 0)

	if !equal(ids(m.Items()), []uint64{9, 1, 2}) {
		t.Errorf("items = %v, want [9 1 2]", ids(m.Items()))
	}
	if m.Shuffled()[0].ID != 9 {
		t.Errorf("shuffled[0] = %d, want 9", m.Shuffled()[0].ID)
	}
}

func TestInsertAppendLandsAfterCursor(t *testing.T) {
	for seed := uint64(0); seed < 50; seed++ {
		m := NewManager(rand.New(rand.NewPCG(seed, seed+1)))
		m.Replace(items(1, 2, 3, 4, 5))
		m.ShuffleNext()
		m.ShuffleNext()
		cursor := m.ShuffleIndex()
		atCursor := m.Shuffled()[cursor].ID

		m.Insert(Item{ID: 100}, true, 0)

		shuffled := m.Shuffled()
		pos := lo.IndexOf(ids(shuffled), 100)
		if pos <= cursor {
			t.Fatalf("seed %d: appended at %d, cursor at %d", seed, pos, cursor)
		}
		if shuffled[m.ShuffleIndex()].ID != atCursor {
			t.Fatalf("seed %d: cursor moved off its element", seed)
		}
		if ids(m.Items())[5] != 100 {
			t.Fatalf("seed %d: append should go to the tail of items", seed)
		}
		assertPermutation(t, m)
	}
}

func TestRemove(t *testing.T) {
	m := newTestManager()
	m.Replace(items(1, 2, 3))

	res := m.Remove(2, 1)
	if !res.Removed || res.WasCurrent || res.Next != nil {
		t.Errorf("unexpected result %+v", res)
	}
	if !equal(ids(m.Items()), []uint64{1, 3}) {
		t.Errorf("items = %v", ids(m.Items()))
	}
	assertPermutation(t, m)

	if res := m.Remove(42, 1); res.Removed {
		t.Error("removing an unknown id should report false")
	}
}

func TestRemoveCurrentAdvances(t *testing.T) {
	m := newTestManager()
	m.Replace(items(1, 2, 3))

	res := m.Remove(3, 3)
	if !res.WasCurrent || res.Next == nil || res.Next.ID != 1 {
		t.Errorf("removing the last current item should wrap to 1, got %+v", res)
	}

	m.Replace(items(7))
	res = m.Remove(7, 7)
	if !res.WasCurrent || !res.Empty || res.Next != nil {
		t.Errorf("removing the only item should report empty, got %+v", res)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d", m.Len())
	}
	assertPermutation(t, m)
}

func TestRemoveKeepsShuffleCursor(t *testing.T) {
	m := newTestManager()
	m.Replace(items(1, 2, 3, 4, 5))
	m.ShuffleNext()
	m.ShuffleNext()
	m.ShuffleNext()

	shuffled := m.Shuffled()
	cursor := m.ShuffleIndex()
	atCursor := shuffled[cursor].ID
	before := shuffled[0].ID

	m.Remove(before, 0)
	if got := m.Shuffled()[m.ShuffleIndex()].ID; got != atCursor {
		t.Errorf("cursor on %d, want %d", got, atCursor)
	}

	// removing the cursor element itself makes the successor come next
	successor := m.Shuffled()[m.ShuffleIndex()+1].ID
	m.Remove(atCursor, 0)
	next, _ := m.ShuffleNext()
	if next.ID != successor {
		t.Errorf("ShuffleNext = %d, want %d", next.ID, successor)
	}
	assertPermutation(t, m)
}

func TestShuffleRingWalk(t *testing.T) {
	m := newTestManager()
	m.Replace(items(1, 2, 3, 4))
	order := ids(m.Shuffled())

	for round := 0; round < 2; round++ {
		for i := 0; i < len(order); i++ {
			got, _ := m.ShuffleNext()
			if got.ID != order[i] {
				t.Fatalf("round %d step %d = %d, want %d", round, i, got.ID, order[i])
			}
		}
	}

	prev, _ := m.ShufflePrevious()
	if prev.ID != order[len(order)-2] {
		t.Errorf("ShufflePrevious = %d, want %d", prev.ID, order[len(order)-2])
	}

	fresh := newTestManager()
	fresh.Replace(items(1, 2, 3))
	last, _ := fresh.ShufflePrevious()
	if last.ID != fresh.Shuffled()[2].ID {
		t.Errorf("ShufflePrevious from no cursor should wrap to the last item")
	}
}

func TestReplaceResetsShuffle(t *testing.T) {
	m := newTestManager()
	m.Replace(items(1, 2, 3))
	m.ShuffleNext()

	m.Replace(items(4, 5, 6, 7))
	if m.ShuffleIndex() != -1 {
		t.Errorf("ShuffleIndex = %d, want -1", m.ShuffleIndex())
	}
	assertPermutation(t, m)

	m.Clear()
	if m.Len() != 0 || len(m.Shuffled()) != 0 {
		t.Error("Clear should empty both orders")
	}
}

func TestFind(t *testing.T) {
	m := newTestManager()
	m.Replace(items(1, 2))
	if it, ok := m.Find(2); !ok || it.ID != 2 {
		t.Errorf("Find(2) = %+v, %v", it, ok)
	}
	if _, ok := m.Find(0); ok {
		t.Error("Find(0) should miss")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := store.InitDB(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}
	defer db.Close()

	persister := NewPersister(store.NewKVStore(db))

	explicit := true
	original := items(5, 3, 9, 1)
	original[2].Explicit = &explicit

	m := newTestManager()
	m.Replace(original)
	playing := uint64(9)
	if err := persister.Save(ctx, PersistedState{PlayingSongID: &playing, Queue: m.Items()}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	state, ok, err := persister.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}

	restored := NewManager(rand.New(rand.NewPCG(7, 7)))
	restored.Replace(state.Queue)

	if !equal(ids(restored.Items()), ids(original)) {
		t.Errorf("restored = %v, want %v", ids(restored.Items()), ids(original))
	}
	if state.PlayingSongID == nil || *state.PlayingSongID != 9 {
		t.Errorf("PlayingSongID = %v", state.PlayingSongID)
	}
	if !restored.Items()[2].IsExplicit() {
		t.Error("explicit flag lost")
	}
}

func TestPersisterEmptyAndVolume(t *testing.T) {
	ctx := context.Background()
	db, err := store.InitDB(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	kv := store.NewKVStore(db)
	persister := NewPersister(kv)

	if _, ok, err := persister.Load(ctx); ok || err != nil {
		t.Errorf("Load on empty store = %v, %v", ok, err)
	}

	if err := persister.Save(ctx, PersistedState{}); err != nil {
		t.Fatal(err)
	}
	raw, _, _ := kv.Get(ctx, StateKey)
	if string(raw) != `{"playingSongId":null,"queue":[]}` {
		t.Errorf("record = %s", raw)
	}

	if v, err := persister.LoadVolume(ctx); err != nil || v != 1 {
		t.Errorf("default volume = %v, %v", v, err)
	}
	if err := persister.SaveVolume(ctx, 0.35); err != nil {
		t.Fatal(err)
	}
	if v, _ := persister.LoadVolume(ctx); v != 0.35 {
		t.Errorf("volume = %v, want 0.35", v)
	}

	if err := kv.Set(ctx, StateKey, []byte("{broken")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := persister.Load(ctx); err == nil {
		t.Error("expected an error for a corrupt record")
	}
}

func equal(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
