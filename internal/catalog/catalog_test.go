package catalog

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is a minimal Store that can be told to fail writes
type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	writes  int
	failSet error
	failGet error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	return m.data[key], nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	m.writes++
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) raw(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data[key]...)
}

var base = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func rec(id, name string, minutes int) Recording {
	return Recording{
		ID:        id,
		Name:      name,
		URI:       "/tmp/" + id + ".flac",
		Duration:  minutes * 7,
		CreatedAt: base.Add(time.Duration(minutes) * time.Minute),
	}
}

func TestAppendThenListRoundTrip(t *testing.T) {
	store := newMemStore()
	c := New(store, "")

	m := rec("a1", "Morning idea", 1)
	if err := c.Append(context.Background(), m); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	list := c.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 recording, got %d", len(list))
	}
	if list[0] != m {
		t.Errorf("round trip mismatch: got %+v, want %+v", list[0], m)
	}

	// A fresh catalog loaded from the same store sees the same entry
	reloaded, err := Load(context.Background(), store, DefaultKey)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got, ok := reloaded.Get("a1")
	if !ok {
		t.Fatal("reloaded catalog is missing a1")
	}
	if got.ID != m.ID || got.Name != m.Name || got.URI != m.URI || got.Duration != m.Duration || !got.CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("reloaded entry mismatch: got %+v, want %+v", got, m)
	}
}

func TestAppendDuplicateID(t *testing.T) {
	store := newMemStore()
	c := New(store, "")
	ctx := context.Background()

	if err := c.Append(ctx, rec("dup", "first", 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	err := c.Append(ctx, rec("dup", "second", 2))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 recording after rejected duplicate, got %d", c.Len())
	}
	if store.writes != 1 {
		t.Errorf("expected a single write, got %d", store.writes)
	}
}

func TestAppendRollsBackOnWriteFailure(t *testing.T) {
	store := newMemStore()
	c := New(store, "")
	ctx := context.Background()

	if err := c.Append(ctx, rec("keep", "kept", 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	before := store.raw(DefaultKey)

	store.failSet = errors.New("disk full")
	err := c.Append(ctx, rec("lost", "lost", 2))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected cause in error, got %v", err)
	}

	if _, ok := c.Get("lost"); ok {
		t.Error("failed append is visible in memory")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 recording after rollback, got %d", c.Len())
	}
	if !bytes.Equal(before, store.raw(DefaultKey)) {
		t.Error("store content changed after failed append")
	}
}

func TestRemove(t *testing.T) {
	store := newMemStore()
	c := New(store, "")
	ctx := context.Background()

	for _, r := range []Recording{rec("a", "A", 1), rec("b", "B", 2)} {
		if err := c.Append(ctx, r); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if err := c.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok := c.Get("a"); ok {
		t.Error("a still present after Remove")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 recording, got %d", c.Len())
	}
}

func TestRemoveAbsentIsNoOp(t *testing.T) {
	store := newMemStore()
	c := New(store, "")
	ctx := context.Background()

	if err := c.Append(ctx, rec("a", "A", 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	before := store.raw(DefaultKey)
	writes := store.writes

	if err := c.Remove(ctx, "missing"); err != nil {
		t.Fatalf("Remove() of absent id returned error: %v", err)
	}
	if !bytes.Equal(before, store.raw(DefaultKey)) {
		t.Error("store content changed after removing absent id")
	}
	if store.writes != writes {
		t.Errorf("expected no write, got %d extra", store.writes-writes)
	}
}

func TestRemoveRollsBackOnWriteFailure(t *testing.T) {
	store := newMemStore()
	c := New(store, "")
	ctx := context.Background()

	if err := c.Append(ctx, rec("a", "A", 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	store.failSet = errors.New("read-only filesystem")
	if err := c.Remove(ctx, "a"); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("entry disappeared despite failed remove")
	}
}

func TestListNewestFirst(t *testing.T) {
	c := New(newMemStore(), "")
	ctx := context.Background()

	for _, r := range []Recording{rec("mid", "mid", 5), rec("old", "old", 1), rec("new", "new", 9)} {
		if err := c.Append(ctx, r); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	list := c.List()
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, list[i].ID, id)
		}
	}

	// Mutating the snapshot must not leak into the catalog
	list[0].Name = "changed"
	if got, _ := c.Get("new"); got.Name != "new" {
		t.Errorf("List snapshot aliases catalog state, name = %q", got.Name)
	}
}

func TestSearch(t *testing.T) {
	c := New(newMemStore(), "")
	ctx := context.Background()

	if err := c.Append(ctx, rec("1", "Meeting Notes", 1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Append(ctx, rec("2", "Groceries", 2)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"meet", []string{"Meeting Notes"}},
		{"MEET", []string{"Meeting Notes"}},
		{"", []string{"Groceries", "Meeting Notes"}},
		{"e", []string{"Groceries", "Meeting Notes"}},
		{"zzz", nil},
	}

	for _, tt := range tests {
		got := c.Search(tt.query)
		if len(got) != len(tt.want) {
			t.Errorf("Search(%q): got %d results, want %d", tt.query, len(got), len(tt.want))
			continue
		}
		for i := range tt.want {
			if got[i].Name != tt.want[i] {
				t.Errorf("Search(%q)[%d] = %q, want %q", tt.query, i, got[i].Name, tt.want[i])
			}
		}
	}
}

func TestRename(t *testing.T) {
	store := newMemStore()
	c := New(store, "")
	ctx := context.Background()

	if err := c.Append(ctx, rec("a", "old name", 1)); err != nil {
		t.Fatal(err)
	}

	if err := c.Rename(ctx, "a", "  Team Sync  "); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if got, _ := c.Get("a"); got.Name != "Team Sync" {
		t.Errorf("expected trimmed new name, got %q", got.Name)
	}
	if !strings.Contains(string(store.raw(DefaultKey)), "Team Sync") {
		t.Error("rename was not persisted")
	}

	if err := c.Rename(ctx, "a", "   "); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
	if err := c.Rename(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		c, err := Load(ctx, newMemStore(), "")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if c.Len() != 0 {
			t.Errorf("expected empty catalog, got %d", c.Len())
		}
	})

	t.Run("corrupt payload", func(t *testing.T) {
		store := newMemStore()
		store.data[DefaultKey] = []byte("{not json")
		if _, err := Load(ctx, store, ""); !errors.Is(err, ErrPersistence) {
			t.Errorf("expected ErrPersistence, got %v", err)
		}
	})

	t.Run("duplicate ids on disk", func(t *testing.T) {
		store := newMemStore()
		store.data[DefaultKey] = []byte(`[{"id":"x","name":"a"},{"id":"x","name":"b"}]`)
		_, err := Load(ctx, store, "")
		if !errors.Is(err, ErrPersistence) || !errors.Is(err, ErrDuplicateID) {
			t.Errorf("expected ErrPersistence wrapping ErrDuplicateID, got %v", err)
		}
	})

	t.Run("read failure", func(t *testing.T) {
		store := newMemStore()
		store.failGet = errors.New("connection refused")
		if _, err := Load(ctx, store, ""); !errors.Is(err, ErrPersistence) {
			t.Errorf("expected ErrPersistence, got %v", err)
		}
	})

	t.Run("persisted layout", func(t *testing.T) {
		store := newMemStore()
		c := New(store, "custom")
		if err := c.Append(ctx, rec("a", "A", 1)); err != nil {
			t.Fatal(err)
		}
		raw := string(store.raw("custom"))
		for _, field := range []string{`"id":"a"`, `"name":"A"`, `"uri":`, `"duration":7`, `"createdAt":"2025-03-14T09:01:00Z"`} {
			if !strings.Contains(raw, field) {
				t.Errorf("persisted JSON %s missing %s", raw, field)
			}
		}
	})
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	store := newMemStore()
	c := New(store, "")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := c.Append(ctx, rec(id, id, i)); err != nil {
				t.Errorf("Append(%s) error = %v", id, err)
			}
			if i%2 == 0 {
				if err := c.Remove(ctx, id); err != nil {
					t.Errorf("Remove(%s) error = %v", id, err)
				}
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 10 {
		t.Errorf("expected 10 recordings, got %d", c.Len())
	}

	reloaded, err := Load(ctx, store, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if reloaded.Len() != c.Len() {
		t.Errorf("persisted state has %d recordings, memory has %d", reloaded.Len(), c.Len())
	}
}
