package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultKey is the store key the catalog is persisted under
const DefaultKey = "recordings"

var (
	ErrDuplicateID = errors.New("duplicate recording id")
	ErrNotFound    = errors.New("recording not found")
	ErrPersistence = errors.New("catalog persistence failed")
	ErrInvalidName = errors.New("recording name cannot be empty")
)

// Recording is the metadata of one finalized audio note
type Recording struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	URI       string    `json:"uri" yaml:"uri"`
	Duration  int       `json:"duration" yaml:"duration"` // whole seconds
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// Store is the durable key/value backend the catalog persists to.
// Get returns nil data and a nil error when the key has never been written.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Catalog is the durable, id-keyed collection of recordings.
//
// Mutations are serialized by writeMu and persist the whole collection before
// the in-memory view is swapped, so a failed write leaves readers on the
// previous state.
type Catalog struct {
	store Store
	key   string

	writeMu sync.Mutex

	mu      sync.RWMutex
	entries []Recording
}

// New creates an empty catalog persisted under key
func New(store Store, key string) *Catalog {
	if key == "" {
		key = DefaultKey
	}
	return &Catalog{
		store:   store,
		key:     key,
		entries: []Recording{},
	}
}

// Load creates a catalog populated from whatever is stored under key.
// A key that was never written yields an empty catalog.
func Load(ctx context.Context, store Store, key string) (*Catalog, error) {
	c := New(store, key)

	data, err := store.Get(ctx, c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q: %w", ErrPersistence, c.key, err)
	}
	if len(data) == 0 {
		slog.Debug("Catalog key empty, starting fresh", "key", c.key)
		return c, nil
	}

	var entries []Recording
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: decoding %q: %w", ErrPersistence, c.key, err)
	}

	seen := make(map[string]bool, len(entries))
	for _, rec := range entries {
		if seen[rec.ID] {
			return nil, fmt.Errorf("%w: %q holds %w %s", ErrPersistence, c.key, ErrDuplicateID, rec.ID)
		}
		seen[rec.ID] = true
	}

	if entries == nil {
		entries = []Recording{}
	}
	c.entries = entries
	slog.Debug("Catalog loaded", "key", c.key, "count", len(entries))
	return c, nil
}

// Append adds rec and persists the collection
func (c *Catalog) Append(ctx context.Context, rec Recording) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current := c.snapshot()
	for _, existing := range current {
		if existing.ID == rec.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
		}
	}

	next := append(current, rec)
	if err := c.commit(ctx, next); err != nil {
		return err
	}

	slog.Debug("Catalog entry appended", "id", rec.ID, "name", rec.Name)
	return nil
}

// Remove deletes the entry with id. Removing an absent id is a no-op and
// does not touch the store.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current := c.snapshot()
	next := make([]Recording, 0, len(current))
	for _, rec := range current {
		if rec.ID != id {
			next = append(next, rec)
		}
	}
	if len(next) == len(current) {
		return nil
	}

	if err := c.commit(ctx, next); err != nil {
		return err
	}

	slog.Debug("Catalog entry removed", "id", id)
	return nil
}

// Rename changes the display name of id and persists the collection
func (c *Catalog) Rename(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	next := c.snapshot()
	found := false
	for i := range next {
		if next[i].ID == id {
			next[i].Name = name
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return c.commit(ctx, next)
}

// Get looks up a recording by id
func (c *Catalog) Get(id string) (Recording, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, rec := range c.entries {
		if rec.ID == id {
			return rec, true
		}
	}
	return Recording{}, false
}

// List returns all recordings, newest first
func (c *Catalog) List() []Recording {
	list := c.snapshot()
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

// Search returns the entries of List whose name contains query, ignoring case
func (c *Catalog) Search(query string) []Recording {
	list := c.List()
	if query == "" {
		return list
	}

	needle := strings.ToLower(query)
	matches := make([]Recording, 0, len(list))
	for _, rec := range list {
		if strings.Contains(strings.ToLower(rec.Name), needle) {
			matches = append(matches, rec)
		}
	}
	return matches
}

// Len returns the number of recordings
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// snapshot copies the entries in persisted order
func (c *Catalog) snapshot() []Recording {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Recording, len(c.entries))
	copy(out, c.entries)
	return out
}

// commit persists next and, only on success, makes it the visible state.
// Caller must hold writeMu.
func (c *Catalog) commit(ctx context.Context, next []Recording) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("%w: encoding: %w", ErrPersistence, err)
	}

	if err := c.store.Set(ctx, c.key, data); err != nil {
		slog.Error("Catalog write failed, keeping previous state", "key", c.key, "error", err)
		return fmt.Errorf("%w: writing %q: %w", ErrPersistence, c.key, err)
	}

	c.mu.Lock()
	c.entries = next
	c.mu.Unlock()
	return nil
}
