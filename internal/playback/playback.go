// Package playback owns the single active playback resource.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/voicenotes/internal/catalog"
)

var (
	ErrNotFound       = errors.New("recording not found")
	ErrLoad           = errors.New("failed to load recording")
	ErrNothingPlaying = errors.New("nothing is playing")
	ErrNothingLoaded  = errors.New("nothing is loaded")
)

// State of the controller
type State string

const (
	StateIdle    State = "IDLE"
	StatePlaying State = "PLAYING"
	StatePaused  State = "PAUSED"
)

// Handle is an opaque playback resource
type Handle = any

// Device is the output side of the audio stack
type Device interface {
	Load(ctx context.Context, uri string) (Handle, error)
	Play(h Handle) error
	Pause(h Handle) error
	// Position returns the current offset in seconds
	Position(h Handle) (float64, error)
	SetPosition(h Handle, seconds float64) error
	// OnComplete registers fn to run once when h reaches end of stream.
	// fn must be called from the device's own goroutine, never from inside
	// another Device method, and not after Release or Pause of h.
	OnComplete(h Handle, fn func())
	Release(h Handle) error
}

// DurationReporter is implemented by devices that know the length of a
// loaded resource in seconds
type DurationReporter interface {
	Duration(h Handle) (float64, error)
}

// Resolver finds recordings by id
type Resolver interface {
	Get(id string) (catalog.Recording, bool)
}

// EventType names a playback event
type EventType string

const EventCompleted EventType = "completed"

// Event is delivered to subscribers
type Event struct {
	Type EventType `json:"type"`
	ID   string    `json:"id"`
}

// Status is a point-in-time view of the controller
type Status struct {
	State    State   `json:"state"`
	ID       string  `json:"id,omitempty"`
	Position float64 `json:"position"`
}

// Controller serializes playback commands and holds at most one handle
type Controller struct {
	device   Device
	resolver Resolver

	mu       sync.Mutex
	state    State
	id       string
	handle   Handle
	duration float64
	gen      uint64

	listenersMu sync.Mutex
	listeners   map[int]func(Event)
	nextID      int
}

// New returns an idle controller that plays recordings found by resolver
// on device
func New(device Device, resolver Resolver) *Controller {
	return &Controller{
		device:    device,
		resolver:  resolver,
		state:     StateIdle,
		listeners: make(map[int]func(Event)),
	}
}

// Play starts id from the beginning, or resumes it when it is the paused
// recording.
func (c *Controller) Play(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil && c.id == id && c.state == StatePaused {
		if err := c.device.Play(c.handle); err != nil {
			c.releaseLocked()
			return fmt.Errorf("%w: resuming %s: %w", ErrLoad, id, err)
		}
		c.state = StatePlaying
		slog.Debug("Playback resumed", "id", id)
		return nil
	}

	c.releaseLocked()

	rec, ok := c.resolver.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	h, err := c.device.Load(ctx, rec.URI)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLoad, rec.URI, err)
	}

	c.gen++
	gen := c.gen
	c.handle = h
	c.id = id
	c.duration = c.lengthOf(h, rec)
	c.device.OnComplete(h, func() { c.complete(gen) })

	if err := c.device.Play(h); err != nil {
		c.releaseLocked()
		return fmt.Errorf("%w: %s: %w", ErrLoad, rec.URI, err)
	}
	c.state = StatePlaying

	slog.Debug("Playback started", "id", id, "uri", rec.URI)
	return nil
}

// lengthOf is the seek limit for h: the device's measured length when it
// reports one, never less than the catalog duration
func (c *Controller) lengthOf(h Handle, rec catalog.Recording) float64 {
	length := float64(rec.Duration)
	dr, ok := c.device.(DurationReporter)
	if !ok {
		return length
	}
	d, err := dr.Duration(h)
	if err != nil {
		slog.Debug("Device length unavailable", "id", rec.ID, "error", err)
		return length
	}
	return max(length, d)
}

// Pause holds the current position. Pausing while paused does nothing.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle:
		return ErrNothingPlaying
	case StatePaused:
		return nil
	}

	if err := c.device.Pause(c.handle); err != nil {
		return fmt.Errorf("failed to pause %s: %w", c.id, err)
	}
	c.state = StatePaused
	slog.Debug("Playback paused", "id", c.id)
	return nil
}

// Seek moves the position by delta seconds, clamped to the recording, and
// returns the new position.
func (c *Controller) Seek(ctx context.Context, delta float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil {
		return 0, ErrNothingLoaded
	}

	pos, err := c.device.Position(c.handle)
	if err != nil {
		return 0, fmt.Errorf("failed to read position: %w", err)
	}

	target := pos + delta
	if target < 0 {
		target = 0
	}
	if target > c.duration {
		target = c.duration
	}

	if err := c.device.SetPosition(c.handle, target); err != nil {
		return pos, fmt.Errorf("failed to seek to %.1fs: %w", target, err)
	}
	slog.Debug("Playback seek", "id", c.id, "from", pos, "to", target)
	return target, nil
}

// Teardown releases whatever is held. Safe to call in any state.
func (c *Controller) Teardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseLocked()
}

// Status returns the current state, bound id and position
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state, ID: c.id}
	if c.handle != nil {
		if pos, err := c.device.Position(c.handle); err == nil {
			st.Position = pos
		}
	}
	return st
}

// Subscribe registers fn for playback events and returns its unsubscribe func
func (c *Controller) Subscribe(fn func(Event)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

// complete handles end of stream for generation gen
func (c *Controller) complete(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.handle == nil {
		c.mu.Unlock()
		slog.Debug("Ignoring stale completion", "generation", gen)
		return
	}
	id := c.id
	c.releaseLocked()
	c.mu.Unlock()

	slog.Debug("Playback completed", "id", id)
	c.notify(Event{Type: EventCompleted, ID: id})
}

func (c *Controller) notify(ev Event) {
	c.listenersMu.Lock()
	fns := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// releaseLocked drops the held handle and returns to idle. Caller holds mu.
func (c *Controller) releaseLocked() error {
	if c.handle == nil {
		c.state = StateIdle
		c.id = ""
		return nil
	}

	h, id := c.handle, c.id
	c.handle = nil
	c.id = ""
	c.duration = 0
	c.state = StateIdle

	if err := c.device.Release(h); err != nil {
		slog.Warn("Failed to release playback handle", "id", id, "error", err)
		return fmt.Errorf("failed to release %s: %w", id, err)
	}
	return nil
}
