// Package session drives one recording at a time: permission, capture,
// elapsed-time accounting and finalizing into the catalog.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/voicenotes/internal/catalog"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrInvalidState      = errors.New("invalid session state")
	ErrNotRecording      = errors.New("not recording")
	ErrNothingToDiscard  = errors.New("nothing to discard")
	ErrNameRequired      = errors.New("a recording name is required")
)

// DefaultNameLayout formats the timestamp of auto-named recordings
const DefaultNameLayout = "2006-01-02 15:04:05"

// State is the lifecycle state of a Session
type State string

const (
	StateIdle      State = "IDLE"
	StateRecording State = "RECORDING"
	StateStopped   State = "STOPPED"
)

// Handle is an opaque capture resource owned by the session
type Handle = any

// Device is the capture side of the audio stack
type Device interface {
	// RequestPermission reports whether capture is allowed
	RequestPermission(ctx context.Context) (bool, error)
	Open(ctx context.Context) (Handle, error)
	// Finalize ends capture and returns the uri of the stored blob
	Finalize(ctx context.Context, h Handle) (string, error)
	// Release frees the handle and keeps the stored blob
	Release(h Handle) error
	// Discard frees the handle and deletes anything it captured
	Discard(ctx context.Context, h Handle) error
}

// Catalog receives finalized recordings
type Catalog interface {
	Append(ctx context.Context, rec catalog.Recording) error
}

// Ticker delivers the elapsed-time ticks
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the production Ticker factory
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Options tune a Session. Zero values pick production defaults.
type Options struct {
	TickPeriod  time.Duration
	RequireName bool
	NamePrefix  string
	NewTicker   func(time.Duration) Ticker
	Now         func() time.Time
	NewID       func() string
}

// Pending describes a stopped, not yet saved capture
type Pending struct {
	URI      string `json:"uri"`
	Duration int    `json:"duration"`
}

// Status is a point-in-time view of the session
type Status struct {
	State   State    `json:"state"`
	Elapsed int      `json:"elapsed"`
	Pending *Pending `json:"pending,omitempty"`
}

// Session is the recording lifecycle state machine
type Session struct {
	device  Device
	catalog Catalog
	opts    Options

	mu      sync.Mutex
	state   State
	handle  Handle
	pending *Pending

	elapsed atomic.Int64

	tickStop chan struct{}
	tickDone chan struct{}
}

// New creates an idle session
func New(device Device, cat Catalog, opts Options) *Session {
	if opts.TickPeriod <= 0 {
		opts.TickPeriod = time.Second
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewTimeTicker
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = "Recording"
	}
	return &Session{
		device:  device,
		catalog: cat,
		opts:    opts,
		state:   StateIdle,
	}
}

// Start acquires the capture device and begins counting elapsed seconds
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, s.state)
	}

	granted, err := s.device.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if !granted {
		return ErrPermissionDenied
	}

	h, err := s.device.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	s.handle = h
	s.pending = nil
	s.elapsed.Store(0)
	s.startTicker()
	s.state = StateRecording

	slog.Debug("Recording started")
	return nil
}

// Stop ends capture and keeps the result pending until Save or Discard
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRecording {
		return ErrNotRecording
	}

	s.stopTicker()
	duration := int(s.elapsed.Load())

	uri, err := s.device.Finalize(ctx, s.handle)
	if err != nil {
		if derr := s.device.Discard(ctx, s.handle); derr != nil {
			slog.Warn("Failed to discard capture after finalize error", "error", derr)
		}
		s.reset()
		return fmt.Errorf("failed to finalize capture: %w", err)
	}

	s.pending = &Pending{URI: uri, Duration: duration}
	s.state = StateStopped

	slog.Debug("Recording stopped", "uri", uri, "duration", duration)
	return nil
}

// Save names the pending capture and appends it to the catalog. A blank
// name falls back to a timestamped default unless names are required.
func (s *Session) Save(ctx context.Context, name string) (catalog.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return catalog.Recording{}, fmt.Errorf("%w: cannot save while %s", ErrInvalidState, s.state)
	}

	now := s.opts.Now()
	name = strings.TrimSpace(name)
	if name == "" {
		if s.opts.RequireName {
			return catalog.Recording{}, ErrNameRequired
		}
		name = s.opts.NamePrefix + " " + now.Format(DefaultNameLayout)
	}

	rec := catalog.Recording{
		ID:        s.opts.NewID(),
		Name:      name,
		URI:       s.pending.URI,
		Duration:  s.pending.Duration,
		CreatedAt: now,
	}

	if err := s.catalog.Append(ctx, rec); err != nil {
		return catalog.Recording{}, err
	}

	if err := s.device.Release(s.handle); err != nil {
		slog.Warn("Failed to release capture handle", "error", err)
	}
	s.reset()

	slog.Debug("Recording saved", "id", rec.ID, "name", rec.Name, "duration", rec.Duration)
	return rec, nil
}

// Discard drops the pending capture without persisting it
func (s *Session) Discard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return ErrNothingToDiscard
	}

	err := s.device.Discard(ctx, s.handle)
	s.reset()
	if err != nil {
		return fmt.Errorf("failed to discard capture: %w", err)
	}

	slog.Debug("Recording discarded")
	return nil
}

// Close tears the session down from any state. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRecording {
		s.stopTicker()
	}

	var err error
	if s.handle != nil {
		err = s.device.Discard(context.Background(), s.handle)
	}
	s.reset()
	return err
}

// Status returns the current state, elapsed seconds and pending capture
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state, Elapsed: int(s.elapsed.Load())}
	if s.pending != nil {
		p := *s.pending
		st.Pending = &p
	}
	return st
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed returns the whole seconds counted so far
func (s *Session) Elapsed() int {
	return int(s.elapsed.Load())
}

func (s *Session) reset() {
	s.handle = nil
	s.pending = nil
	s.elapsed.Store(0)
	s.state = StateIdle
}

// startTicker launches the tick goroutine. Caller holds mu.
func (s *Session) startTicker() {
	ticker := s.opts.NewTicker(s.opts.TickPeriod)
	stop := make(chan struct{})
	done := make(chan struct{})
	s.tickStop = stop
	s.tickDone = done

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				s.elapsed.Add(1)
			}
		}
	}()
}

// stopTicker cancels the tick goroutine and waits for it to exit. Caller holds mu.
func (s *Session) stopTicker() {
	if s.tickStop == nil {
		return
	}
	close(s.tickStop)
	<-s.tickDone
	s.tickStop = nil
	s.tickDone = nil
}
