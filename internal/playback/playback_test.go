package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/voicenotes/internal/catalog"
)

type fakeHandle struct {
	uri      string
	position float64
	playing  bool
	released bool
	onDone   func()
}

type fakeDevice struct {
	mu sync.Mutex

	loadErr   error
	playErr   error
	loadDelay time.Duration

	handles []*fakeHandle
}

func (d *fakeDevice) Load(_ context.Context, uri string) (Handle, error) {
	if d.loadDelay > 0 {
		time.Sleep(d.loadDelay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loadErr != nil {
		return nil, d.loadErr
	}
	h := &fakeHandle{uri: uri}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDevice) Play(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playErr != nil {
		return d.playErr
	}
	h.(*fakeHandle).playing = true
	return nil
}

func (d *fakeDevice) Pause(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	h.(*fakeHandle).playing = false
	return nil
}

func (d *fakeDevice) Position(h Handle) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return h.(*fakeHandle).position, nil
}

func (d *fakeDevice) SetPosition(h Handle, seconds float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	h.(*fakeHandle).position = seconds
	return nil
}

func (d *fakeDevice) OnComplete(h Handle, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h.(*fakeHandle).onDone = fn
}

func (d *fakeDevice) Release(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fh := h.(*fakeHandle)
	fh.released = true
	fh.playing = false
	return nil
}

// live returns the handles not yet released
func (d *fakeDevice) live() []*fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeHandle
	for _, h := range d.handles {
		if !h.released {
			out = append(out, h)
		}
	}
	return out
}

// finish simulates end of stream on h
func (d *fakeDevice) finish(h *fakeHandle) {
	d.mu.Lock()
	fn := h.onDone
	d.mu.Unlock()
	fn()
}

type mapResolver map[string]catalog.Recording

func (m mapResolver) Get(id string) (catalog.Recording, bool) {
	r, ok := m[id]
	return r, ok
}

func library() mapResolver {
	r := mapResolver{}
	for id, dur := range map[string]int{"A": 30, "B": 45, "C": 12, "D": 20} {
		r[id] = catalog.Recording{ID: id, Name: "note " + id, URI: "file:///notes/" + id + ".flac", Duration: dur}
	}
	return r
}

func TestPlaySwitchesRecording(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{}
	c := New(dev, library())

	if err := c.Play(ctx, "A"); err != nil {
		t.Fatalf("Play(A) error = %v", err)
	}
	if err := c.Play(ctx, "B"); err != nil {
		t.Fatalf("Play(B) error = %v", err)
	}

	if !dev.handles[0].released {
		t.Error("handle for A was not released")
	}
	live := dev.live()
	if len(live) != 1 || live[0].uri != "file:///notes/B.flac" {
		t.Fatalf("expected only B live, got %+v", live)
	}

	st := c.Status()
	if st.State != StatePlaying || st.ID != "B" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{}
	c := New(dev, library())

	if err := c.Pause(ctx); !errors.Is(err, ErrNothingPlaying) {
		t.Errorf("Pause in IDLE: expected ErrNothingPlaying, got %v", err)
	}

	if err := c.Play(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if err := c.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := c.Pause(ctx); err != nil {
		t.Errorf("Pause when paused should be a no-op, got %v", err)
	}
	if c.Status().State != StatePaused {
		t.Errorf("expected PAUSED, got %s", c.Status().State)
	}

	dev.handles[0].position = 7
	if err := c.Play(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if len(dev.handles) != 1 {
		t.Errorf("resume loaded a new handle, have %d", len(dev.handles))
	}
	st := c.Status()
	if st.State != StatePlaying || st.Position != 7 {
		t.Errorf("expected resume in place at 7s, got %+v", st)
	}
}

func TestPlaySameIDWhilePlayingRestarts(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{}
	c := New(dev, library())

	if err := c.Play(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if err := c.Play(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if len(dev.handles) != 2 || !dev.handles[0].released {
		t.Errorf("expected the first handle released and a fresh one loaded")
	}
	if len(dev.live()) != 1 {
		t.Errorf("expected one live handle, got %d", len(dev.live()))
	}
}

func TestSeekClamps(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{}
	c := New(dev, library())

	if _, err := c.Seek(ctx, 5); !errors.Is(err, ErrNothingLoaded) {
		t.Errorf("Seek in IDLE: expected ErrNothingLoaded, got %v", err)
	}

	if err := c.Play(ctx, "D"); err != nil {
		t.Fatal(err)
	}
	dev.handles[0].position = 3

	tests := []struct {
		delta float64
		want  float64
	}{
		{-10, 0},
		{5, 5},
		{100, 20},
		{-2.5, 17.5},
	}
	for _, tt := range tests {
		got, err := c.Seek(ctx, tt.delta)
		if err != nil {
			t.Fatalf("Seek(%v) error = %v", tt.delta, err)
		}
		if got != tt.want {
			t.Errorf("Seek(%v) = %v, want %v", tt.delta, got, tt.want)
		}
	}

	// Seeking works while paused too
	if err := c.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if got, err := c.Seek(ctx, -20); err != nil || got != 0 {
		t.Errorf("Seek while paused = %v, %v", got, err)
	}
}

// measuringDevice reports a fixed length for every loaded handle
type measuringDevice struct {
	*fakeDevice
	length float64
	err    error
}

func (d *measuringDevice) Duration(Handle) (float64, error) {
	return d.length, d.err
}

func TestSeekClampsToMeasuredLength(t *testing.T) {
	ctx := context.Background()
	lib := library()
	lib["short"] = catalog.Recording{ID: "short", URI: "file:///notes/short.flac", Duration: 0}

	tests := []struct {
		name   string
		id     string
		length float64
		err    error
		want   float64
	}{
		{"under one second", "short", 0.6, nil, 0.6},
		{"fraction past whole seconds", "D", 20.75, nil, 20.75},
		{"shorter than catalog", "D", 19.2, nil, 20},
		{"length unknown", "D", 0, errors.New("no probe"), 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &measuringDevice{fakeDevice: &fakeDevice{}, length: tt.length, err: tt.err}
			c := New(dev, lib)
			if err := c.Play(ctx, tt.id); err != nil {
				t.Fatal(err)
			}
			got, err := c.Seek(ctx, 100)
			if err != nil {
				t.Fatalf("Seek() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Seek(100) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNaturalCompletion(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{}
	c := New(dev, library())

	var events []Event
	unsubscribe := c.Subscribe(func(ev Event) { events = append(events, ev) })
	defer unsubscribe()

	if err := c.Play(ctx, "C"); err != nil {
		t.Fatal(err)
	}
	dev.finish(dev.handles[0])

	st := c.Status()
	if st.State != StateIdle || st.ID != "" {
		t.Errorf("expected IDLE and unbound, got %+v", st)
	}
	if len(dev.live()) != 0 {
		t.Error("handle still held after completion")
	}
	if len(events) != 1 || events[0] != (Event{Type: EventCompleted, ID: "C"}) {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestStaleCompletionIgnored(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{}
	c := New(dev, library())

	notified := 0
	c.Subscribe(func(Event) { notified++ })

	if err := c.Play(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if err := c.Play(ctx, "B"); err != nil {
		t.Fatal(err)
	}

	// A finishes late, after B took over
	dev.finish(dev.handles[0])

	st := c.Status()
	if st.State != StatePlaying || st.ID != "B" {
		t.Errorf("stale completion changed state: %+v", st)
	}
	if notified != 0 {
		t.Errorf("stale completion notified %d listeners", notified)
	}
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{}
	c := New(dev, library())

	notified := 0
	unsubscribe := c.Subscribe(func(Event) { notified++ })
	unsubscribe()

	if err := c.Play(ctx, "C"); err != nil {
		t.Fatal(err)
	}
	dev.finish(dev.handles[0])
	if notified != 0 {
		t.Errorf("unsubscribed listener was called %d times", notified)
	}
}

func TestLoadFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown id", func(t *testing.T) {
		dev := &fakeDevice{}
		c := New(dev, library())
		if err := c.Play(ctx, "A"); err != nil {
			t.Fatal(err)
		}
		if err := c.Play(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if c.Status().State != StateIdle || len(dev.live()) != 0 {
			t.Errorf("expected IDLE with no handle, got %+v", c.Status())
		}
	})

	t.Run("decode error", func(t *testing.T) {
		dev := &fakeDevice{loadErr: errors.New("invalid data found when processing input")}
		c := New(dev, library())
		if err := c.Play(ctx, "A"); !errors.Is(err, ErrLoad) {
			t.Fatalf("expected ErrLoad, got %v", err)
		}
		if c.Status().State != StateIdle {
			t.Errorf("expected IDLE, got %s", c.Status().State)
		}
	})

	t.Run("start error", func(t *testing.T) {
		dev := &fakeDevice{playErr: errors.New("no output device")}
		c := New(dev, library())
		if err := c.Play(ctx, "A"); !errors.Is(err, ErrLoad) {
			t.Fatalf("expected ErrLoad, got %v", err)
		}
		if len(dev.live()) != 0 {
			t.Error("handle kept after failed start")
		}
	})
}

func TestTeardownIdempotent(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{}
	c := New(dev, library())

	if err := c.Teardown(); err != nil {
		t.Errorf("Teardown in IDLE: %v", err)
	}
	if err := c.Play(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if err := c.Teardown(); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if err := c.Teardown(); err != nil {
		t.Errorf("second Teardown() error = %v", err)
	}
	if len(dev.live()) != 0 || c.Status().State != StateIdle {
		t.Error("Teardown left a live handle")
	}
	if _, err := c.Seek(ctx, 1); !errors.Is(err, ErrNothingLoaded) {
		t.Errorf("Seek after teardown: expected ErrNothingLoaded, got %v", err)
	}
}

func TestConcurrentPlaysKeepOneHandle(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{loadDelay: time.Millisecond}
	c := New(dev, library())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"A", "B", "C", "D"}[i%4]
			if err := c.Play(ctx, id); err != nil {
				t.Errorf("Play(%s) error = %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	live := dev.live()
	if len(live) != 1 {
		t.Fatalf("expected exactly one live handle, got %d", len(live))
	}
	st := c.Status()
	if want := fmt.Sprintf("file:///notes/%s.flac", st.ID); live[0].uri != want {
		t.Errorf("bound id %s does not match live handle %s", st.ID, live[0].uri)
	}
}
