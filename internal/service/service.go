package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/audiolibrelab/voicenotes/internal/audio"
	"github.com/audiolibrelab/voicenotes/internal/catalog"
	"github.com/audiolibrelab/voicenotes/internal/config"
	"github.com/audiolibrelab/voicenotes/internal/playback"
	"github.com/audiolibrelab/voicenotes/internal/session"
	"github.com/audiolibrelab/voicenotes/internal/store"
)

// ErrRecordingActive is returned when playback is requested while a
// recording holds the audio device
var ErrRecordingActive = errors.New("a recording is in progress")

// Service represents the core VoiceNotes service interface
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) (session.Status, error)
	SaveRecording(ctx context.Context, name string) (catalog.Recording, error)
	DiscardRecording(ctx context.Context) error
	GetRecordingStatus() session.Status

	// Catalog operations
	ListRecordings(query string) []catalog.Recording
	GetRecording(id string) (*RecordingInfo, error)
	RenameRecording(ctx context.Context, id, name string) error
	DeleteRecording(ctx context.Context, id string) error

	// Playback operations
	Play(ctx context.Context, id string) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, delta float64) (float64, error)
	GetPlaybackStatus() playback.Status
	SubscribePlayback(fn func(playback.Event)) func()

	// Configuration and diagnostics
	GetConfig() *config.Config
	GetLastError() string

	Close() error
}

// CaptureDevice is the capture side the service needs: the session's
// device plus access to finalized files
type CaptureDevice interface {
	session.Device
	Remove(uri string) error
	Path(uri string) (string, error)
}

// RecordingInfo is a catalog entry with details about its audio file
type RecordingInfo struct {
	catalog.Recording
	Path      string `json:"path" yaml:"path"`
	Size      int64  `json:"size" yaml:"size"`
	SizeHuman string `json:"size_human" yaml:"size_human"`
	StreamURL string `json:"stream_url" yaml:"stream_url"`
}

// VoiceNotesService is the main service implementation
type VoiceNotesService struct {
	cfg     *config.Config
	store   store.Store
	catalog *catalog.Catalog
	capture CaptureDevice
	session *session.Session
	player  *playback.Controller

	// Serializes recording start against playback start
	arbitration sync.Mutex

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex

	closeOnce sync.Once
}

// New opens the configured store, loads the catalog and wires the audio
// devices into a service
func New(ctx context.Context, cfg *config.Config, logWriter io.Writer) (Service, error) {
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}

	cat, err := catalog.Load(ctx, st, cfg.Storage.Key)
	if err != nil {
		st.Close()
		return nil, err
	}

	capture, err := audio.NewCapture(cfg.Capture, logWriter)
	if err != nil {
		st.Close()
		return nil, err
	}

	player, err := audio.NewProcessPlayer(cfg.Playback)
	if err != nil {
		st.Close()
		return nil, err
	}

	slog.Debug("Service ready", "backend", cfg.Storage.Backend, "recordings", cat.Len())
	return newService(cfg, st, cat, capture, player, session.Options{}), nil
}

func newService(cfg *config.Config, st store.Store, cat *catalog.Catalog, capture CaptureDevice, player playback.Device, opts session.Options) *VoiceNotesService {
	opts.RequireName = cfg.Naming.NameRequired()
	if opts.NamePrefix == "" {
		opts.NamePrefix = cfg.Naming.DefaultPrefix
	}

	return &VoiceNotesService{
		cfg:     cfg,
		store:   st,
		catalog: cat,
		capture: capture,
		session: session.New(capture, cat, opts),
		player:  playback.New(player, cat),
	}
}

// StartRecording begins a capture. In exclusive mode any playback is torn
// down first so the two never share the audio device.
func (s *VoiceNotesService) StartRecording(ctx context.Context) error {
	slog.Debug("Service.StartRecording called")
	s.clearLastError()

	s.arbitration.Lock()
	defer s.arbitration.Unlock()

	if s.cfg.Audio.IsExclusive() && s.session.State() == session.StateIdle {
		if err := s.player.Teardown(); err != nil {
			slog.Warn("Failed to stop playback before recording", "error", err)
		}
	}

	if err := s.session.Start(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}
	slog.Info("Recording started")
	return nil
}

// StopRecording ends the capture and returns the pending recording
func (s *VoiceNotesService) StopRecording(ctx context.Context) (session.Status, error) {
	if err := s.session.Stop(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return s.session.Status(), err
	}
	s.clearLastError()

	status := s.session.Status()
	if status.Pending != nil {
		slog.Info("Recording stopped", "duration", status.Pending.Duration)
	}
	return status, nil
}

// SaveRecording stores the pending recording under name
func (s *VoiceNotesService) SaveRecording(ctx context.Context, name string) (catalog.Recording, error) {
	rec, err := s.session.Save(ctx, name)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to save recording: %v", err))
		return catalog.Recording{}, err
	}
	s.clearLastError()
	slog.Info("Recording saved", "id", rec.ID, "name", rec.Name, "duration", rec.Duration)
	return rec, nil
}

// DiscardRecording drops the pending recording
func (s *VoiceNotesService) DiscardRecording(ctx context.Context) error {
	if err := s.session.Discard(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to discard recording: %v", err))
		return err
	}
	s.clearLastError()
	slog.Info("Recording discarded")
	return nil
}

// GetRecordingStatus returns the current session state
func (s *VoiceNotesService) GetRecordingStatus() session.Status {
	return s.session.Status()
}

// ListRecordings returns the catalog newest first, filtered by query
func (s *VoiceNotesService) ListRecordings(query string) []catalog.Recording {
	return s.catalog.Search(query)
}

// GetRecording returns the entry for id with its file details
func (s *VoiceNotesService) GetRecording(id string) (*RecordingInfo, error) {
	rec, ok := s.catalog.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}

	info := &RecordingInfo{
		Recording: rec,
		StreamURL: fmt.Sprintf("/api/recordings/%s/stream", rec.ID),
	}

	path, err := s.capture.Path(rec.URI)
	if err != nil {
		slog.Warn("Recording file is outside the recordings directory", "id", id, "uri", rec.URI)
		return info, nil
	}
	info.Path = path
	if stat, err := os.Stat(path); err == nil {
		info.Size = stat.Size()
		info.SizeHuman = formatBytes(stat.Size())
	}
	return info, nil
}

// RenameRecording changes the display name of id
func (s *VoiceNotesService) RenameRecording(ctx context.Context, id, name string) error {
	if err := s.catalog.Rename(ctx, id, name); err != nil {
		s.setLastError(fmt.Sprintf("Failed to rename recording %s: %v", id, err))
		return err
	}
	s.clearLastError()
	return nil
}

// DeleteRecording removes id from the catalog and deletes its file. Playback
// bound to id is stopped first. An unknown id is a no-op.
func (s *VoiceNotesService) DeleteRecording(ctx context.Context, id string) error {
	rec, ok := s.catalog.Get(id)
	if !ok {
		slog.Debug("Nothing to delete", "id", id)
		s.clearLastError()
		return nil
	}

	if s.player.Status().ID == id {
		if err := s.player.Teardown(); err != nil {
			slog.Warn("Failed to stop playback of deleted recording", "id", id, "error", err)
		}
	}

	if err := s.catalog.Remove(ctx, id); err != nil {
		s.setLastError(fmt.Sprintf("Failed to delete recording %s: %v", id, err))
		return err
	}

	// The entry is gone; a leftover file is only worth a warning
	if err := s.capture.Remove(rec.URI); err != nil {
		slog.Warn("Failed to delete recording file", "id", id, "uri", rec.URI, "error", err)
	}

	s.clearLastError()
	slog.Info("Recording deleted", "id", id, "name", rec.Name)
	return nil
}

// Play starts or resumes id. In exclusive mode it is refused while recording.
func (s *VoiceNotesService) Play(ctx context.Context, id string) error {
	s.arbitration.Lock()
	defer s.arbitration.Unlock()

	if s.cfg.Audio.IsExclusive() && s.session.State() == session.StateRecording {
		s.setLastError(fmt.Sprintf("Cannot play %s: %v", id, ErrRecordingActive))
		return ErrRecordingActive
	}

	if err := s.player.Play(ctx, id); err != nil {
		s.setLastError(fmt.Sprintf("Playback failed for %s: %v", id, err))
		return err
	}
	s.clearLastError()
	return nil
}

func (s *VoiceNotesService) Pause(ctx context.Context) error {
	return s.player.Pause(ctx)
}

// Seek moves the playhead by delta seconds and returns the new position
func (s *VoiceNotesService) Seek(ctx context.Context, delta float64) (float64, error) {
	return s.player.Seek(ctx, delta)
}

func (s *VoiceNotesService) GetPlaybackStatus() playback.Status {
	return s.player.Status()
}

func (s *VoiceNotesService) SubscribePlayback(fn func(playback.Event)) func() {
	return s.player.Subscribe(fn)
}

// GetConfig returns the current configuration
func (s *VoiceNotesService) GetConfig() *config.Config {
	return s.cfg
}

// Close stops any capture or playback and closes the store
func (s *VoiceNotesService) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if err := s.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close recording session: %w", err))
		}
		if err := s.player.Teardown(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playback: %w", err))
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close store: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// GetLastError returns the last error message (thread-safe)
func (s *VoiceNotesService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *VoiceNotesService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *VoiceNotesService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// FormatDuration renders whole seconds as m:ss or h:mm:ss
func FormatDuration(seconds int) string {
	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
