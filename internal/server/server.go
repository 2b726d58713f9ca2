package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/voicenotes/internal/catalog"
	"github.com/audiolibrelab/voicenotes/internal/playback"
	"github.com/audiolibrelab/voicenotes/internal/service"
	"github.com/audiolibrelab/voicenotes/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Server is the HTTP remote control for VoiceNotes
type Server struct {
	service service.Service
	port    string
	hub     *hub

	// how often live status is pushed to websocket clients
	statusInterval time.Duration
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Recording   session.Status  `json:"recording"`
	Playback    playback.Status `json:"playback"`
	RecordLabel string          `json:"record_label"`
	Elapsed     string          `json:"elapsed"`
	Message     string          `json:"message,omitempty"`
}

// RecordingView is a catalog entry prepared for display
type RecordingView struct {
	catalog.Recording
	DurationHuman  string `json:"duration_human"`
	CreatedAtHuman string `json:"created_at_human"`
	StreamURL      string `json:"stream_url"`
	PlayLabel      string `json:"play_label"`
}

// RecordingsResponse represents the JSON response for the recordings endpoint
type RecordingsResponse struct {
	Recordings []RecordingView `json:"recordings"`
	TotalCount int             `json:"total_count"`
	Query      string          `json:"query,omitempty"`
}

// NameRequest carries a recording name for save and rename
type NameRequest struct {
	Name string `json:"name"`
}

// New creates a new web server instance
func New(svc service.Service, port string) *Server {
	return &Server{
		service:        svc,
		port:           port,
		hub:            newHub(),
		statusInterval: time.Second,
	}
}

// Handler returns the routes of the remote control API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("POST /record/start", s.handleStartRecording)
	mux.HandleFunc("POST /record/stop", s.handleStopRecording)
	mux.HandleFunc("POST /record/save", s.handleSaveRecording)
	mux.HandleFunc("POST /record/discard", s.handleDiscardRecording)

	mux.HandleFunc("GET /api/recordings", s.handleRecordings)
	mux.HandleFunc("GET /api/recordings/{id}", s.handleRecordingDetails)
	mux.HandleFunc("DELETE /api/recordings/{id}", s.handleDeleteRecording)
	mux.HandleFunc("POST /api/recordings/{id}/rename", s.handleRenameRecording)
	mux.HandleFunc("GET /api/recordings/{id}/stream", s.handleRecordingStream)

	mux.HandleFunc("POST /play/{id}", s.handlePlay)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /seek", s.handleSeek)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	unsubscribe := s.service.SubscribePlayback(func(ev playback.Event) {
		s.hub.broadcast(Message{Type: string(ev.Type), ID: ev.ID, Status: s.status()})
	})
	defer unsubscribe()

	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.pushStatus(ctx)

	slog.Info("Starting VoiceNotes Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// pushStatus keeps websocket clients in sync while something is running
func (s *Server) pushStatus(ctx context.Context) {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.hub.count() == 0 {
			continue
		}
		st := s.status()
		if st.Recording.State == session.StateRecording || st.Playback.State == playback.StatePlaying {
			s.hub.broadcast(Message{Type: MessageStatus, Status: st})
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>VoiceNotes</title>
</head>
<body>
    <h1>VoiceNotes</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>POST /record/start, /record/stop, /record/save, /record/discard</li>
        <li>GET /status</li>
        <li>GET /api/recordings?q=</li>
        <li>POST /play/{id}, /pause, /seek?delta=</li>
        <li>GET /ws - live status</li>
    </ul>
</body>
</html>`

// handleStatus returns the current recording and playback state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() *StatusResponse {
	rec := s.service.GetRecordingStatus()
	return &StatusResponse{
		Recording:   rec,
		Playback:    s.service.GetPlaybackStatus(),
		RecordLabel: RecordButtonLabel(rec.State),
		Elapsed:     service.FormatDuration(rec.Elapsed),
		Message:     s.service.GetLastError(),
	}
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StartRecording(r.Context()); err != nil {
		s.sendServiceError(w, err, "operation", "start_recording")
		return
	}
	s.sendAndBroadcast(w, "Recording started")
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if _, err := s.service.StopRecording(r.Context()); err != nil {
		s.sendServiceError(w, err, "operation", "stop_recording")
		return
	}
	s.sendAndBroadcast(w, "Recording stopped")
}

func (s *Server) handleSaveRecording(w http.ResponseWriter, r *http.Request) {
	name, err := readName(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "save_recording")
		return
	}

	rec, err := s.service.SaveRecording(r.Context(), name)
	if err != nil {
		s.sendServiceError(w, err, "operation", "save_recording")
		return
	}

	s.hub.broadcast(Message{Type: MessageStatus, Status: s.status()})
	sendJSON(w, http.StatusCreated, map[string]interface{}{
		"success":   true,
		"message":   fmt.Sprintf("Saved %q", rec.Name),
		"recording": s.view(rec, s.service.GetPlaybackStatus()),
	})
}

func (s *Server) handleDiscardRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DiscardRecording(r.Context()); err != nil {
		s.sendServiceError(w, err, "operation", "discard_recording")
		return
	}
	s.sendAndBroadcast(w, "Recording discarded")
}

// handleRecordings lists the catalog, optionally filtered by ?q=
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	recs := s.service.ListRecordings(query)
	st := s.service.GetPlaybackStatus()

	views := make([]RecordingView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, s.view(rec, st))
	}

	sendJSON(w, http.StatusOK, RecordingsResponse{
		Recordings: views,
		TotalCount: len(views),
		Query:      query,
	})
}

func (s *Server) handleRecordingDetails(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.GetRecording(r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, err, "operation", "get_recording")
		return
	}
	sendJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, lookupErr := s.service.GetRecording(id)
	if err := s.service.DeleteRecording(r.Context(), id); err != nil {
		s.sendServiceError(w, err, "operation", "delete_recording", "id", id)
		return
	}
	if errors.Is(lookupErr, catalog.ErrNotFound) {
		s.sendAndBroadcast(w, "Nothing to delete")
		return
	}
	s.sendAndBroadcast(w, "Recording deleted")
}

func (s *Server) handleRenameRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name, err := readName(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "rename_recording")
		return
	}
	if err := s.service.RenameRecording(r.Context(), id, name); err != nil {
		s.sendServiceError(w, err, "operation", "rename_recording", "id", id)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Recording renamed",
	})
}

// handleRecordingStream serves the audio file of a recording
func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.GetRecording(r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, err, "operation", "stream_recording")
		return
	}
	if info.Path == "" {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	file, err := os.Open(info.Path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error opening file", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(info.Path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	http.ServeContent(w, r, filepath.Base(info.Path), stat.ModTime(), file)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.Play(r.Context(), id); err != nil {
		s.sendServiceError(w, err, "operation", "play", "id", id)
		return
	}
	s.sendAndBroadcast(w, "Playing")
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Pause(r.Context()); err != nil {
		s.sendServiceError(w, err, "operation", "pause")
		return
	}
	s.sendAndBroadcast(w, "Paused")
}

// handleSeek moves the playhead by ?delta= seconds
func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	delta, err := strconv.ParseFloat(r.URL.Query().Get("delta"), 64)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "delta must be a number of seconds", "operation", "seek")
		return
	}

	pos, err := s.service.Seek(r.Context(), delta)
	if err != nil {
		s.sendServiceError(w, err, "operation", "seek")
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"position": pos,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.serve(w, r, Message{Type: MessageStatus, Status: s.status()})
}

func (s *Server) view(rec catalog.Recording, st playback.Status) RecordingView {
	return RecordingView{
		Recording:      rec,
		DurationHuman:  service.FormatDuration(rec.Duration),
		CreatedAtHuman: rec.CreatedAt.Local().Format("2006-01-02 15:04"),
		StreamURL:      fmt.Sprintf("/api/recordings/%s/stream", rec.ID),
		PlayLabel:      PlayButtonLabel(st, rec.ID),
	}
}

func (s *Server) sendAndBroadcast(w http.ResponseWriter, message string) {
	st := s.status()
	s.hub.broadcast(Message{Type: MessageStatus, Status: st})
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": message,
		"status":  st,
	})
}

// readName accepts a name from a JSON body or a form field
func readName(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req NameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", fmt.Errorf("invalid JSON body: %w", err)
		}
		return req.Name, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("invalid form data: %w", err)
	}
	return r.FormValue("name"), nil
}

// statusCode maps core errors to HTTP status codes
func statusCode(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, playback.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNameRequired), errors.Is(err, catalog.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrNotRecording),
		errors.Is(err, session.ErrNothingToDiscard),
		errors.Is(err, playback.ErrNothingPlaying),
		errors.Is(err, playback.ErrNothingLoaded),
		errors.Is(err, catalog.ErrDuplicateID),
		errors.Is(err, service.ErrRecordingActive):
		return http.StatusConflict
	case errors.Is(err, playback.ErrLoad):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendServiceError(w http.ResponseWriter, err error, logContext ...interface{}) {
	s.sendErrorResponse(w, statusCode(err), err.Error(), logContext...)
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Debug("Sending error response to client", logFields...)
	}

	sendJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
