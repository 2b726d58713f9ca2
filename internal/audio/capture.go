package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/voicenotes/internal/config"
)

const (
	clientPrefix    = "voicenotes_"
	stopTimeout     = 5 * time.Second
	portWaitTimeout = 5 * time.Second
)

var ErrOutsideDirectory = errors.New("path is outside the recordings directory")

// PipeWireCapture records one mono source through pw-jack ffmpeg
type PipeWireCapture struct {
	cfg       config.CaptureConfig
	pipewire  *PipeWire
	logWriter io.Writer
	now       func() time.Time
}

// captureHandle is one running ffmpeg capture
type captureHandle struct {
	path       string
	clientName string

	cmd    *exec.Cmd
	done   chan error
	cancel context.CancelFunc
	stderr *lockedBuffer

	mu     sync.Mutex
	exited bool
}

func NewPipeWireCapture(cfg config.CaptureConfig, logWriter io.Writer) *PipeWireCapture {
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &PipeWireCapture{
		cfg:       cfg,
		pipewire:  NewPipeWire(),
		logWriter: logWriter,
		now:       time.Now,
	}
}

// RequestPermission reports whether recordings may be written to the
// configured directory
func (c *PipeWireCapture) RequestPermission(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(c.cfg.Directory, 0755); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create output directory: %w", err)
	}

	probe, err := os.CreateTemp(c.cfg.Directory, ".voicenotes-probe-*")
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			slog.Debug("Recordings directory is not writable", "dir", c.cfg.Directory)
			return false, nil
		}
		return false, fmt.Errorf("failed to probe output directory: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return true, nil
}

// Open validates the source and starts ffmpeg. Ports are linked in the
// background once ffmpeg registers its JACK client.
func (c *PipeWireCapture) Open(ctx context.Context) (any, error) {
	for _, bin := range []string{"pw-jack", "ffmpeg"} {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("%s not available: %w", bin, err)
		}
	}

	if err := c.pipewire.ValidatePort(ctx, c.cfg.Source); err != nil {
		return nil, err
	}

	short := uuid.NewString()[:8]
	h := &captureHandle{
		path:       filepath.Join(c.cfg.Directory, captureFileName(c.now(), short, c.cfg.Format)),
		clientName: clientPrefix + short,
		done:       make(chan error, 1),
		stderr:     &lockedBuffer{},
	}

	args := buildFFmpegArgs(h.clientName, c.cfg.SampleRate, c.cfg.Format, h.path)
	slog.Info("Starting capture", "command", strings.Join(args, " "))

	// Not tied to ctx: the capture outlives the request that started it
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"PIPEWIRE_QUANTUM=256/48000",
		"PIPEWIRE_LATENCY=256/48000",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	h.cmd = cmd

	var readers sync.WaitGroup
	readers.Add(2)
	go c.readOutput(&readers, stdout, nil, "stdout")
	go c.readOutput(&readers, stderr, h.stderr, "stderr")
	go func() {
		readers.Wait()
		h.done <- cmd.Wait()
	}()

	connectCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go c.connectSource(connectCtx, h)

	return h, nil
}

// connectSource links the configured source to the ffmpeg client
func (c *PipeWireCapture) connectSource(ctx context.Context, h *captureHandle) {
	destPort := h.clientName + ":input_1"
	if err := c.pipewire.WaitForPort(ctx, destPort, portWaitTimeout); err != nil {
		slog.Error("FFmpeg JACK port did not appear", "port", destPort, "error", err)
		return
	}
	if err := c.pipewire.ConnectPortsWithRetry(ctx, c.cfg.Source, destPort); err != nil {
		slog.Error("Failed to connect source", "source", c.cfg.Source, "dest", destPort, "error", err)
		return
	}
	slog.Info("Connected source", "source", c.cfg.Source, "dest", destPort)
}

// Finalize stops ffmpeg and returns the path of the written file
func (c *PipeWireCapture) Finalize(ctx context.Context, handle any) (string, error) {
	h, err := asCapture(handle)
	if err != nil {
		return "", err
	}

	if err := h.stop(ctx, stopTimeout); err != nil {
		slog.Debug("FFmpeg stderr", "output", h.stderr.String())
		return "", err
	}
	if err := validateOutputFile(h.path); err != nil {
		return "", err
	}

	slog.Debug("Capture finalized", "path", h.path)
	return h.path, nil
}

// Release stops ffmpeg if it is still running and keeps the file
func (c *PipeWireCapture) Release(handle any) error {
	h, err := asCapture(handle)
	if err != nil {
		return err
	}
	return h.kill()
}

// Discard stops ffmpeg and deletes whatever it wrote
func (c *PipeWireCapture) Discard(ctx context.Context, handle any) error {
	h, err := asCapture(handle)
	if err != nil {
		return err
	}
	if err := h.kill(); err != nil {
		slog.Warn("Failed to stop FFmpeg before discard", "error", err)
	}
	if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", h.path, err)
	}
	slog.Debug("Capture discarded", "path", h.path)
	return nil
}

// Remove deletes a finalized recording. Only files inside the recordings
// directory may be removed.
func (c *PipeWireCapture) Remove(uri string) error {
	path, err := resolveInside(c.cfg.Directory, uri)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// Path resolves uri to a file inside the recordings directory
func (c *PipeWireCapture) Path(uri string) (string, error) {
	return resolveInside(c.cfg.Directory, uri)
}

func resolveInside(dir, uri string) (string, error) {
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve recordings directory: %w", err)
	}
	path, err := filepath.Abs(strings.TrimPrefix(uri, "file://"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", uri, err)
	}
	if !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideDirectory, uri)
	}
	return path, nil
}

func asCapture(handle any) (*captureHandle, error) {
	h, ok := handle.(*captureHandle)
	if !ok || h == nil {
		return nil, fmt.Errorf("invalid capture handle %T", handle)
	}
	return h, nil
}

// stop sends SIGINT so ffmpeg writes its trailer, then waits
func (h *captureHandle) stop(ctx context.Context, timeout time.Duration) error {
	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited || h.cmd == nil {
		return nil
	}

	slog.Debug("Sending SIGINT to FFmpeg process")
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt to FFmpeg, falling back to SIGKILL", "error", err)
		h.cmd.Process.Kill()
	}

	select {
	case err := <-h.done:
		h.exited = true
		return interpretExit(err)
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	slog.Warn("FFmpeg did not exit in time, force killing")
	h.cmd.Process.Kill()
	<-h.done
	h.exited = true
	return nil
}

// kill terminates ffmpeg without waiting for a clean trailer
func (h *captureHandle) kill() error {
	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited || h.cmd == nil {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill FFmpeg: %w", err)
	}
	<-h.done
	h.exited = true
	return nil
}

// interpretExit treats termination by our own signal as success
func interpretExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ffmpeg exits 255 after a graceful interrupt
		if exitErr.ExitCode() == 255 {
			return nil
		}
		if exitErr.ProcessState != nil {
			switch exitErr.ProcessState.String() {
			case "signal: interrupt", "signal: killed":
				return nil
			}
		}
	}
	return fmt.Errorf("FFmpeg process failed: %w", err)
}

func (c *PipeWireCapture) readOutput(wg *sync.WaitGroup, pipe io.ReadCloser, buffer *lockedBuffer, label string) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if buffer != nil {
			buffer.WriteLine(line)
		}
		fmt.Fprintln(c.logWriter, line)
		slog.Debug("FFmpeg output", "stream", label, "line", line)
	}
}

// buildFFmpegArgs returns the pw-jack ffmpeg command line for a mono capture
func buildFFmpegArgs(clientName string, sampleRate int, format, output string) []string {
	return []string{
		"pw-jack", "ffmpeg",
		"-hide_banner", "-nostdin",
		"-f", "jack",
		"-channels", "1",
		"-i", clientName,
		"-ar", strconv.Itoa(sampleRate),
		"-c:a", codecFor(format),
		"-y",
		output,
	}
}

func codecFor(format string) string {
	switch format {
	case "wav":
		return "pcm_s16le"
	case "ogg":
		return "libvorbis"
	default:
		return "flac"
	}
}

// captureFileName names a new capture after its start time
func captureFileName(t time.Time, short, format string) string {
	return fmt.Sprintf("note-%s-%s.%s", t.Format("20060102-150405"), short, format)
}

func validateOutputFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("recording file not found: %s", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("recording failed: %s is empty", path)
	}
	slog.Debug("Output file validated", "path", path, "size", info.Size())
	return nil
}

// lockedBuffer collects process output from a reader goroutine
type lockedBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *lockedBuffer) WriteLine(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.WriteString(s)
	l.b.WriteByte('\n')
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}
