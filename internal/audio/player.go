package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/voicenotes/internal/config"
)

// players in order of preference when playback.player is "auto"
var players = []string{"mpv", "ffplay", "vlc"}

// ProcessPlayer plays files by running an external player. Pausing stops
// the process and resuming restarts it at the saved offset.
type ProcessPlayer struct {
	player  string
	command func(path string, offset float64) *exec.Cmd
	probe   func(ctx context.Context, path string) (float64, error)
	now     func() time.Time
}

type playerHandle struct {
	path     string
	duration float64 // 0 when unknown

	mu         sync.Mutex
	cmd        *exec.Cmd
	playing    bool
	offset     float64
	startedAt  time.Time
	gen        int
	onComplete func()
}

// NewProcessPlayer resolves the configured player binary
func NewProcessPlayer(cfg config.PlaybackConfig) (*ProcessPlayer, error) {
	player, err := findAudioPlayer(cfg.Player)
	if err != nil {
		return nil, err
	}
	slog.Debug("Using audio player", "player", player)

	p := &ProcessPlayer{player: player, now: time.Now}
	p.command = func(path string, offset float64) *exec.Cmd {
		args := playerArgs(player, path, offset)
		return exec.Command(args[0], args[1:]...)
	}
	if _, err := exec.LookPath("ffprobe"); err == nil {
		p.probe = probeDuration
	}
	return p, nil
}

func findAudioPlayer(preferred string) (string, error) {
	candidates := players
	if preferred != "" && preferred != "auto" {
		candidates = []string{preferred}
	}
	for _, player := range candidates {
		if _, err := exec.LookPath(binaryFor(player)); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(candidates, ", "))
}

func binaryFor(player string) string {
	if player == "vlc" {
		return "cvlc"
	}
	return player
}

// playerArgs builds a headless command line that starts at offset seconds
// and exits at end of stream
func playerArgs(player, path string, offset float64) []string {
	start := strconv.FormatFloat(offset, 'f', 3, 64)
	switch player {
	case "ffplay":
		return []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error", "-ss", start, path}
	case "vlc":
		return []string{"cvlc", "--play-and-exit", "--no-video", "--start-time=" + start, path}
	default:
		return []string{"mpv", "--no-video", "--really-quiet", "--start=" + start, path}
	}
}

// Load checks that uri is a readable audio file and prepares a handle
func (p *ProcessPlayer) Load(ctx context.Context, uri string) (any, error) {
	path := strings.TrimPrefix(uri, "file://")
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("audio file not found: %s", path)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("not an audio file: %s", path)
	}

	h := &playerHandle{path: path}
	if p.probe != nil {
		d, err := p.probe(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("cannot decode %s: %w", path, err)
		}
		h.duration = d
	}
	return h, nil
}

func (p *ProcessPlayer) Play(handle any) error {
	h, err := asPlayer(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.playing {
		return nil
	}
	return p.startLocked(h)
}

func (p *ProcessPlayer) Pause(handle any) error {
	h, err := asPlayer(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.playing {
		return nil
	}
	h.offset = p.positionLocked(h)
	p.stopLocked(h)
	return nil
}

func (p *ProcessPlayer) Position(handle any) (float64, error) {
	h, err := asPlayer(handle)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return p.positionLocked(h), nil
}

// SetPosition moves to seconds, restarting the process when playing
func (p *ProcessPlayer) SetPosition(handle any, seconds float64) error {
	h, err := asPlayer(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.offset = seconds
	if !h.playing {
		return nil
	}
	p.stopLocked(h)
	return p.startLocked(h)
}

// Duration reports the probed length of the loaded file, 0 when unknown
func (p *ProcessPlayer) Duration(handle any) (float64, error) {
	h, err := asPlayer(handle)
	if err != nil {
		return 0, err
	}
	return h.duration, nil
}

func (p *ProcessPlayer) OnComplete(handle any, fn func()) {
	h, err := asPlayer(handle)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onComplete = fn
}

func (p *ProcessPlayer) Release(handle any) error {
	h, err := asPlayer(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	p.stopLocked(h)
	h.onComplete = nil
	return nil
}

func (p *ProcessPlayer) startLocked(h *playerHandle) error {
	cmd := p.command(h.path, h.offset)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", p.player, err)
	}

	h.gen++
	gen := h.gen
	h.cmd = cmd
	h.playing = true
	h.startedAt = p.now()

	go func() {
		err := cmd.Wait()

		h.mu.Lock()
		natural := gen == h.gen && h.playing
		var fn func()
		if natural {
			h.playing = false
			h.cmd = nil
			h.offset = 0
			fn = h.onComplete
		}
		h.mu.Unlock()

		if !natural {
			return
		}
		if err != nil {
			slog.Warn("Player exited with error before the end of the file", "player", p.player, "path", h.path, "error", err)
		}
		if fn != nil {
			fn()
		}
	}()

	slog.Debug("Player started", "player", p.player, "path", h.path, "offset", h.offset)
	return nil
}

// stopLocked ends the running process without reporting completion
func (p *ProcessPlayer) stopLocked(h *playerHandle) {
	h.gen++
	h.playing = false
	if h.cmd != nil && h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	h.cmd = nil
}

func (p *ProcessPlayer) positionLocked(h *playerHandle) float64 {
	pos := h.offset
	if h.playing {
		pos += p.now().Sub(h.startedAt).Seconds()
	}
	if h.duration > 0 && pos > h.duration {
		pos = h.duration
	}
	return pos
}

func asPlayer(handle any) (*playerHandle, error) {
	h, ok := handle.(*playerHandle)
	if !ok || h == nil {
		return nil, fmt.Errorf("invalid playback handle %T", handle)
	}
	return h, nil
}

// probeDuration reads the container duration with ffprobe
func probeDuration(ctx context.Context, path string) (float64, error) {
	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseDuration(string(out))
}

func parseDuration(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return 0, nil
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected duration %q: %w", s, err)
	}
	return d, nil
}
