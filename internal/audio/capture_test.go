package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/voicenotes/internal/config"
)

func TestBuildFFmpegArgs(t *testing.T) {
	args := buildFFmpegArgs("voicenotes_ab12cd34", 48000, "flac", "/notes/note.flac")
	got := strings.Join(args, " ")
	want := "pw-jack ffmpeg -hide_banner -nostdin -f jack -channels 1 -i voicenotes_ab12cd34 -ar 48000 -c:a flac -y /notes/note.flac"
	if got != want {
		t.Errorf("buildFFmpegArgs() =\n%s\nwant\n%s", got, want)
	}
}

func TestCodecFor(t *testing.T) {
	tests := map[string]string{"flac": "flac", "wav": "pcm_s16le", "ogg": "libvorbis", "": "flac"}
	for format, want := range tests {
		if got := codecFor(format); got != want {
			t.Errorf("codecFor(%q) = %q, want %q", format, got, want)
		}
	}
}

func TestCaptureFileName(t *testing.T) {
	ts := time.Date(2025, 1, 9, 7, 5, 3, 0, time.UTC)
	if got := captureFileName(ts, "ab12cd34", "wav"); got != "note-20250109-070503-ab12cd34.wav" {
		t.Errorf("captureFileName() = %s", got)
	}
}

func TestRequestPermission(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "notes")
	c := NewPipeWireCapture(config.CaptureConfig{Directory: dir}, nil)

	granted, err := c.RequestPermission(context.Background())
	if err != nil || !granted {
		t.Fatalf("RequestPermission() = %v, %v; want true, nil", granted, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}
}

func TestRequestPermission_ReadOnlyDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0555); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(dir, 0755)

	c := NewPipeWireCapture(config.CaptureConfig{Directory: dir}, nil)
	granted, err := c.RequestPermission(context.Background())
	if err != nil || granted {
		t.Errorf("RequestPermission() = %v, %v; want false, nil", granted, err)
	}
}

func TestRequestPermission_DirectoryUnderFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "notadir")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}

	c := NewPipeWireCapture(config.CaptureConfig{Directory: filepath.Join(file, "notes")}, nil)
	granted, err := c.RequestPermission(context.Background())
	if granted {
		t.Fatal("RequestPermission() granted access below a regular file")
	}
	if err == nil {
		t.Error("expected an error rather than a declined request")
	}
}

func TestDiscardRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.flac")
	if err := os.WriteFile(path, []byte("fLaC"), 0644); err != nil {
		t.Fatal(err)
	}

	c := NewPipeWireCapture(config.CaptureConfig{Directory: dir}, nil)
	h := &captureHandle{path: path, exited: true}

	if err := c.Discard(context.Background(), h); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("discarded file still exists")
	}
	// Discarding twice is harmless
	if err := c.Discard(context.Background(), h); err != nil {
		t.Errorf("second Discard() error = %v", err)
	}
}

func TestReleaseKeepsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.flac")
	if err := os.WriteFile(path, []byte("fLaC"), 0644); err != nil {
		t.Fatal(err)
	}

	c := NewPipeWireCapture(config.CaptureConfig{Directory: dir}, nil)
	if err := c.Release(&captureHandle{path: path, exited: true}); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("released file missing: %v", err)
	}
}

func TestInvalidHandle(t *testing.T) {
	c := NewPipeWireCapture(config.CaptureConfig{Directory: t.TempDir()}, nil)
	if _, err := c.Finalize(context.Background(), "not-a-handle"); err == nil {
		t.Error("Expected error for foreign handle")
	}
	if err := c.Release(nil); err == nil {
		t.Error("Expected error for nil handle")
	}
}

func TestRemove(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "notes")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	inside := filepath.Join(dir, "note.flac")
	outside := filepath.Join(base, "keep.txt")
	for _, p := range []string{inside, outside} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	c := NewPipeWireCapture(config.CaptureConfig{Directory: dir}, nil)

	if err := c.Remove("file://" + inside); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(inside); !errors.Is(err, os.ErrNotExist) {
		t.Error("file inside the directory was not removed")
	}

	for _, uri := range []string{outside, filepath.Join(dir, "..", "keep.txt"), dir} {
		if err := c.Remove(uri); !errors.Is(err, ErrOutsideDirectory) {
			t.Errorf("Remove(%s): expected ErrOutsideDirectory, got %v", uri, err)
		}
	}
	if _, err := os.Stat(outside); err != nil {
		t.Error("file outside the directory was touched")
	}

	// Already gone is not an error
	if err := c.Remove(inside); err != nil {
		t.Errorf("Remove of missing file: %v", err)
	}
}

func TestValidateOutputFile(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.flac")
	full := filepath.Join(dir, "full.flac")
	os.WriteFile(empty, nil, 0644)
	os.WriteFile(full, []byte("fLaC data"), 0644)

	if err := validateOutputFile(full); err != nil {
		t.Errorf("validateOutputFile(full) error = %v", err)
	}
	if err := validateOutputFile(empty); err == nil {
		t.Error("Expected error for empty file")
	}
	if err := validateOutputFile(filepath.Join(dir, "missing.flac")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestInterpretExit(t *testing.T) {
	if err := interpretExit(nil); err != nil {
		t.Errorf("interpretExit(nil) = %v", err)
	}
	if err := interpretExit(errors.New("broken pipe")); err == nil {
		t.Error("Expected arbitrary errors to surface")
	}
}

func TestDetermineBackend(t *testing.T) {
	tests := map[string]BackendType{
		"":         BackendTypePipeWire,
		"auto":     BackendTypePipeWire,
		"PipeWire": BackendTypePipeWire,
		"alsa":     BackendType("alsa"),
	}
	for in, want := range tests {
		if got := determineBackend(config.CaptureConfig{Backend: in}); got != want {
			t.Errorf("determineBackend(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := NewCapture(config.CaptureConfig{Backend: "alsa"}, nil); err == nil {
		t.Error("Expected error for unsupported backend")
	}
}
