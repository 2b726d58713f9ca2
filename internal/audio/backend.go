package audio

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/audiolibrelab/voicenotes/internal/config"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypeAuto     BackendType = "auto"
)

// NewCapture creates the capture device for the configured backend
func NewCapture(cfg config.CaptureConfig, logWriter io.Writer) (*PipeWireCapture, error) {
	switch determineBackend(cfg) {
	case BackendTypePipeWire:
		return NewPipeWireCapture(cfg, logWriter), nil
	default:
		return nil, fmt.Errorf("unsupported capture backend: %s", cfg.Backend)
	}
}

// ListSources returns the ports that can be recorded from
func ListSources(ctx context.Context) ([]string, error) {
	return NewPipeWire().ListSources(ctx)
}

// ValidateSource checks that source is present exactly once in the graph
func ValidateSource(ctx context.Context, source string) error {
	return NewPipeWire().ValidatePort(ctx, source)
}

// determineBackend maps the configured backend name; PipeWire is the only
// implementation, so "auto" resolves to it
func determineBackend(cfg config.CaptureConfig) BackendType {
	switch strings.ToLower(cfg.Backend) {
	case "", string(BackendTypeAuto), string(BackendTypePipeWire):
		return BackendTypePipeWire
	}
	return BackendType(cfg.Backend)
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypePipeWire}
}
