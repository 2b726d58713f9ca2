package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

var (
	ErrPortNotFound  = errors.New("port not found")
	ErrDuplicatePort = errors.New("duplicate sources detected")
)

// commandRunner runs a command and returns its output
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func runCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// PipeWire manages PipeWire/JACK port operations through pw-link
type PipeWire struct {
	list    commandRunner
	link    commandRunner
	retries retryPolicy
}

type retryPolicy struct {
	hardwareAttempts  int
	hardwareDelay     time.Duration
	ephemeralAttempts int
	ephemeralDelay    time.Duration
	pollInterval      time.Duration
}

var defaultRetryPolicy = retryPolicy{
	hardwareAttempts:  5,
	hardwareDelay:     500 * time.Millisecond,
	ephemeralAttempts: 15,
	ephemeralDelay:    time.Second,
	pollInterval:      100 * time.Millisecond,
}

func NewPipeWire() *PipeWire {
	return &PipeWire{
		list:    runOutput,
		link:    runCombined,
		retries: defaultRetryPolicy,
	}
}

// ListPorts returns every input and output port in the graph
func (pw *PipeWire) ListPorts(ctx context.Context) ([]string, error) {
	return pw.ports(ctx, "-io")
}

// ListSources returns the output ports, which are the ones that can be recorded from
func (pw *PipeWire) ListSources(ctx context.Context) ([]string, error) {
	return pw.ports(ctx, "-o")
}

func (pw *PipeWire) ports(ctx context.Context, flag string) ([]string, error) {
	output, err := pw.list(ctx, "pw-link", flag)
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePorts(string(output)), nil
}

func parsePorts(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Input ports:") || strings.HasPrefix(line, "Output ports:") {
			continue
		}
		ports = append(ports, line)
	}
	return ports
}

// ValidatePort checks that portName exists exactly once
func (pw *PipeWire) ValidatePort(ctx context.Context, portName string) error {
	ports, err := pw.ListPorts(ctx)
	if err != nil {
		return err
	}
	return checkPort(portName, ports)
}

func checkPort(portName string, ports []string) error {
	duplicates := findPortDuplicates(portName, ports)
	switch {
	case len(duplicates) == 0:
		return fmt.Errorf("%w: %s", ErrPortNotFound, portName)
	case len(duplicates) > 1:
		return fmt.Errorf("%w for '%s': %v. Please close conflicting applications", ErrDuplicatePort, portName, duplicates)
	}
	return nil
}

// findPortDuplicates returns every port with exactly portName
func findPortDuplicates(portName string, ports []string) []string {
	var duplicates []string
	for _, port := range ports {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

// WaitForPort polls until portName appears or timeout elapses
func (pw *PipeWire) WaitForPort(ctx context.Context, portName string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pw.retries.pollInterval)
	defer ticker.Stop()

	for {
		if err := pw.ValidatePort(ctx, portName); err == nil {
			slog.Debug("JACK port found", "port", portName)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for JACK port: %s", portName)
		case <-ticker.C:
		}
	}
}

// ConnectPortsWithRetry links sourcePort to destPort, retrying longer for
// application ports that may come and go
func (pw *PipeWire) ConnectPortsWithRetry(ctx context.Context, sourcePort, destPort string) error {
	maxRetries, retryDelay := pw.retries.hardwareAttempts, pw.retries.hardwareDelay
	if isEphemeralPort(sourcePort) {
		maxRetries, retryDelay = pw.retries.ephemeralAttempts, pw.retries.ephemeralDelay
		slog.Debug("Using ephemeral port retry strategy", "source", sourcePort, "retries", maxRetries)
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := pw.ValidatePort(ctx, sourcePort); err != nil {
			slog.Debug("Source port not yet available", "source", sourcePort, "attempt", attempt, "error", err)
		} else if err := pw.connectPorts(ctx, sourcePort, destPort); err != nil {
			slog.Debug("Connection attempt failed", "source", sourcePort, "dest", destPort, "attempt", attempt, "error", err)
		} else {
			slog.Debug("Connected ports", "source", sourcePort, "dest", destPort, "attempt", attempt)
			return nil
		}

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	return fmt.Errorf("failed to connect %s to %s after %d attempts", sourcePort, destPort, maxRetries)
}

func (pw *PipeWire) connectPorts(ctx context.Context, sourcePort, destPort string) error {
	output, err := pw.link(ctx, "pw-link", sourcePort, destPort)
	if err != nil {
		return fmt.Errorf("failed to connect ports: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// isEphemeralPort reports whether a port belongs to an application rather
// than a hardware device
func isEphemeralPort(portName string) bool {
	lowerPort := strings.ToLower(portName)

	ephemeralApps := []string{
		"chrome", "firefox", "spotify", "discord", "steam",
		"vlc", "mpv", "zoom", "teams", "slack", "wire",
	}

	for _, app := range ephemeralApps {
		if strings.Contains(lowerPort, app) {
			return true
		}
	}
	return false
}
