package cmd

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/audiolibrelab/voicenotes/internal/audio"
	"github.com/audiolibrelab/voicenotes/internal/config"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long:  `List all PipeWire/JACK output ports that can be used as capture.source.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := audio.ListSources(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get PipeWire sources: %w", err)
		}

		configured := ""
		if cfg != nil {
			configured = cfg.Capture.Source
			if err := audio.ValidateSource(cmd.Context(), configured); err != nil {
				slog.Warn("Configured source is not usable", "source", configured, "error", err)
			}
		}

		fmt.Printf("🎙 Audio Sources (%s, backends: %v)\n", runtime.GOOS, audio.GetAvailableBackends())
		fmt.Printf("═══════════════════════════════════════\n\n")
		printSources(sources, configured)
		return nil
	},
}

// printSources lists ports grouped by device, marking the configured one
func printSources(sources []string, configured string) {
	fmt.Printf("📋 PIPEWIRE/JACK SOURCES (%d found):\n", len(sources))

	lastDevice := ""
	for _, source := range sources {
		device, port := config.ExtractDeviceAndPort(source)
		if device != lastDevice {
			fmt.Printf("  %s\n", device)
			lastDevice = device
		}
		marker := " "
		if source == configured {
			marker = "*"
		}
		fmt.Printf("   %s %s\n", marker, port)
	}

	fmt.Printf("\n💡 Usage:\n")
	fmt.Printf("  • Format: \"Device:port\", e.g. \"system:capture_1\"\n")
	fmt.Printf("  • Configure in capture.source; * marks the current one\n\n")
}
