package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/voicenotes/internal/service"

	"github.com/spf13/cobra"
)

var (
	recordName    string
	recordDiscard bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a new audio note",
	Long: `Record from the configured capture source until Ctrl+C, then save the
note to the catalog. Without --name the note is named after the current time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.StartRecording(ctx); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("Recording... Press Ctrl+C to stop", "source", cfg.Capture.Source)

		waitForInterrupt(ctx, svc)
		fmt.Println()

		status, err := svc.StopRecording(ctx)
		if err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}

		if recordDiscard {
			if err := svc.DiscardRecording(ctx); err != nil {
				return fmt.Errorf("failed to discard recording: %w", err)
			}
			fmt.Println("Recording discarded")
			return nil
		}

		rec, err := svc.SaveRecording(ctx, recordName)
		if err != nil {
			if status.Pending != nil {
				slog.Warn("Unsaved capture will be discarded", "uri", status.Pending.URI)
			}
			return fmt.Errorf("failed to save recording: %w", err)
		}
		fmt.Printf("Saved %q (%s, %s)\n", rec.Name, rec.ID, service.FormatDuration(rec.Duration))
		return nil
	},
}

// waitForInterrupt prints the elapsed time until SIGINT or SIGTERM
func waitForInterrupt(ctx context.Context, svc service.Service) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			slog.Info("Stopping recording...")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Printf("\r● %s", service.FormatDuration(svc.GetRecordingStatus().Elapsed))
		}
	}
}

func init() {
	recordCmd.Flags().StringVarP(&recordName, "name", "n", "", "name of the note (default is a timestamp)")
	recordCmd.Flags().BoolVar(&recordDiscard, "discard", false, "stop and throw the recording away")
}
