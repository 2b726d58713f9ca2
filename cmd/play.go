package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/audiolibrelab/voicenotes/internal/playback"
	"github.com/audiolibrelab/voicenotes/internal/service"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [id]",
	Short: "Play a recording",
	Long: `Play a recording with the configured player and wait until it ends.

While playing, type a command and press Enter:
  p  pause or resume
  f  skip forward by playback.seek_step seconds
  b  skip back by playback.seek_step seconds
  q  stop and quit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		id, err := resolveID(svc, args[0])
		if err != nil {
			return err
		}
		info, err := svc.GetRecording(id)
		if err != nil {
			return err
		}

		completed := make(chan struct{}, 1)
		unsubscribe := svc.SubscribePlayback(func(ev playback.Event) {
			if ev.Type == playback.EventCompleted && ev.ID == id {
				select {
				case completed <- struct{}{}:
				default:
				}
			}
		})
		defer unsubscribe()

		if err := svc.Play(ctx, id); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		fmt.Printf("Playing %q (%s)\n", info.Name, service.FormatDuration(info.Duration))

		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		return playLoop(sigCtx, svc, id, readCommands(os.Stdin), completed)
	},
}

// readCommands delivers trimmed input lines until r is exhausted
func readCommands(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()
	return lines
}

// playLoop applies interactive commands until playback ends or the user quits
func playLoop(ctx context.Context, svc service.Service, id string, commands <-chan string, completed <-chan struct{}) error {
	step := float64(cfg.Playback.SeekStep)

	for {
		select {
		case <-completed:
			fmt.Println("Finished")
			return nil
		case <-ctx.Done():
			fmt.Println("Stopped")
			return nil
		case line, ok := <-commands:
			if !ok {
				// stdin closed, keep playing until the end
				commands = nil
				continue
			}
			if err := applyCommand(ctx, svc, id, line, step); err != nil {
				if errors.Is(err, errQuit) {
					fmt.Println("Stopped")
					return nil
				}
				slog.Warn("Command failed", "command", line, "error", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func applyCommand(ctx context.Context, svc service.Service, id, line string, step float64) error {
	switch line {
	case "p":
		if svc.GetPlaybackStatus().State == playback.StatePaused {
			if err := svc.Play(ctx, id); err != nil {
				return err
			}
			fmt.Println("Resumed")
			return nil
		}
		if err := svc.Pause(ctx); err != nil {
			return err
		}
		fmt.Println("Paused")
	case "f", "b":
		delta := step
		if line == "b" {
			delta = -step
		}
		pos, err := svc.Seek(ctx, delta)
		if err != nil {
			return err
		}
		fmt.Printf("At %s\n", service.FormatDuration(int(pos)))
	case "q":
		return errQuit
	case "":
	default:
		fmt.Println("Commands: p (pause/resume), f (forward), b (back), q (quit)")
	}
	return nil
}
