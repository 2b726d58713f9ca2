package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/audiolibrelab/voicenotes/internal/service"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show details and file path of a recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
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

		fmt.Printf("id: %s\n", info.ID)
		fmt.Printf("name: %s\n", info.Name)
		fmt.Printf("duration: %s\n", service.FormatDuration(info.Duration))
		fmt.Printf("created: %s\n", info.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("uri: %s\n", info.URI)
		if info.Path != "" {
			fmt.Printf("path: %s\n", info.Path)
			fmt.Printf("size: %s\n", info.SizeHuman)
		}
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename [id] [new-name]",
	Short: "Rename a recording",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		id, err := resolveID(svc, args[0])
		if err != nil {
			return err
		}
		name := strings.Join(args[1:], " ")
		if err := svc.RenameRecording(cmd.Context(), id, name); err != nil {
			return fmt.Errorf("rename failed: %w", err)
		}
		fmt.Printf("Renamed %s to %q\n", shortID(id), name)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete [id]",
	Aliases: []string{"rm"},
	Short:   "Delete a recording and its audio file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		id, err := resolveID(svc, args[0])
		if err != nil {
			return err
		}
		if err := svc.DeleteRecording(cmd.Context(), id); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deleted %s\n", shortID(id))
		return nil
	},
}

// resolveID expands a unique id prefix, as printed by 'list', to the full id
func resolveID(svc service.Service, prefix string) (string, error) {
	var matches []string
	for _, r := range svc.ListRecordings("") {
		if r.ID == prefix {
			return r.ID, nil
		}
		if strings.HasPrefix(r.ID, prefix) {
			matches = append(matches, r.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no recording with id %q", prefix)
	case 1:
		slog.Debug("Resolved id prefix", "prefix", prefix, "id", matches[0])
		return matches[0], nil
	default:
		return "", fmt.Errorf("id %q is ambiguous: %s", prefix, strings.Join(matches, ", "))
	}
}
