package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/voicenotes/internal/catalog"
	"github.com/audiolibrelab/voicenotes/internal/service"

	"github.com/spf13/cobra"
)

var (
	listSearch string
	listOutput string
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recordings, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		return printRecordings(os.Stdout, svc.ListRecordings(listSearch), listOutput)
	},
}

// printRecordings renders recs as a table, JSON or YAML
func printRecordings(w io.Writer, recs []catalog.Recording, format string) error {
	if recs == nil {
		recs = []catalog.Recording{}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	case "yaml":
		out, err := yaml.Marshal(recs)
		if err != nil {
			return fmt.Errorf("error marshaling recordings: %w", err)
		}
		_, err = w.Write(out)
		return err
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q (use table, json or yaml)", format)
	}

	if len(recs) == 0 {
		fmt.Fprintln(w, "No recordings yet.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDURATION\tCREATED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			shortID(r.ID), r.Name, service.FormatDuration(r.Duration), r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	listCmd.Flags().StringVarP(&listSearch, "search", "s", "", "only show recordings whose name contains this text")
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "output format: table, json or yaml")
}
