package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/audiolibrelab/voicenotes/internal/config"

	"github.com/spf13/cobra"
)

var configInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration with inheritance indicators",
	Long:  `Display every resolved setting and where it came from: the built-in defaults, the default profile, or the selected profile.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printResolved(os.Stdout, cfg)
		return nil
	},
}

// printResolved writes each tracked field grouped by section
func printResolved(w io.Writer, c *config.Config) {
	fmt.Fprintf(w, "=== RESOLVED CONFIGURATION (%s) ===\n", c.Profile)

	section := ""
	for _, field := range config.Fields {
		head := field[:strings.Index(field, ".")]
		if head != section {
			fmt.Fprintf(w, "\n[%s]\n", strings.ToUpper(head[:1])+head[1:])
			section = head
		}
		fmt.Fprintf(w, "%s: %s %s\n", strings.TrimPrefix(field, head+"."), fieldValue(c, field), getInheritanceIndicator(c.Source(field), c.Profile))
	}
}

func fieldValue(c *config.Config, field string) string {
	switch field {
	case "capture.backend":
		return c.Capture.Backend
	case "capture.source":
		return c.Capture.Source
	case "capture.sample_rate":
		return fmt.Sprint(c.Capture.SampleRate)
	case "capture.format":
		return c.Capture.Format
	case "capture.directory":
		return c.Capture.Directory
	case "playback.player":
		return c.Playback.Player
	case "playback.seek_step":
		return fmt.Sprint(c.Playback.SeekStep)
	case "storage.backend":
		return c.Storage.Backend
	case "storage.key":
		return c.Storage.Key
	case "storage.path":
		return c.Storage.Path
	case "storage.redis.addr":
		return c.Storage.Redis.Addr
	case "storage.redis.password", "storage.s3.secret_access_key":
		return "****"
	case "storage.redis.db":
		return fmt.Sprint(c.Storage.Redis.DB)
	case "storage.redis.prefix":
		return c.Storage.Redis.Prefix
	case "storage.s3.bucket":
		return c.Storage.S3.Bucket
	case "storage.s3.region":
		return c.Storage.S3.Region
	case "storage.s3.endpoint":
		return c.Storage.S3.Endpoint
	case "storage.s3.prefix":
		return c.Storage.S3.Prefix
	case "storage.s3.access_key_id":
		return c.Storage.S3.AccessKeyID
	case "naming.require_name":
		return fmt.Sprint(c.Naming.NameRequired())
	case "naming.default_prefix":
		return c.Naming.DefaultPrefix
	case "audio.exclusive":
		return fmt.Sprint(c.Audio.IsExclusive())
	}
	return ""
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(source, profile string) string {
	switch source {
	case "":
		return "[unknown]"
	case config.SourceBuiltin:
		return "[built-in]"
	case profile:
		return "[profile-specific]"
	default:
		return "[inherited]"
	}
}
