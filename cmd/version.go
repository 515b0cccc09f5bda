package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/conneroisu/attitude/internal/version"
	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"
)

var (
	versionFormat string
	versionShort  bool
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display version information for attitude.

Examples:
  attitude version               # Show version info
  attitude version --short       # Show short version
  attitude version --format json # Output as JSON`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeVersion(cmd.OutOrStdout(), versionFormat, versionShort)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringVarP(&versionFormat, "format", "f", "text", "Output format (text, json)")
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show short version only")
}

func writeVersion(out io.Writer, format string, short bool) error {
	info := version.GetBuildInfo()

	switch format {
	case "json":
		_, err := fmt.Fprintln(out, oj.JSON(map[string]any{
			"version":    info.Version,
			"git_commit": info.GitCommit,
			"build_time": info.BuildTime.Format(time.RFC3339),
			"go_version": info.GoVersion,
			"platform":   info.Platform,
			"is_release": version.IsRelease(),
			"is_dirty":   info.Dirty,
		}, &ojg.Options{Sort: true, Indent: 2}))
		return err
	case "text":
	default:
		return fmt.Errorf("unsupported format: %s (supported: text, json)", format)
	}

	if short {
		_, err := fmt.Fprintln(out, version.GetShortVersion())
		return err
	}

	fmt.Fprintf(out, "attitude %s", info.Version)
	if info.GitCommit != "unknown" && len(info.GitCommit) >= 7 {
		fmt.Fprintf(out, " (%s)", info.GitCommit[:7])
	}
	if info.Dirty {
		fmt.Fprint(out, " (dirty)")
	}
	fmt.Fprintln(out)
	if !info.BuildTime.IsZero() {
		fmt.Fprintf(out, "Built: %s\n", info.BuildTime.Format("2006-01-02 15:04:05 UTC"))
	}
	fmt.Fprintf(out, "Go: %s\n", info.GoVersion)
	fmt.Fprintf(out, "Platform: %s\n", info.Platform)
	return nil
}
