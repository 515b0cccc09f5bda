package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/conneroisu/attitude/internal/config"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/conneroisu/attitude/internal/rebuild"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Build the site once into dist",
	Long: `Parse the pages root and compile it into dist without serving. Compile
errors fail the command.

Examples:
  attitude build                      # Build ./pages into ./dist
  attitude build --clean              # Remove dist first
  attitude build --mode production    # Build for production`,
	RunE: runBuild,
}

var buildClean bool

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().BoolVar(&buildClean, "clean", false, "Remove the dist directory before building")
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	return build(cmd.Context(), cfg, newLogger(cfg), cmd.OutOrStdout(), buildClean)
}

func build(ctx context.Context, cfg *config.Config, logger logging.Logger, out io.Writer, clean bool) error {
	start := time.Now()
	if clean {
		if err := os.RemoveAll(cfg.Dist); err != nil {
			return fmt.Errorf("cleaning %s: %w", cfg.Dist, err)
		}
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(rebuild.Options{OneShot: true})
	if err != nil {
		return err
	}
	tree, err := orch.Build(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Built %d pages into %s in %s\n", tree.Len(), cfg.Dist, time.Since(start).Round(time.Millisecond))
	return nil
}
