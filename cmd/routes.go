package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/conneroisu/attitude/internal/config"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/conneroisu/attitude/internal/pagetree"
	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the route table",
	Long: `Parse the pages root and print the routes in mount order: non-greedy
routes first, then greedy ones.

Examples:
  attitude routes                 # Table output
  attitude routes --format json   # JSON output`,
	RunE: runRoutes,
}

var routesFormat string

func init() {
	rootCmd.AddCommand(routesCmd)

	routesCmd.Flags().StringVarP(&routesFormat, "format", "f", "table", "Output format (table, json)")
}

func runRoutes(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	return printRoutes(cmd.Context(), cfg, newLogger(cfg), cmd.OutOrStdout(), routesFormat)
}

func printRoutes(ctx context.Context, cfg *config.Config, logger logging.Logger, out io.Writer, format string) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	tree, err := a.parser.Parse(ctx)
	if err != nil {
		return err
	}
	routes := pagetree.SortRoutes(tree.Routes())

	switch format {
	case "json":
		rows := make([]any, 0, len(routes))
		for _, r := range routes {
			rows = append(rows, map[string]any{
				"route":  r.Pattern,
				"page":   displayPath(r.Page),
				"entry":  r.Page.EntryName,
				"greedy": r.Greedy,
			})
		}
		_, err := fmt.Fprintln(out, oj.JSON(rows, &ojg.Options{Sort: true, Indent: 2}))
		return err
	case "table":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ROUTE\tPAGE\tENTRY")
		for _, r := range routes {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.Pattern, displayPath(r.Page), r.Page.EntryName)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (supported: table, json)", format)
	}
}

func displayPath(p *pagetree.Page) string {
	if p.RelativePath == "" {
		return "."
	}
	return p.RelativePath
}
