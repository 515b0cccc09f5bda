package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/conneroisu/attitude/internal/config"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/conneroisu/attitude/internal/metrics"
	"github.com/conneroisu/attitude/internal/rebuild"
	"github.com/conneroisu/attitude/internal/server"
	"github.com/conneroisu/attitude/internal/watcher"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Build the site, serve it and rebuild on change",
	Long: `Parse the pages root, compile it and serve the result. File changes are
aggregated and trigger a recompile, or a full re-parse when pages are added,
removed or reconfigured.

Examples:
  attitude serve                     # Serve ./pages on localhost:8080
  attitude serve --port 3000         # Serve on another port
  attitude serve --mode production   # Serve the build output`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	serveCmd.Flags().Bool("no-watch", false, "Serve without watching for changes")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if noWatch, _ := cmd.Flags().GetBool("no-watch"); noWatch {
		cfg.Watch.Enabled = false
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, newLogger(cfg))
}

// serve runs the development server until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	var (
		recorder metrics.Recorder = metrics.NopRecorder{}
		registry *metrics.PrometheusRecorder
	)
	srvOpts := server.Options{
		Production: cfg.Production(),
		Dist:       cfg.Dist,
		Public:     cfg.PublicDir,
		Documents:  documents,
		LiveReload: cfg.Server.LiveReload && cfg.Watch.Enabled,
		Logger:     logger,
	}
	if cfg.Server.Metrics {
		registry = metrics.NewPrometheusRecorder(nil)
		recorder = registry
		srvOpts.Metrics = metrics.HTTPHandler(registry.Registry())
	}
	srv := server.New(srvOpts)

	var (
		agg *watcher.Aggregator
		fsw *watcher.FSWatcher
	)
	if cfg.Watch.Enabled {
		agg = watcher.NewAggregator(cfg.Watch.AggregateTimeout, clockwork.NewRealClock(), logger)
		defer agg.Close()

		noWatch, err := config.CompilePatterns(cfg.Pages.NoWatch)
		if err != nil {
			return err
		}
		ignore, err := config.CompilePatterns(cfg.Pages.Ignore)
		if err != nil {
			return err
		}
		fsw, err = watcher.NewFSWatcher(agg, watcher.FSOptions{
			Filters:    []watcher.FileFilter{watcher.NoGitFilter, watcher.NoWatchFilter(noWatch)},
			DirFilters: []watcher.FileFilter{watcher.NoWatchFilter(ignore)},
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer fsw.Close()
	}

	orch, err := a.orchestrator(rebuild.Options{
		Aggregator: agg,
		Mounter:    srv,
		Reloader:   srv,
		Metrics:    recorder,
	})
	if err != nil {
		return err
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}
	if fsw != nil {
		if err := fsw.AddRecursive(cfg.Root); err != nil {
			orch.Stop()
			return err
		}
		fsw.Start(ctx)
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	fmt.Printf("Serving %s at http://%s\n", cfg.Root, addr)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errc:
		orch.Stop()
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	stopWatching(fsw, agg)
	orch.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errc
}

// stopWatching closes the file watcher, then the aggregator, so no pending
// tick fires while the orchestrator stops.
func stopWatching(fsw *watcher.FSWatcher, agg *watcher.Aggregator) {
	if fsw != nil {
		_ = fsw.Close()
	}
	if agg != nil {
		agg.Close()
	}
}
