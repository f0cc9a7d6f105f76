// Command redikv is a standalone entrypoint around the persistence core: it
// loads configuration, recovers a dataset from the snapshot file, and
// exposes the SAVE/BGSAVE/LASTSAVE surface a RESP command layer would
// otherwise expose to clients. It never parses RESP itself; a real command
// layer is expected to call the same persistence.Manager methods these
// subcommands do.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/redikv/redikv/internal/config"
	"github.com/redikv/redikv/internal/store"
	"github.com/redikv/redikv/persistence"
)

var configFile string

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "redikv",
		Short: "redikv persistence core: snapshot, recover, and save-policy CLI",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a redikv.yaml config file")

	root.AddCommand(buildServeCommand())
	root.AddCommand(buildSaveCommand())
	root.AddCommand(buildBGSaveCommand())
	root.AddCommand(buildLastSaveCommand())
	return root
}

func buildServeCommand() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "recover the dataset, then run the background save-policy loop until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9121 (disabled if empty)")
	return cmd
}

func buildSaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "recover the dataset, then perform one synchronous save (SAVE)",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := bootstrap()
			if err != nil {
				return err
			}
			mgr.Start()
			if err := mgr.Save(); err != nil {
				return fmt.Errorf("save: %w", err)
			}
			fmt.Println("OK")
			return nil
		},
	}
}

func buildBGSaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bgsave",
		Short: "recover the dataset, then perform one background save (BGSAVE)",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := bootstrap()
			if err != nil {
				return err
			}
			mgr.Start()
			msg, err := mgr.BGSave()
			if err != nil {
				return fmt.Errorf("bgsave: %w", err)
			}
			fmt.Println(msg)
			// Wait for the background save to land before the process exits;
			// Shutdown's wait-for-in-flight-saves step does exactly this.
			return mgr.Shutdown()
		},
	}
}

func buildLastSaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lastsave",
		Short: "report the Unix-seconds timestamp of the last save (LASTSAVE)",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := bootstrap()
			if err != nil {
				return err
			}
			mgr.Start()
			fmt.Println(mgr.LastSave())
			return nil
		},
	}
}

// bootstrap loads config, ensures the data directory, creates a store,
// recovers it from the snapshot file, and wires a Manager. It's shared by
// every subcommand so each behaves identically on startup recovery.
func bootstrap() (*persistence.Manager, *store.Store, error) {
	logger := log.Default()

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		// Directory-create failure at startup is fatal.
		return nil, nil, err
	}

	st := store.New()
	loader := persistence.NewRecoveryLoader(logger)
	outcome := loader.Recover(cfg.SnapshotPath(), st, time.Now().UnixMilli())
	switch outcome.Kind {
	case persistence.OutcomeNoFile:
		logger.Info("no snapshot file found, starting empty", "path", cfg.SnapshotPath())
	case persistence.OutcomeCorrupted:
		logger.Warn("snapshot corrupted, starting empty", "path", cfg.SnapshotPath(), "reason", outcome.Reason)
	case persistence.OutcomeRestored:
		logger.Info("recovered dataset", "keys", outcome.Keys)
	}

	snap := persistence.NewSnapshotter(cfg.SnapshotPath(), cfg.CodecOptions(), logger, nil)
	mgr := persistence.NewManager(st, snap, persistence.Config{
		Enabled:    cfg.RDBEnabled,
		SavePolicy: cfg.SavePolicy(),
		Logger:     logger,
		MetricsReg: prometheus.DefaultRegisterer,
	})
	return mgr, st, nil
}

func runServe(metricsAddr string) error {
	logger := log.Default()
	mgr, _, err := bootstrap()
	if err != nil {
		return err
	}
	mgr.Start()
	logger.Info("persistence manager running")

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		logger.Info("metrics server listening", "addr", metricsAddr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutdown requested")
	if srv != nil {
		_ = srv.Close()
	}
	if err := mgr.Shutdown(); err != nil {
		logger.Error("final save failed", "err", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
