package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"crmsync/internal/audit"
	"crmsync/internal/config"
	"crmsync/internal/logging"
	"crmsync/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{}
	err := newRootCommand(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// app carries what every command needs. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *audit.Store
	logLevel string
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crmsync",
		Short:         "Synchronize the point-of-sale dataset into the CRM",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
	}
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug|info|warn|error (overrides LOG_LEVEL)")

	cmd.AddCommand(
		newFullSyncCommand(a),
		newRecentSyncCommand(a),
		newMergeCommand(a),
		newWatchCommand(a),
		newAuditExportCommand(a),
		newRunsListCommand(a),
	)
	return cmd
}

func (a *app) open() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	store, err := audit.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	a.cfg, a.logger, a.store = cfg, logger, store
	return nil
}

// close flushes metrics and releases the store. It is a no-op when open
// never ran.
func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := metrics.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
		a.logger.Warn("metrics textfile write failed", zap.String("path", a.cfg.MetricsTextfile), zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("audit store close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
