package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"crmsync/internal/audit"
	"crmsync/internal/crm"
	"crmsync/internal/media"
	"crmsync/internal/runlock"
	"crmsync/internal/schema"
	"crmsync/internal/source"
	"crmsync/internal/syncer"
	"crmsync/internal/util"
	"crmsync/internal/watch"
)

// syncService wires a sync service from the loaded config. The returned
// func releases the run lock connection.
func (a *app) syncService(ctx context.Context) (*syncer.Service, func(), error) {
	s, err := schema.Load(a.cfg.SchemaPath)
	if err != nil {
		return nil, nil, err
	}
	if err := a.cfg.RequireSource(); err != nil {
		return nil, nil, err
	}
	client, err := crm.NewClient(ctx, a.cfg, s, a.logger)
	if err != nil {
		return nil, nil, err
	}
	locker, err := runlock.New(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, nil, err
	}

	svc := syncer.NewService(syncer.Deps{
		Config: a.cfg,
		Schema: s,
		Source: source.NewClient(a.cfg, a.logger),
		CRM:    client,
		Media:  media.NewFetcher(a.cfg.MediaTimeout, a.cfg.MediaMaxBytes),
		Store:  a.store,
		Locker: locker,
		Logger: a.logger,
	})
	return svc, func() { _ = locker.Close() }, nil
}

func printResult(cmd *cobra.Command, what string, res syncer.Result) {
	keys := make([]string, 0, len(res.Counts))
	for k := range res.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, res.Counts[k]))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s complete run=%s %s\n", what, res.RunID, strings.Join(parts, " "))
}

func newFullSyncCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync:full",
		Short: "Import the whole dataset and upsert every receipt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, release, err := a.syncService(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			res, err := svc.FullSync(cmd.Context())
			if err != nil {
				return err
			}
			printResult(cmd, "full sync", res)
			return nil
		},
	}
}

func newRecentSyncCommand(a *app) *cobra.Command {
	var lookback time.Duration
	cmd := &cobra.Command{
		Use:   "sync:recent",
		Short: "Upsert receipts sold within the lookback window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, release, err := a.syncService(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			res, err := svc.RecentSync(cmd.Context(), lookback)
			if err != nil {
				return err
			}
			printResult(cmd, "recent sync", res)
			return nil
		},
	}
	cmd.Flags().DurationVar(&lookback, "lookback", 0, "window to sync, e.g. 6h (default RECENT_LOOKBACK)")
	return cmd
}

func newMergeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deals:merge",
		Short: "Merge deals sharing receipt number and sale date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, release, err := a.syncService(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			res, err := svc.MergeDeals(cmd.Context())
			if err != nil {
				return err
			}
			printResult(cmd, "merge", res)
			return nil
		},
	}
}

func newWatchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run a recent sync every WATCH_INTERVAL until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, release, err := a.syncService(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			w := watch.NewService(svc, a.cfg.WatchInterval, a.cfg.RecentLookback, a.cfg.MetricsTextfile, a.logger)
			return w.Run(cmd.Context())
		},
	}
}

func newAuditExportCommand(a *app) *cobra.Command {
	var (
		out   string
		typ   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "audit:export",
		Short: "Export the audit log to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := audit.Filter{Limit: limit}
			if typ != "" {
				t, err := audit.ParseType(typ)
				if err != nil {
					return err
				}
				filter.Type = t
			}
			out = util.FirstNonEmpty(out, filepath.Join(a.cfg.OutputDir, fmt.Sprintf("audit_%s.xlsx", time.Now().Format("20060102_150405"))))
			entries, err := a.store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if err := audit.ExportXLSX(entries, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d audit entries to %s\n", len(entries), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output xlsx path (default OUTPUT_DIR/audit_<time>.xlsx)")
	cmd.Flags().StringVar(&typ, "type", "", "only entries of this type, e.g. photo_error")
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries, 0 for all")
	return cmd
}

func newRunsListCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs:list",
		Short: "Show the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := a.store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range runs {
				line := fmt.Sprintf("%s  %-6s  %-9s  %8s  %s",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Kind, r.Status,
					r.Duration.Round(time.Second), r.RunID)
				if r.Error != "" {
					line += "  error: " + r.Error
				}
				fmt.Fprintln(w, line)
			}
			last, err := a.store.GetMetadata(cmd.Context(), syncer.LastRecentKey)
			if err != nil {
				return err
			}
			if last != nil {
				fmt.Fprintf(w, "last recent sync: %s\n", *last)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}
