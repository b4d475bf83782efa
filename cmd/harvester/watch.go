package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Sriram-PR/harvester/pkg/config"
	hlog "github.com/Sriram-PR/harvester/pkg/log"
	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/watch"
)

func newWatchCmd(opts *options) *cobra.Command {
	var interval string
	var keep int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Refresh the mirror on a schedule",
		Long: "Re-crawl the project every interval. Unchanged resources are skipped through the cache, " +
			"and an interrupted run is resumed from its snapshot on the next tick.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := hlog.New(opts.logLevel, cmd.ErrOrStderr())

			every, err := watch.ParseInterval(interval)
			if err != nil {
				return err
			}
			cfg, err := config.LoadConfig(opts.configFile)
			if err != nil {
				return err
			}
			if _, err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logger.WithFields(logrus.Fields{"project": cfg.Project, "component": "watch"})
			state := watch.NewStateManager(cfg.StateDir, cfg.Project, keep)
			crawl := func(ctx context.Context) (models.CrawlStats, error) {
				return executeCrawl(ctx, opts, true, logger)
			}
			runner, err := watch.NewRunner(every, crawl, state, log)
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&interval, "interval", "24h", "Crawl interval (e.g., 30m, 1h, 24h, 7d)")
	cmd.Flags().IntVar(&keep, "keep", 10, "Number of past runs kept in the watch history")
	return cmd
}
