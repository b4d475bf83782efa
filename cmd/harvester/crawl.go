package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Sriram-PR/harvester/pkg/config"
	"github.com/Sriram-PR/harvester/pkg/crawler"
	"github.com/Sriram-PR/harvester/pkg/fetch"
	hlog "github.com/Sriram-PR/harvester/pkg/log"
	"github.com/Sriram-PR/harvester/pkg/metrics"
	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/storage"
)

const (
	gcInterval       = 10 * time.Minute
	evictionInterval = 5 * time.Minute
	forceExitAfter   = 30 * time.Second
)

func newCrawlCmd(opts *options, isResume bool) *cobra.Command {
	use, short := "crawl", "Start a fresh crawl"
	if isResume {
		use, short = "resume", "Resume an interrupted crawl from its saved snapshot"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := hlog.New(opts.logLevel, cmd.ErrOrStderr())
			_, err := executeCrawl(cmd.Context(), opts, isResume, logger)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. localhost:9090 (disabled by default)")
	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "Crawl without downloading or writing anything")
	return cmd
}

// executeCrawl runs one crawl project to completion and returns its
// terminal report.
func executeCrawl(ctx context.Context, opts *options, isResume bool, logger *logrus.Logger) (models.CrawlStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	// --- Load Configuration ---
	logger.Infof("Loading configuration from %s", opts.configFile)
	cfg, err := config.LoadConfig(opts.configFile)
	if err != nil {
		return models.CrawlStats{}, err
	}
	if opts.simulate {
		cfg.Simulate = true
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return models.CrawlStats{}, err
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	log := logger.WithField("project", cfg.Project)

	crawlCtx, cancelCrawl := context.WithCancel(ctx)
	defer cancelCrawl()

	// --- State Store ---
	store, err := storage.NewBadgerStore(cfg.StateDir, log.WithField("component", "storage"))
	if err != nil {
		return models.CrawlStats{}, fmt.Errorf("opening state store: %w", err)
	}
	defer func() {
		cancelCrawl()
		if cerr := store.Close(); cerr != nil {
			log.Errorf("Closing state store: %v", cerr)
		}
	}()
	go store.RunGC(crawlCtx, gcInterval)

	// --- Transport ---
	conn := fetch.NewHTTPConnector(cfg, log.WithField("component", "fetch"))
	go conn.Servers().RunEviction(crawlCtx, evictionInterval)

	// --- Metrics ---
	var sinks []models.StatsSink
	if opts.metricsAddr != "" {
		sink := metrics.NewPrometheusSink("")
		sinks = append(sinks, sink)
		srv := serveMetrics(opts.metricsAddr, sink.Handler(), log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sched, err := crawler.NewScheduler(cfg, crawler.Deps{
		Connector: conn,
		Persist:   store,
		Sinks:     sinks,
	}, log.WithField("component", "crawler"))
	if err != nil {
		return models.CrawlStats{}, err
	}

	if isResume {
		snap, err := store.LoadPoolSnapshot(cfg.Project)
		if err != nil {
			return models.CrawlStats{}, fmt.Errorf("loading resume snapshot: %w", err)
		}
		if snap == nil {
			log.Warn("No saved snapshot for this project, starting a fresh crawl")
		} else {
			log.WithFields(logrus.Fields{
				"scheduled":   len(snap.Scheduled),
				"outstanding": len(snap.Outstanding()),
			}).Info("Resuming from snapshot")
			sched.Resume(snap)
		}
	}

	stopSignals := handleSignals(sched, log)
	defer stopSignals()

	log.WithField("run_id", sched.RunID()).Info("Starting crawl")
	stats, err := sched.Run(crawlCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return stats, err
	}
	return stats, nil
}

// handleSignals terminates the crawl on SIGINT/SIGTERM. A second signal,
// or a shutdown that outlasts forceExitAfter, exits the process.
func handleSignals(sched *crawler.Scheduler, log *logrus.Entry) func() {
	sigChan := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-done:
			return
		}
		log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
		sched.Terminate("interrupted")

		select {
		case sig = <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(forceExitAfter):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// serveMetrics starts the Prometheus endpoint in the background
func serveMetrics(addr string, handler http.Handler, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infof("Serving metrics at http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server error: %v", err)
		}
	}()
	return srv
}
