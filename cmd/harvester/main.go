package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sriram-PR/harvester/pkg/config"
)

const version = "1.0.0"

// options are the flags shared by every subcommand
type options struct {
	configFile  string
	logLevel    string
	metricsAddr string
	simulate    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd returns the root command for the harvester CLI
func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "harvester",
		Short:         "harvester - multithreaded website mirroring crawler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "project.yaml", "Path to project config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newCrawlCmd(opts, false))
	rootCmd.AddCommand(newCrawlCmd(opts, true))
	rootCmd.AddCommand(newWatchCmd(opts))
	rootCmd.AddCommand(newValidateCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "harvester %s\n", version)
			return nil
		},
	}
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a project config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doValidate(opts.configFile, cmd.OutOrStdout())
		},
	}
}

// doValidate loads the config at path and prints its warnings and the
// effective settings the crawl would run with.
func doValidate(path string, out io.Writer) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintf(out, "WARN: %s\n", w)
	}

	fmt.Fprintf(out, "Project:     %s\n", cfg.Project)
	fmt.Fprintf(out, "Start URLs:  %d\n", len(cfg.StartURLs))
	fmt.Fprintf(out, "Depth:       %d (external: %d, fetch level: %d)\n", cfg.MaxDepth(), cfg.ExternalDepth(), cfg.FetchLevel)
	fmt.Fprintf(out, "Trackers:    %d crawlers, %d fetchers (max %d)\n", cfg.NumCrawlers, cfg.NumFetchers, cfg.MaxTrackers)
	if cfg.NumWorkers > 0 {
		fmt.Fprintf(out, "Workers:     %d (parts: %d)\n", cfg.NumWorkers, cfg.NumParts)
	} else {
		fmt.Fprintln(out, "Workers:     disabled")
	}
	fmt.Fprintln(out, "\nConfiguration valid.")
	return nil
}
