// Command sorter runs the document classification pipeline from the command
// line. Exit codes: 0 the run completed (document-level failures are reported
// in the summary, not the exit code), 1 the run could not start or finish,
// 2 the configuration is invalid.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paperless-kiplus/sorter/internal/bootstrap"
	"github.com/paperless-kiplus/sorter/internal/config"
	"github.com/paperless-kiplus/sorter/internal/core/ports"
	natstrigger "github.com/paperless-kiplus/sorter/internal/infrastructure/trigger/nats"
	"github.com/paperless-kiplus/sorter/internal/observability/logging"
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

// defaultConfigPath prefers the environment over the built-in name so the
// host automation can point both binaries at its own config location.
func defaultConfigPath() string {
	if path := os.Getenv("PAPERLESS_SORTER_CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}

func run() int {
	exitCode := exitOK
	var configPath string

	root := &cobra.Command{
		Use:           "sorter",
		Short:         "AI classification for Paperless-ngx documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the YAML configuration file")

	root.AddCommand(newRunCommand(&configPath, &exitCode))
	root.AddCommand(newTriggerCommand(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if exitCode == exitOK {
			exitCode = exitFatal
		}
	}
	return exitCode
}

func newRunCommand(configPath *string, exitCode *int) *cobra.Command {
	var (
		dryRun       bool
		allDocuments bool
		maxDocuments int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one classification run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				*exitCode = exitConfig
				return err
			}

			logger := logging.NewTextLogger(cfg.LogLevel)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
				Logger: logger,
				Output: os.Stdout,
			})
			if err != nil {
				*exitCode = exitFatal
				return err
			}
			defer app.Close()

			overrides := ports.RunOverrides{}
			if cmd.Flags().Changed("dry-run") {
				overrides.DryRun = &dryRun
			}
			if cmd.Flags().Changed("all-documents") {
				overrides.AllDocuments = &allDocuments
			}
			if cmd.Flags().Changed("max-documents") {
				overrides.MaxDocuments = &maxDocuments
			}

			summary, err := app.Pipeline.Run(ctx, overrides)
			if err != nil {
				*exitCode = exitFatal
				return err
			}
			if summary.Errored > 0 {
				slog.Warn("run finished with document errors", "errored", summary.Errored)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview changes without writing to the document store")
	cmd.Flags().BoolVar(&allDocuments, "all-documents", false, "ignore the filter tag and the already-classified heuristic")
	cmd.Flags().IntVar(&maxDocuments, "max-documents", 0, "override the maximum number of documents for this run")
	return cmd
}

func newTriggerCommand(configPath *string) *cobra.Command {
	var (
		force bool
		wait  bool
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running worker to start a classification run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Trigger.NATSURL == "" {
				return fmt.Errorf("trigger.nats_url is not configured")
			}

			logger := logging.NewTextLogger(cfg.LogLevel)
			slog.SetDefault(logger)

			trigger, err := natstrigger.New(cfg.Trigger.NATSURL, cfg.Trigger.Subject)
			if err != nil {
				return err
			}
			defer trigger.Close()

			result, err := trigger.Publish(cmd.Context(), ports.TriggerRequest{
				Force: force,
				Wait:  wait,
			})
			if err != nil {
				return err
			}

			fmt.Printf("status: %s\n", result.Status)
			if result.Message != "" {
				fmt.Printf("message: %s\n", result.Message)
			}
			if result.Summary != nil {
				fmt.Printf("scanned=%d updated=%d skipped=%d errored=%d\n",
					result.Summary.Scanned, result.Summary.Updated,
					result.Summary.Skipped, result.Summary.Errored)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "bypass the worker's cooldown window")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to finish and print its result")
	return cmd
}
