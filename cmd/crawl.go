package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/logging"
	"github.com/JakeFAU/crawl-orchestrator/internal/server"
)

type crawlOptions struct {
	targets          []string
	maxChildren      int
	maxGrandchildren int
	pacingDelay      time.Duration
	timeout          time.Duration
	maxRetries       int
	failureThreshold int
	concurrency      int
}

func (o crawlOptions) taskConfig() crawler.TaskConfig {
	return crawler.TaskConfig{
		Limits: crawler.CrawlLimits{
			MaxChildren:      o.maxChildren,
			MaxGrandchildren: o.maxGrandchildren,
			PacingDelay:      o.pacingDelay,
		},
		Timeout:                     o.timeout,
		MaxRetries:                  o.maxRetries,
		ConsecutiveFailureThreshold: o.failureThreshold,
		Concurrency:                 o.concurrency,
	}
}

// newCrawlCmd runs one task in-process and prints its final status as JSON.
func newCrawlCmd() *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a list of targets once and print the task result",
		Long: `Runs a single crawl task without starting the HTTP server. Each target is
crawled through the configured API client; the final task status is printed as
JSON. Interrupting the command stops the task after the target in flight.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			view, err := server.CrawlOnce(ctx, cfg, logger, opts.targets, opts.taskConfig())
			if err != nil {
				return err
			}
			logger.Info("crawl finished",
				zap.String("task_id", view.ID),
				zap.String("status", string(view.Status)),
				zap.Duration("duration", view.Duration),
			)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(view); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			if view.Status != crawler.TaskStatusCompleted {
				return fmt.Errorf("task %s finished with status %s: %s", view.ID, view.Status, view.Reason)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&opts.targets, "targets", nil, "comma-separated target ids (required)")
	flags.IntVar(&opts.maxChildren, "max-children", 100, "children to fetch per target")
	flags.IntVar(&opts.maxGrandchildren, "max-grandchildren", 50, "grandchildren to fetch per child; 0 skips the level")
	flags.DurationVar(&opts.pacingDelay, "pacing-delay", 0, "minimum delay between grandchild listings")
	flags.DurationVar(&opts.timeout, "timeout", 0, "overall task timeout; 0 disables it")
	flags.IntVar(&opts.maxRetries, "max-retries", 0, "retries per API call; 0 keeps the client default")
	flags.IntVar(&opts.failureThreshold, "failure-threshold", 0, "consecutive target failures that abort the task; 0 uses the configured default")
	flags.IntVar(&opts.concurrency, "concurrency", 1, "targets crawled in parallel")
	_ = cmd.MarkFlagRequired("targets")
	return cmd
}
