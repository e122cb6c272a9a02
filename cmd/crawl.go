package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
)

func newCrawlCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs a single crawl job in the foreground",
		Long: `Starts one crawl job, waits for it to finish and prints the final job row
as JSON. SIGINT stops the job at the next item boundary.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("batch-size") {
				batchSize = e.cfg.Crawler.BatchSize
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("init application: %w", err)
			}
			defer a.Close()

			job, err := a.RunOnce(ctx, batchSize)
			if err != nil {
				return fmt.Errorf("run crawl: %w", err)
			}
			e.logger.Info("crawl command finished",
				zap.String("job_id", job.ID),
				zap.String("status", string(job.Status)),
				zap.Int("total_fetched", job.TotalFetched),
			)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(job); err != nil {
				return fmt.Errorf("print job: %w", err)
			}
			if job.Status == crawler.JobStatusFailed {
				return fmt.Errorf("crawl job %s failed", job.ID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0,
		fmt.Sprintf("recorded batch size (%d-%d); defaults to crawler.batch_size", crawler.MinBatchSize, crawler.MaxBatchSize))
	return cmd
}
