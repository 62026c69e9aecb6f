package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/workflow"
)

// signalWorkflows makes review and consent commands signal the job's
// workflow so a halted run resumes.
var signalWorkflows bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker that drives jobs through the pipeline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := workflow.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		return workflow.RunWorker(ctx, c, cfg.Temporal.TaskQueue, &workflow.Activities{Pipeline: env.Pipeline})
	},
}

// signalWorkflow tells a job's workflow that outside state changed. It is
// best effort: the job may not have a running workflow.
func signalWorkflow(ctx context.Context, jobID, note string) {
	if !signalWorkflows {
		return
	}
	c, err := workflow.Dial(cfg.Temporal)
	if err != nil {
		zap.L().Warn("signal workflow: dial", zap.Error(err))
		return
	}
	defer c.Close()
	if err := workflow.Notify(ctx, c, jobID, note); err != nil {
		zap.L().Warn("signal workflow", zap.String("job_id", jobID), zap.Error(err))
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&signalWorkflows, "signal-workflow", false, "signal the job's workflow after review or consent changes")
	rootCmd.AddCommand(workerCmd)
}
