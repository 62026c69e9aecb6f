package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/carepath/report-pipeline/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline health: job outcomes, review backlog and delivery failures",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		hours, _ := cmd.Flags().GetInt("lookback")
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		alerts := monitoring.NewAlerter(cfg.Monitoring).Evaluate(snap)

		if asJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{"snapshot": snap, "alerts": alerts})
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Jobs (last %dh): %d total, %d completed, %d failed, %d in progress, %d pending\n",
			snap.LookbackHours, snap.JobsTotal, snap.JobsCompleted, snap.JobsFailed, snap.JobsInProgress, snap.JobsPending)
		fmt.Fprintf(w, "Failure rate: %.1f%%\n", snap.JobFailRate*100)
		fmt.Fprintf(w, "Reviews pending: %d\n", snap.ReviewsPending)
		fmt.Fprintf(w, "Notifications: %d pending, %d sent, %d failed\n",
			snap.NotificationsPending, snap.NotificationsSent, snap.NotificationsFailed)
		for _, a := range alerts {
			fmt.Fprintf(w, "ALERT [%s] %s: %s\n", a.Severity, a.Kind, a.Summary)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("lookback", 24, "lookback window in hours")
	statusCmd.Flags().Bool("json", false, "print the snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}
