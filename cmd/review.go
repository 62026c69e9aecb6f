package main

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/review"
	"github.com/carepath/report-pipeline/internal/store"
	"github.com/carepath/report-pipeline/pkg/notion"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "List and decide clinician reviews",
}

// -- review list --

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reviews",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reviews, err := st.ListReviews(ctx, store.ReviewFilter{Status: model.ReviewStatus(status), Limit: limit})
		if err != nil {
			return eris.Wrap(err, "review list")
		}
		if len(reviews) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No reviews found.")
			return nil
		}
		formatReviewsList(cmd.OutOrStdout(), reviews)
		return nil
	},
}

// -- review approve / reject --

func decideCmd(use, short string, status model.ReviewStatus) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reviewer, _ := cmd.Flags().GetString("reviewer")
			note, _ := cmd.Flags().GetString("note")
			if reviewer == "" {
				return eris.New("--reviewer is required")
			}

			env, err := initPipeline(ctx, "pipeline")
			if err != nil {
				return err
			}
			defer env.Close()

			r, err := env.Pipeline.DecideReview(ctx, args[0], status, reviewer, note)
			if err != nil {
				return eris.Wrapf(err, "review %s", use)
			}
			signalWorkflow(ctx, r.JobID, "review "+string(r.Status))
			fmt.Fprintf(cmd.OutOrStdout(), "review for %s %s by %s\n", r.JobID, r.Status, r.Reviewer)
			return nil
		},
	}
	c.Flags().String("reviewer", "", "reviewer identity")
	c.Flags().String("note", "", "decision note")
	return c
}

var (
	reviewApproveCmd = decideCmd("approve", "Approve a job's report for delivery", model.ReviewApproved)
	reviewRejectCmd  = decideCmd("reject", "Reject a job's report", model.ReviewRejected)
)

// -- review sync --

var reviewSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Apply decisions from the Notion review database and push new reviews to it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if cfg.Notion.Token == "" {
			return eris.New("notion token is required (REPORT_NOTION_TOKEN)")
		}
		if cfg.Notion.ReviewDB == "" {
			return eris.New("notion review DB ID is required (REPORT_NOTION_REVIEW_DB)")
		}

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := (&review.NotionSync{
			Pages:   notion.Database{Client: env.Notion, ID: cfg.Notion.ReviewDB},
			Store:   env.Store,
			Decider: signallingDecider{env.Pipeline},
		}).Sync(ctx)
		if err != nil {
			return eris.Wrap(err, "review sync")
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

// signallingDecider signals the workflow after each applied decision.
type signallingDecider struct {
	review.Decider
}

func (d signallingDecider) DecideReview(ctx context.Context, jobID string, status model.ReviewStatus, reviewer, note string) (*model.Review, error) {
	r, err := d.Decider.DecideReview(ctx, jobID, status, reviewer, note)
	if err == nil {
		signalWorkflow(ctx, jobID, "review "+string(status))
	}
	return r, err
}

// -- review export / import --

var reviewExportCmd = &cobra.Command{
	Use:   "export <file.xlsx>",
	Short: "Write reviews to an XLSX workbook for offline decisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		status, _ := cmd.Flags().GetString("status")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := review.ExportXLSX(ctx, st, store.ReviewFilter{Status: model.ReviewStatus(status)}, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d reviews to %s\n", n, args[0])
		return nil
	},
}

var reviewImportCmd = &cobra.Command{
	Use:   "import <file.xlsx>",
	Short: "Apply the decisions filled into an exported workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := review.ImportXLSX(ctx, env.Store, signallingDecider{env.Pipeline}, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	reviewListCmd.Flags().String("status", "pending", "filter by status (pending, approved, rejected; empty for all)")
	reviewListCmd.Flags().Int("limit", 100, "max number of reviews to display")

	reviewExportCmd.Flags().String("status", "pending", "filter by status (empty for all)")

	reviewCmd.AddCommand(reviewListCmd, reviewApproveCmd, reviewRejectCmd, reviewSyncCmd, reviewExportCmd, reviewImportCmd)
	rootCmd.AddCommand(reviewCmd)
}
