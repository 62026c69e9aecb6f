package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/carepath/report-pipeline/internal/cost"
	"github.com/carepath/report-pipeline/internal/intake"
	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/pipeline"
	"github.com/carepath/report-pipeline/internal/store"
	"github.com/carepath/report-pipeline/internal/workflow"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Create, inspect and drive processing jobs",
}

// -- job create --

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job from an answers JSON file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		ref, _ := cmd.Flags().GetString("ref")
		qv, _ := cmd.Flags().GetString("questionnaire")
		answersPath, _ := cmd.Flags().GetString("answers")
		consent, _ := cmd.Flags().GetBool("consent")

		if ref == "" {
			return eris.New("--ref is required")
		}
		answers, err := readAnswers(cmd.InOrStdin(), answersPath)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Pipeline.CreateJob(ctx, ref, qv, answers)
		if err != nil {
			return eris.Wrap(err, "job create")
		}
		if consent {
			if err := env.Pipeline.SetConsent(ctx, job.ID, "", true); err != nil {
				return eris.Wrap(err, "job create: consent")
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), job.ID)
		return nil
	},
}

// readAnswers decodes a JSON object of answers from path, or stdin for "-".
func readAnswers(stdin io.Reader, path string) (model.Answers, error) {
	if path == "" {
		return nil, eris.New("--answers is required")
	}
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "open answers")
		}
		defer f.Close() //nolint:errcheck
		r = f
	}
	var answers model.Answers
	if err := json.NewDecoder(r).Decode(&answers); err != nil {
		return nil, eris.Wrap(err, "decode answers")
	}
	return answers, nil
}

// -- job list --

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		stage, _ := cmd.Flags().GetString("stage")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(status),
			Stage:  model.Stage(stage),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "job list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No jobs found.")
			return nil
		}
		formatJobsList(cmd.OutOrStdout(), jobs)
		return nil
	},
}

// -- job show --

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its artifacts and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "job show")
		}
		view := struct {
			Job       *model.ProcessingJob           `json:"job"`
			Artifacts map[string][]model.ArtifactRef `json:"artifacts"`
			Review    *model.Review                  `json:"review,omitempty"`
			Usage     cost.Usage                     `json:"usage"`
			Audit     []model.AuditEvent             `json:"audit"`
		}{Job: job, Artifacts: map[string][]model.ArtifactRef{}}

		var safety []model.SafetyPayload
		for _, kind := range model.ArtifactKinds() {
			list, err := st.ListArtifacts(ctx, kind, job.ID)
			if err != nil {
				return eris.Wrap(err, "job show: artifacts")
			}
			for _, a := range list {
				view.Artifacts[string(kind)] = append(view.Artifacts[string(kind)], a.ArtifactRef)
				if kind != model.KindSafetyResult {
					continue
				}
				var p model.SafetyPayload
				if err := json.Unmarshal(a.Payload, &p); err != nil {
					return eris.Wrapf(err, "job show: decode safety result %s", a.ID)
				}
				safety = append(safety, p)
			}
		}
		view.Usage = cost.NewCalculator(cfg.Pricing.Anthropic).SafetyUsage(safety)
		review, err := st.GetReview(ctx, job.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return eris.Wrap(err, "job show: review")
		default:
			view.Review = review
		}
		if view.Audit, err = st.ListAudit(ctx, job.ID); err != nil {
			return eris.Wrap(err, "job show: audit")
		}
		return printJSON(cmd.OutOrStdout(), view)
	},
}

// -- job advance / run --

var jobAdvanceCmd = &cobra.Command{
	Use:   "advance <job-id>",
	Short: "Run the job's current stage once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Pipeline.Advance(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "job advance")
		}
		formatOutcome(cmd.OutOrStdout(), out)
		return nil
	},
}

var jobRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Advance the job until it completes or halts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Pipeline.Run(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "job run")
		}
		formatOutcome(cmd.OutOrStdout(), out)
		return nil
	},
}

// -- job stage --

var jobStageCmd = &cobra.Command{
	Use:   "stage <job-id> <stage>",
	Short: "Run one named stage (risk, ranking, content, results, validation, safety, render, delivery)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		promptVersion, _ := cmd.Flags().GetString("prompt-version")

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.RunStage(ctx, args[0], args[1], promptVersion)
		var oe *pipeline.OutcomeError
		if errors.As(err, &oe) {
			formatOutcome(cmd.OutOrStdout(), oe.Outcome)
			return err
		}
		if err != nil {
			return eris.Wrap(err, "job stage")
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

// -- job retry --

var jobRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-arm a failed job at the stage that failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Pipeline.Retry(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "job retry")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s re-armed at %s\n", job.ID, job.Stage)
		return nil
	},
}

// -- job consent --

var jobConsentCmd = &cobra.Command{
	Use:   "consent <job-id>",
	Short: "Record notification consent for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		channel, _ := cmd.Flags().GetString("channel")
		revoke, _ := cmd.Flags().GetBool("revoke")

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Pipeline.SetConsent(ctx, args[0], channel, !revoke); err != nil {
			return eris.Wrap(err, "job consent")
		}
		signalWorkflow(ctx, args[0], "consent updated")
		return nil
	},
}

// -- job start --

var jobStartCmd = &cobra.Command{
	Use:   "start <job-id>",
	Short: "Hand a job to the durable workflow worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		wait, _ := cmd.Flags().GetDuration("wait-timeout")
		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		c, err := workflow.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		runID, err := workflow.Start(ctx, c, cfg.Temporal.TaskQueue, workflow.Input{
			JobID:       args[0],
			MaxSteps:    cfg.Temporal.MaxSteps,
			WaitTimeout: wait,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", workflow.WorkflowID(args[0]), runID)
		return nil
	},
}

// -- job import --

var jobImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create jobs from a CSV, XLSX or JSON file of assessments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		run, _ := cmd.Flags().GetBool("run")

		items, err := intake.ReadFile(ctx, args[0])
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := intake.Import(ctx, env.Pipeline, items)
		if err != nil {
			return eris.Wrap(err, "job import")
		}
		if run {
			for _, id := range res.Created {
				out, err := env.Pipeline.Run(ctx, id)
				if err != nil {
					return eris.Wrapf(err, "job import: run %s", id)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", id)
				formatOutcome(cmd.ErrOrStderr(), out)
			}
		}
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return eris.Errorf("job import: %d of %d rows failed", len(res.Errors), len(items))
		}
		return nil
	},
}

func init() {
	jobCreateCmd.Flags().String("ref", "", "assessment reference")
	jobCreateCmd.Flags().String("questionnaire", "", "questionnaire version")
	jobCreateCmd.Flags().String("answers", "", "answers JSON file, or - for stdin")
	jobCreateCmd.Flags().Bool("consent", false, "record consent on the configured delivery channel")

	jobListCmd.Flags().String("status", "", "filter by status (pending, in_progress, completed, failed)")
	jobListCmd.Flags().String("stage", "", "filter by stage")
	jobListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobStageCmd.Flags().String("prompt-version", "", "prompt version for the results stage")

	jobConsentCmd.Flags().String("channel", "", "notification channel (default from config)")
	jobConsentCmd.Flags().Bool("revoke", false, "record consent as withdrawn")

	jobStartCmd.Flags().Duration("wait-timeout", 24*time.Hour, "how long a halted workflow waits for a review or consent signal")

	jobImportCmd.Flags().Bool("run", false, "run each created job after import")

	jobCmd.AddCommand(jobCreateCmd, jobListCmd, jobShowCmd, jobAdvanceCmd, jobRunCmd,
		jobStageCmd, jobRetryCmd, jobConsentCmd, jobStartCmd, jobImportCmd)
	rootCmd.AddCommand(jobCmd)
}
