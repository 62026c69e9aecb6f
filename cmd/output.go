package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/carepath/report-pipeline/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatJobsList(w io.Writer, jobs []model.ProcessingJob) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tASSESSMENT\tSTAGE\tSTATUS\tERROR\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID,
			j.AssessmentRef,
			j.Stage,
			j.Status,
			j.ErrorCode,
			j.UpdatedAt.Format(time.RFC3339),
		)
	}
	tw.Flush() //nolint:errcheck
}

func formatReviewsList(w io.Writer, reviews []model.Review) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tREASONS\tREVIEWER\tREQUESTED")
	for _, r := range reviews {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.JobID,
			r.Status,
			strings.Join(r.Reasons, ","),
			r.Reviewer,
			r.CreatedAt.Format(time.RFC3339),
		)
	}
	tw.Flush() //nolint:errcheck
}

func formatOutcome(w io.Writer, out *model.StageOutcome) {
	fmt.Fprintf(w, "stage=%s status=%s next=%s", out.Stage, out.Status, out.NextStage)
	if out.ErrorCode != "" {
		fmt.Fprintf(w, " error=%s", out.ErrorCode)
	}
	if out.ReviewRequired {
		fmt.Fprint(w, " review_required=true")
	}
	if out.Delivery != nil {
		fmt.Fprintf(w, " delivery=%s", out.Delivery.State)
		if len(out.Delivery.Reasons) > 0 {
			fmt.Fprintf(w, " reasons=%s", strings.Join(out.Delivery.Reasons, ","))
		}
	}
	fmt.Fprintln(w)
}
