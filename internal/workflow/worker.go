package workflow

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/config"
)

// zapLogger adapts the global zap logger to Temporal's logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

var _ tlog.Logger = zapLogger{}

func newZapLogger() zapLogger {
	return zapLogger{s: zap.L().Named("temporal").Sugar()}
}

func (l zapLogger) Debug(msg string, keyvals ...any) { l.s.Debugw(msg, keyvals...) }
func (l zapLogger) Info(msg string, keyvals ...any)  { l.s.Infow(msg, keyvals...) }
func (l zapLogger) Warn(msg string, keyvals ...any)  { l.s.Warnw(msg, keyvals...) }
func (l zapLogger) Error(msg string, keyvals ...any) { l.s.Errorw(msg, keyvals...) }

// Dial connects to the Temporal frontend named in cfg.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    newZapLogger(),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

// RunWorker registers the report workflow and activities on the task queue
// and processes tasks until ctx is cancelled.
func RunWorker(ctx context.Context, c client.Client, taskQueue string, acts *Activities) error {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(ReportWorkflow)
	w.RegisterActivity(acts)

	if err := w.Start(); err != nil {
		return eris.Wrapf(err, "workflow: start worker on %s", taskQueue)
	}
	zap.L().Info("workflow: worker started", zap.String("task_queue", taskQueue))
	<-ctx.Done()
	w.Stop()
	zap.L().Info("workflow: worker stopped", zap.String("task_queue", taskQueue))
	return nil
}

// WorkflowID is the Temporal workflow id for a job. One job has at most one
// running workflow.
func WorkflowID(jobID string) string {
	return "report-" + jobID
}

// Start begins (or joins) the workflow for a job and returns its run id.
func Start(ctx context.Context, c client.Client, taskQueue string, in Input) (string, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(in.JobID),
		TaskQueue: taskQueue,
	}, ReportWorkflow, in)
	if err != nil {
		return "", eris.Wrapf(err, "workflow: start for job %s", in.JobID)
	}
	zap.L().Info("workflow: started",
		zap.String("job_id", in.JobID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return run.GetRunID(), nil
}

// Notify signals a job's workflow that outside state changed.
func Notify(ctx context.Context, c client.Client, jobID, note string) error {
	if err := c.SignalWorkflow(ctx, WorkflowID(jobID), "", SignalJobUpdated, note); err != nil {
		return eris.Wrapf(err, "workflow: signal job %s", jobID)
	}
	return nil
}
