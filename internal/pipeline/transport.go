package pipeline

import (
	"errors"
	"time"

	"github.com/carepath/report-pipeline/internal/resilience"
	"github.com/carepath/report-pipeline/pkg/anthropic"
	"github.com/carepath/report-pipeline/pkg/notify"
)

// statusOverloaded is Anthropic's "overloaded" response.
const statusOverloaded = 529

func classifyAnthropic(err error) error {
	status := anthropic.StatusCode(err)
	if status == statusOverloaded || resilience.RetryableStatus(status) {
		return resilience.Transient(err, status)
	}
	return err
}

func classifyNotify(err error) error {
	var se *notify.StatusError
	if errors.As(err, &se) && resilience.RetryableStatus(se.StatusCode) {
		return resilience.Transient(err, se.StatusCode)
	}
	return err
}

// retryPolicy returns the configured retry policy with a per-attempt bound.
func (o *Orchestrator) retryPolicy(collaborator string, attemptTimeout time.Duration) resilience.Policy {
	return resilience.NewPolicy(o.cfg.Retry, attemptTimeout).Logged(collaborator)
}
