package monitoring

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/config"
)

// Checker evaluates pipeline health on an interval. An alert is delivered
// when it starts firing and again when it resolves, not on every check.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	sink      Sink
	interval  time.Duration
	lookback  int

	// active holds the kinds delivered as firing and not yet resolved.
	active map[string]bool
}

// NewChecker builds a Checker. A nil sink only logs.
func NewChecker(collector *Collector, alerter *Alerter, sink Sink, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		sink:      sink,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
		active:    map[string]bool{},
	}
}

// Run checks at once and then every interval until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	zap.L().Info("monitoring: checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)
	tick := time.NewTicker(c.interval)
	defer tick.Stop()
	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			zap.L().Info("monitoring: checker stopped")
			return
		case <-tick.C:
		}
	}
}

// Check runs one evaluation and returns the alerts that started firing.
// When delivery fails nothing is marked, so the next check tries again.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Error("monitoring: collect snapshot", zap.Error(err))
		}
		return nil
	}

	batch := Batch{Snapshot: snap}
	firing := map[string]bool{}
	for _, a := range c.alerter.Evaluate(snap) {
		firing[a.Kind] = true
		if !c.active[a.Kind] {
			batch.Fired = append(batch.Fired, a)
		}
	}
	for kind := range c.active {
		if !firing[kind] {
			batch.Resolved = append(batch.Resolved, kind)
		}
	}
	slices.Sort(batch.Resolved)
	if len(batch.Fired) == 0 && len(batch.Resolved) == 0 {
		return nil
	}

	for _, a := range batch.Fired {
		zap.L().Warn("monitoring: alert firing",
			zap.String("kind", a.Kind),
			zap.String("severity", string(a.Severity)),
			zap.String("summary", a.Summary),
		)
	}
	if c.sink != nil {
		if err := c.sink.Deliver(ctx, batch); err != nil {
			zap.L().Error("monitoring: deliver alerts", zap.Error(err))
			return batch.Fired
		}
	}
	c.active = firing
	return batch.Fired
}
