package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/sitevault-cli/internal/config"
	"github.com/sells-group/sitevault-cli/internal/remediate"
)

// Killer executes the emergency halt once a trigger fires.
type Killer interface {
	KillSwitch(ctx context.Context, runID, reason, triggeredBy string) (*remediate.KillResult, error)
}

// Checker periodically evaluates kill-switch triggers and executes the halt
// when one fires.
type Checker struct {
	collector *Collector
	evaluator *Evaluator
	killer    Killer
	cfg       config.MonitoringConfig
}

func NewChecker(collector *Collector, evaluator *Evaluator, killer Killer, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		evaluator: evaluator,
		killer:    killer,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting kill-switch checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("kill-switch checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check runs one evaluation pass. The first trigger that fires executes the
// kill switch; remaining triggers are still reported to the webhook.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, "", c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect snapshot", zap.Error(err))
		return
	}

	triggers := c.evaluator.Evaluate(snap)
	if len(triggers) == 0 {
		log.Debug("monitoring: no triggers fired")
		return
	}

	res, err := c.killer.KillSwitch(ctx, "", string(triggers[0].Type), "monitor")
	if err != nil {
		log.Error("monitoring: kill switch failed", zap.Error(err))
		return
	}

	sent := c.evaluator.Notify(ctx, triggers)
	log.Warn("monitoring: kill switch fired",
		zap.String("trigger", string(triggers[0].Type)),
		zap.Int("triggers_fired", len(triggers)),
		zap.Int("gaps_killed", res.Killed),
		zap.Int("notifications_sent", sent),
	)
}
