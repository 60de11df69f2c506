package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sitevault-cli/internal/config"
	"github.com/sells-group/sitevault-cli/internal/resilience"
)

// TriggerType identifies which threshold fired.
type TriggerType string

const (
	TriggerBudgetCeiling TriggerType = "budget_ceiling"
	TriggerFailureRate   TriggerType = "failure_rate"
	TriggerDailyCallCap  TriggerType = "daily_call_cap"
)

// Trigger is one crossed threshold. Its Type doubles as the kill-switch
// reason code.
type Trigger struct {
	Type      TriggerType    `json:"type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Evaluator checks snapshots against configured thresholds and notifies a
// webhook when the kill switch fires.
type Evaluator struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

func NewEvaluator(cfg config.MonitoringConfig) *Evaluator {
	return &Evaluator{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate returns every threshold the snapshot crosses. An empty result
// means remediation may continue.
func (e *Evaluator) Evaluate(snap *Snapshot) []Trigger {
	var triggers []Trigger
	now := time.Now().UTC()

	// Budget ceiling: cumulative cost against a fraction of the total budget.
	if e.cfg.BudgetUSD > 0 && e.cfg.BudgetCeiling > 0 {
		ceiling := e.cfg.BudgetUSD * e.cfg.BudgetCeiling
		if snap.TotalCostUSD >= ceiling {
			triggers = append(triggers, Trigger{
				Type: TriggerBudgetCeiling,
				Message: fmt.Sprintf(
					"remediation cost $%.2f reached ceiling $%.2f (%.0f%% of $%.2f budget)",
					snap.TotalCostUSD, ceiling, e.cfg.BudgetCeiling*100, e.cfg.BudgetUSD,
				),
				Details: map[string]any{
					"cost_usd":    snap.TotalCostUSD,
					"ceiling_usd": ceiling,
					"budget_usd":  e.cfg.BudgetUSD,
				},
				Timestamp: now,
			})
		}
	}

	// Rolling failure rate, only once enough attempts have accumulated to
	// make the rate meaningful.
	if e.cfg.FailureRateLimit > 0 && snap.Attempts >= e.cfg.MinAttempts && snap.FailureRate > e.cfg.FailureRateLimit {
		triggers = append(triggers, Trigger{
			Type: TriggerFailureRate,
			Message: fmt.Sprintf(
				"failure rate %.1f%% exceeds limit %.1f%% (%d failed / %d attempts in last %dh)",
				snap.FailureRate*100, e.cfg.FailureRateLimit*100,
				snap.Failures, snap.Attempts, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailureRate,
				"limit":        e.cfg.FailureRateLimit,
				"failures":     snap.Failures,
				"attempts":     snap.Attempts,
			},
			Timestamp: now,
		})
	}

	// Daily call cap on the AI caller.
	if e.cfg.DailyCallCap > 0 && snap.CallsToday >= e.cfg.DailyCallCap {
		triggers = append(triggers, Trigger{
			Type: TriggerDailyCallCap,
			Message: fmt.Sprintf(
				"%d calls placed today, cap is %d",
				snap.CallsToday, e.cfg.DailyCallCap,
			),
			Details: map[string]any{
				"calls_today": snap.CallsToday,
				"cap":         e.cfg.DailyCallCap,
			},
			Timestamp: now,
		})
	}

	return triggers
}

// Notify delivers triggers to the configured webhook URL. Returns the number
// successfully sent.
func (e *Evaluator) Notify(ctx context.Context, triggers []Trigger) int {
	if e.cfg.WebhookURL == "" || len(triggers) == 0 {
		return 0
	}

	sent := 0
	for _, tr := range triggers {
		if err := e.sendWebhook(ctx, tr); err != nil {
			zap.L().Error("monitoring: failed to send trigger notification",
				zap.String("type", string(tr.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

func (e *Evaluator) sendWebhook(ctx context.Context, tr Trigger) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal trigger")
	}

	return resilience.Do(ctx, webhookRetry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.WebhookURL, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "monitoring: create webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return eris.Wrap(err, "monitoring: webhook request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 400 {
			err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			return err
		}
		return nil
	})
}

var webhookRetry = resilience.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}
