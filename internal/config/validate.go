package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks that the configuration required for the given mode is
// present and sane. Modes: "serve" (HTTP server), "cli" (one-shot commands).
// All problems are collected and reported together.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	if c.Gate.ConfidenceFloor < 0 || c.Gate.ConfidenceFloor > 1 {
		problems = append(problems, "gate.confidence_floor must be between 0 and 1")
	}
	if c.Remediation.MaxAttempts < 1 || c.Remediation.MaxAttempts > 10 {
		problems = append(problems, "remediation.max_attempts must be between 1 and 10")
	}
	if c.Queue.Workers < 1 || c.Queue.Workers > 64 {
		problems = append(problems, "queue.workers must be between 1 and 64")
	}
	if c.Queue.BatchSize < 1 {
		problems = append(problems, "queue.batch_size must be >= 1")
	}
	if c.Monitoring.BudgetCeiling < 0 || c.Monitoring.BudgetCeiling > 1 {
		problems = append(problems, "monitoring.budget_ceiling must be between 0 and 1")
	}
	if c.Monitoring.FailureRateLimit < 0 || c.Monitoring.FailureRateLimit > 1 {
		problems = append(problems, "monitoring.failure_rate_limit must be between 0 and 1")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
