// Package health reports whether a client can reach its broker.
package health

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/iter"
)

// Status is the outcome of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the result of a single check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration"`
}

// Checker checks one component
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates check results. Status is the worst status of all checks.
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Run executes checkers concurrently and aggregates their results
func Run(ctx context.Context, checkers ...Checker) Report {
	results := iter.Map(checkers, func(c *Checker) CheckResult {
		return (*c).Check(ctx)
	})

	report := Report{Status: StatusHealthy, Checks: results}
	for _, r := range results {
		if severity(r.Status) > severity(report.Status) {
			report.Status = r.Status
		}
	}
	return report
}

func severity(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}
