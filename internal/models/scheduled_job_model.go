package models

import "time"

type JobOutcome string

const (
	JobOutcomeNone    JobOutcome = ""
	JobOutcomeSuccess JobOutcome = "success"
	JobOutcomeFailure JobOutcome = "failure"
)

// ScheduledJob is the backend-agnostic status of a named recurring job.
type ScheduledJob struct {
	Name                    string        `json:"name"`
	Cadence                 time.Duration `json:"cadence"`
	Enabled                 bool          `json:"enabled"`
	Running                 bool          `json:"running"`
	Backend                 string        `json:"backend"`
	LastRunAt               *time.Time    `json:"last_run_at,omitempty"`
	LastOutcome             JobOutcome    `json:"last_outcome"`
	LastError               string        `json:"last_error,omitempty"`
	ConsecutiveFailureCount int           `json:"consecutive_failure_count"`
	Healthy                 bool          `json:"healthy"`
}
