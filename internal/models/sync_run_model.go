package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

type SyncOutcome string

const (
	SyncOutcomeRunning SyncOutcome = "RUNNING"
	SyncOutcomeSuccess SyncOutcome = "SUCCESS"
	SyncOutcomePartial SyncOutcome = "PARTIAL"
	SyncOutcomeFailure SyncOutcome = "FAILURE"
)

const (
	TriggerSchedule  = "schedule"
	TriggerManual    = "manual"
	TriggerReconnect = "reconnect"
)

const maxErrorSummaryLen = 4096

// SyncRun records one execution of the sync executor for one account. It is
// never mutated once FinishedAt is set.
type SyncRun struct {
	ID                   string      `db:"id" json:"id"`
	AccountID            int64       `db:"account_id" json:"account_id"`
	Platform             Platform    `db:"platform" json:"platform"`
	Strategy             string      `db:"strategy" json:"strategy"`
	DaysBack             int         `db:"days_back" json:"days_back"`
	ItemLimit            int         `db:"item_limit" json:"item_limit"`
	Trigger              string      `db:"trigger" json:"trigger"`
	StartedAt            time.Time   `db:"started_at" json:"started_at"`
	FinishedAt           *time.Time  `db:"finished_at" json:"finished_at,omitempty"`
	ItemsProcessed       int         `db:"items_processed" json:"items_processed"`
	ItemsFailed          int         `db:"items_failed" json:"items_failed"`
	ItemsSkipped         int         `db:"items_skipped" json:"items_skipped"`
	AccountMetricsFailed bool        `db:"account_metrics_failed" json:"account_metrics_failed"`
	SnapshotsInserted    int         `db:"snapshots_inserted" json:"snapshots_inserted"`
	SnapshotsUpdated     int         `db:"snapshots_updated" json:"snapshots_updated"`
	SnapshotsSkipped     int         `db:"snapshots_skipped" json:"snapshots_skipped"`
	Outcome              SyncOutcome `db:"outcome" json:"outcome"`
	ErrorSummary         string      `db:"error_summary" json:"error_summary,omitempty"`
}

func (r *SyncRun) Finished() bool {
	return r.FinishedAt != nil
}

// AppendError adds one line to ErrorSummary, truncating once the summary
// reaches its size cap.
func (r *SyncRun) AppendError(msg string) {
	if msg == "" || len(r.ErrorSummary) >= maxErrorSummaryLen {
		return
	}
	line := strings.TrimSpace(msg)
	if r.ErrorSummary != "" {
		line = "\n" + line
	}
	if len(r.ErrorSummary)+len(line) > maxErrorSummaryLen {
		n := maxErrorSummaryLen - len(r.ErrorSummary)
		for n > 0 && !utf8.RuneStart(line[n]) {
			n--
		}
		line = line[:n]
	}
	r.ErrorSummary += line
}

// CountAction tallies the engine's decision for one written snapshot.
func (r *SyncRun) CountAction(action UpsertAction) {
	switch action {
	case ActionInserted:
		r.SnapshotsInserted++
	case ActionUpdated:
		r.SnapshotsUpdated++
	case ActionSkippedDuplicate:
		r.SnapshotsSkipped++
	}
}
