package models

import (
	"time"

	json "github.com/goccy/go-json"
)

type SubjectType string

const (
	SubjectPost    SubjectType = "POST"
	SubjectAccount SubjectType = "ACCOUNT"
)

func (t SubjectType) Valid() bool {
	return t == SubjectPost || t == SubjectAccount
}

type MetricValues struct {
	Reach          int64   `db:"reach" json:"reach"`
	Impressions    int64   `db:"impressions" json:"impressions"`
	Likes          int64   `db:"likes" json:"likes"`
	Comments       int64   `db:"comments" json:"comments"`
	Shares         int64   `db:"shares" json:"shares"`
	Saves          int64   `db:"saves" json:"saves"`
	EngagementRate float64 `db:"engagement_rate" json:"engagement_rate"`
}

// Interactions is the sum of all engagement actions.
func (v MetricValues) Interactions() int64 {
	return v.Likes + v.Comments + v.Shares + v.Saves
}

// WithEngagementRate returns a copy with EngagementRate derived from reach,
// or from impressions when the platform does not report reach.
func (v MetricValues) WithEngagementRate() MetricValues {
	base := v.Reach
	if base <= 0 {
		base = v.Impressions
	}
	if base <= 0 {
		v.EngagementRate = 0
		return v
	}
	v.EngagementRate = float64(v.Interactions()) / float64(base)
	return v
}

// MetricSnapshot is one observation of a subject's metrics. At most one row
// per (SubjectType, SubjectID, ObservationDay) is authoritative: the one with
// the latest RecordedAt.
type MetricSnapshot struct {
	ID             int64       `db:"id" json:"id"`
	AccountID      int64       `db:"account_id" json:"account_id"`
	SubjectType    SubjectType `db:"subject_type" json:"subject_type"`
	SubjectID      int64       `db:"subject_id" json:"subject_id"`
	RecordedAt     time.Time   `db:"recorded_at" json:"recorded_at"`
	ObservationDay time.Time   `db:"observation_day" json:"observation_day"`
	MetricValues
	RawPayload json.RawMessage `db:"raw_payload" json:"raw_payload,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// ObservationDayOf returns midnight of the calendar day t falls on in loc.
func ObservationDayOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

type UpsertAction string

const (
	ActionInserted         UpsertAction = "INSERTED"
	ActionUpdated          UpsertAction = "UPDATED"
	ActionSkippedDuplicate UpsertAction = "SKIPPED_DUPLICATE"
)

// DuplicateGroup identifies a (subject, day) pair holding more than one row.
type DuplicateGroup struct {
	SubjectType    SubjectType `db:"subject_type" json:"subject_type"`
	SubjectID      int64       `db:"subject_id" json:"subject_id"`
	ObservationDay time.Time   `db:"observation_day" json:"observation_day"`
	Rows           int         `db:"rows" json:"rows"`
}
