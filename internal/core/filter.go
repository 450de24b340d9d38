package core

import "time"

// EventFilter narrows a tenant-scoped event search. Zero values mean
// "no constraint"; the store adapter applies the tenant and soft-delete
// predicates on top of whatever is set here.
type EventFilter struct {
	Type       EventType
	Severity   Severity
	Service    string
	Endpoint   string
	StatusCode *int
	UserID     string
	Tags       map[string]string
	Text       string
	Start      *time.Time
	End        *time.Time
	Limit      int
	Offset     int
	Ascending  bool
}

// StatsWindow bounds an aggregate stats query.
type StatsWindow struct {
	Start time.Time
	End   time.Time
}

// Stats is the fixed response shape for aggregate statistics.
type Stats struct {
	Total      int64            `json:"total_events"`
	ByType     map[string]int64 `json:"by_event_type"`
	BySeverity map[string]int64 `json:"by_severity"`
	Window     StatsWindow      `json:"-"`
}
