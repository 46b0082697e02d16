package datamodel

import (
	"time"
)

// Severity of an alert record. Ordering is info < warning < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// Rank returns the escalation order of a severity. Unknown severities rank
// below info so they can never mask a real one.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AlertRecord is one persisted alert row. Records are only ever mutated to
// set the resolved fields, never deleted.
type AlertRecord struct {
	ID         int64      `json:"id"`
	DeviceID   string     `json:"deviceId"`
	Parameter  string     `json:"parameter"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Value      *float64   `json:"value,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Resolved   bool       `json:"resolved"`
	ResolvedBy *string    `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// AlertGroup is one consolidated entry of the aggregated alert view. Derived
// on every aggregation request, never stored.
type AlertGroup struct {
	Label           string    `json:"label"`
	Severity        Severity  `json:"severity"`
	Count           int       `json:"count"`
	Message         string    `json:"message"`
	LatestAt        time.Time `json:"latestAt"`
	FirstOccurrence time.Time `json:"firstOccurrence"`
	IsGrouped       bool      `json:"isGrouped"`
	AlertIDs        []int64   `json:"alertIds"`
}

// AlertSummary is the consolidated alert view for one gateway. The severity
// counts always reflect the full unresolved set, suppression only affects
// the visible group list.
type AlertSummary struct {
	CriticalCount   int          `json:"criticalCount"`
	WarningCount    int          `json:"warningCount"`
	InfoCount       int          `json:"infoCount"`
	Groups          []AlertGroup `json:"groups"`
	SuppressedCount int          `json:"suppressedCount"`
	HasAlerts       bool         `json:"hasAlerts"`
	StatusLine      string       `json:"statusLine"`
}
