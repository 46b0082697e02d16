package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/metrics"
	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/postgresql"
	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

// Default business hours window for alert delivery, local gateway time.
// Non-critical groups raised outside this window are suppressed until the
// next workday. SetBusinessHours overrides the window per deployment.
const (
	defaultBusinessHoursStart = 8
	defaultBusinessHoursEnd   = 18
)

// maxVisibleGroups caps the consolidated view, an operator drowning in
// groups acts on none of them.
const maxVisibleGroups = 10

// parameterLabels folds related device parameters into one display group.
// Modem signal metrics alarm together when the link degrades, showing them
// as one entry instead of four.
var parameterLabels = map[string]string{
	"rssi":         "GSM Signal",
	"rsrp":         "GSM Signal",
	"rsrq":         "GSM Signal",
	"sinr":         "GSM Signal",
	"cpu_load":     "System Performance",
	"memory_usage": "System Performance",
}

// GroupLabel maps a device parameter onto its display group. Unknown
// parameters fall back to a readable form of their own name.
func GroupLabel(parameter string) string {
	normalized := strings.ToLower(strings.TrimSpace(parameter))
	if label, ok := parameterLabels[normalized]; ok {
		return label
	}
	// Derived parameters like rssi_avg group with their base metric.
	for key, label := range parameterLabels {
		if strings.Contains(normalized, key) {
			return label
		}
	}
	return titleCase(normalized)
}

func titleCase(parameter string) string {
	words := strings.FieldsFunc(parameter, func(r rune) bool {
		return r == '_' || r == ' ' || r == '-'
	})
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// Aggregator builds the consolidated alert view of a gateway. Grouping and
// suppression are derived on every request, only resolution mutates state.
type Aggregator struct {
	db    postgresql.IConnection
	audit ISink

	hoursStart int
	hoursEnd   int

	// clock is swapped out by tests.
	clock func() time.Time
}

func NewAggregator(db postgresql.IConnection, audit ISink) *Aggregator {
	if audit == nil {
		audit = NoopSink{}
	}
	return &Aggregator{
		db:         db,
		audit:      audit,
		hoursStart: defaultBusinessHoursStart,
		hoursEnd:   defaultBusinessHoursEnd,
		clock:      time.Now,
	}
}

// SetBusinessHours overrides the suppression window. Out of range or inverted
// bounds keep the defaults.
func (a *Aggregator) SetBusinessHours(start int, end int) {
	if start < 0 || end > 24 || start >= end {
		zap.S().Warnf("Ignoring invalid business hours window %d-%d, keeping %d-%d", start, end, a.hoursStart, a.hoursEnd)
		return
	}
	a.hoursStart = start
	a.hoursEnd = end
}

// Aggregate returns the grouped alert summary of one gateway. The severity
// counts always cover the full unresolved set, off-hours suppression only
// hides non-critical groups from the visible list.
func (a *Aggregator) Aggregate(ctx context.Context, gatewayID string) (datamodel.AlertSummary, error) {
	records, err := a.db.UnresolvedAlerts(ctx, gatewayID)
	if err != nil {
		return datamodel.AlertSummary{}, err
	}

	summary := datamodel.AlertSummary{HasAlerts: len(records) > 0}
	for _, record := range records {
		switch record.Severity {
		case datamodel.SeverityCritical:
			summary.CriticalCount++
		case datamodel.SeverityWarning:
			summary.WarningCount++
		default:
			summary.InfoCount++
		}
	}

	groups := buildGroups(records)

	now := a.clock()
	if !a.withinBusinessHours(now) {
		visible := groups[:0]
		for _, group := range groups {
			if group.Severity == datamodel.SeverityCritical {
				visible = append(visible, group)
				continue
			}
			summary.SuppressedCount++
			metrics.AlertsSuppressedTotal.Inc()
			if auditErr := a.audit.RecordSuppressed(group, now); auditErr != nil {
				zap.S().Errorf("Failed to record suppressed group %s: %s", group.Label, auditErr)
			}
		}
		groups = visible
		if summary.SuppressedCount > 0 {
			zap.S().Infof("Suppressed %d non-critical alert groups for %s outside business hours", summary.SuppressedCount, gatewayID)
		}
	}

	if len(groups) > maxVisibleGroups {
		groups = groups[:maxVisibleGroups]
	}
	summary.Groups = groups
	summary.StatusLine = statusLine(summary)
	return summary, nil
}

// buildGroups folds alert records into display groups, escalating each
// group to its highest member severity. Critical groups sort first, then
// recency.
func buildGroups(records []datamodel.AlertRecord) []datamodel.AlertGroup {
	byLabel := make(map[string]*datamodel.AlertGroup)
	latestMessage := make(map[string]string)
	for _, record := range records {
		label := GroupLabel(record.Parameter)
		group, ok := byLabel[label]
		if !ok {
			group = &datamodel.AlertGroup{
				Label:           label,
				Severity:        record.Severity,
				LatestAt:        record.CreatedAt,
				FirstOccurrence: record.CreatedAt,
			}
			byLabel[label] = group
			latestMessage[label] = record.Message
		}
		group.Count++
		group.AlertIDs = append(group.AlertIDs, record.ID)
		if record.Severity.Rank() > group.Severity.Rank() {
			group.Severity = record.Severity
		}
		if record.CreatedAt.After(group.LatestAt) {
			group.LatestAt = record.CreatedAt
			latestMessage[label] = record.Message
		}
		if record.CreatedAt.Before(group.FirstOccurrence) {
			group.FirstOccurrence = record.CreatedAt
		}
	}

	groups := make([]datamodel.AlertGroup, 0, len(byLabel))
	for label, group := range byLabel {
		group.IsGrouped = group.Count > 1
		if group.IsGrouped {
			group.Message = fmt.Sprintf("%d alerts, latest: %s", group.Count, latestMessage[label])
		} else {
			group.Message = latestMessage[label]
		}
		slices.Sort(group.AlertIDs)
		groups = append(groups, *group)
	}

	// Fully deterministic order so the same record set always renders the
	// same view.
	slices.SortStableFunc(groups, func(a, b datamodel.AlertGroup) int {
		if a.Severity.Rank() != b.Severity.Rank() {
			return b.Severity.Rank() - a.Severity.Rank()
		}
		if c := b.LatestAt.Compare(a.LatestAt); c != 0 {
			return c
		}
		return strings.Compare(a.Label, b.Label)
	})
	return groups
}

func (a *Aggregator) withinBusinessHours(now time.Time) bool {
	hour := now.Hour()
	return hour >= a.hoursStart && hour < a.hoursEnd
}

// statusLine is the one-line summary chosen by the worst severity present.
func statusLine(summary datamodel.AlertSummary) string {
	switch {
	case summary.CriticalCount > 0:
		return fmt.Sprintf("%d Critical %s", summary.CriticalCount, pluralize("Alert", summary.CriticalCount))
	case summary.WarningCount > 0:
		return fmt.Sprintf("%d %s", summary.WarningCount, pluralize("Warning", summary.WarningCount))
	case summary.InfoCount > 0:
		return fmt.Sprintf("%d Info %s", summary.InfoCount, pluralize("Alert", summary.InfoCount))
	default:
		return "All Systems OK"
	}
}

func pluralize(noun string, count int) string {
	if count == 1 {
		return noun
	}
	return noun + "s"
}

// Resolve marks the given alerts resolved on behalf of a resolver. Each id
// is resolved independently, one missing record never blocks the rest.
func (a *Aggregator) Resolve(ctx context.Context, alertIDs []int64, resolverID string) (resolved, failed []int64) {
	for _, id := range alertIDs {
		if err := a.db.ResolveAlert(ctx, id, resolverID); err != nil {
			zap.S().Warnf("Failed to resolve alert %d: %s", id, err)
			failed = append(failed, id)
			continue
		}
		resolved = append(resolved, id)
	}
	return resolved, failed
}
