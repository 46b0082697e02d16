package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/helper"
	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/postgresql"
	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

// recordingSink captures suppressed groups for assertions.
type recordingSink struct {
	groups []datamodel.AlertGroup
}

func (s *recordingSink) RecordSuppressed(group datamodel.AlertGroup, _ time.Time) error {
	s.groups = append(s.groups, group)
	return nil
}

func (s *recordingSink) Close() error {
	return nil
}

func setupAggregator(t *testing.T) (*Aggregator, *postgresql.MockConnection, *recordingSink) {
	helper.InitTestLogging()
	db := postgresql.CreateMockConnection(t)
	sink := &recordingSink{}
	a := NewAggregator(db, sink)
	// Pin the clock inside business hours, suppression tests move it.
	a.clock = func() time.Time {
		return time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	}
	return a, db, sink
}

func addAlert(db *postgresql.MockConnection, parameter string, severity datamodel.Severity, message string, createdAt time.Time) {
	db.AddAlert(datamodel.AlertRecord{
		DeviceID:  "gw-1",
		Parameter: parameter,
		Severity:  severity,
		Message:   message,
		CreatedAt: createdAt,
	})
}

func TestGroupLabel(t *testing.T) {
	assert.Equal(t, "GSM Signal", GroupLabel("rssi"))
	assert.Equal(t, "GSM Signal", GroupLabel("RSRP"))
	assert.Equal(t, "GSM Signal", GroupLabel("rsrq"))
	assert.Equal(t, "GSM Signal", GroupLabel("sinr"))
	assert.Equal(t, "GSM Signal", GroupLabel("rssi_avg"), "derived parameters group with their base metric")
	assert.Equal(t, "System Performance", GroupLabel("cpu_load"))
	assert.Equal(t, "System Performance", GroupLabel("memory_usage"))
	assert.Equal(t, "Analog Voltage", GroupLabel("analog_voltage"))
	assert.Equal(t, "Di1", GroupLabel("di1"))
}

func TestAggregateGroupsSignalAlerts(t *testing.T) {
	a, db, _ := setupAggregator(t)
	base := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	addAlert(db, "rssi", datamodel.SeverityWarning, "rssi below -100 dBm", base)
	addAlert(db, "rsrp", datamodel.SeverityWarning, "rsrp below -115 dBm", base.Add(time.Minute))
	addAlert(db, "sinr", datamodel.SeverityCritical, "sinr below 0 dB", base.Add(2*time.Minute))

	summary, err := a.Aggregate(context.Background(), "gw-1")
	require.NoError(t, err)

	require.Len(t, summary.Groups, 1)
	group := summary.Groups[0]
	assert.Equal(t, "GSM Signal", group.Label)
	assert.Equal(t, 3, group.Count)
	assert.True(t, group.IsGrouped)
	assert.Equal(t, datamodel.SeverityCritical, group.Severity, "group severity escalates to the worst member")
	assert.Equal(t, base, group.FirstOccurrence)
	assert.Equal(t, base.Add(2*time.Minute), group.LatestAt)
	assert.Len(t, group.AlertIDs, 3)
	assert.Contains(t, group.Message, "sinr below 0 dB", "grouped message carries the latest alert")
}

func TestAggregateSortsCriticalFirst(t *testing.T) {
	a, db, _ := setupAggregator(t)
	base := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	addAlert(db, "analog_voltage", datamodel.SeverityInfo, "voltage drifting", base.Add(3*time.Minute))
	addAlert(db, "cpu_load", datamodel.SeverityWarning, "cpu above 80%", base.Add(time.Minute))
	addAlert(db, "rssi", datamodel.SeverityCritical, "signal lost", base)

	summary, err := a.Aggregate(context.Background(), "gw-1")
	require.NoError(t, err)

	require.Len(t, summary.Groups, 3)
	assert.Equal(t, "GSM Signal", summary.Groups[0].Label)
	assert.Equal(t, "System Performance", summary.Groups[1].Label)
	assert.Equal(t, "Analog Voltage", summary.Groups[2].Label)
}

func TestAggregateOffHoursSuppression(t *testing.T) {
	a, db, sink := setupAggregator(t)
	a.clock = func() time.Time {
		return time.Date(2026, time.March, 2, 22, 30, 0, 0, time.UTC)
	}
	base := time.Date(2026, time.March, 2, 22, 0, 0, 0, time.UTC)
	addAlert(db, "rssi", datamodel.SeverityCritical, "signal lost", base)
	addAlert(db, "cpu_load", datamodel.SeverityWarning, "cpu above 80%", base)
	addAlert(db, "analog_voltage", datamodel.SeverityInfo, "voltage drifting", base)

	summary, err := a.Aggregate(context.Background(), "gw-1")
	require.NoError(t, err)

	// Only the critical group stays visible at night.
	require.Len(t, summary.Groups, 1)
	assert.Equal(t, "GSM Signal", summary.Groups[0].Label)
	assert.Equal(t, 2, summary.SuppressedCount)

	// The counts still reflect everything unresolved.
	assert.Equal(t, 1, summary.CriticalCount)
	assert.Equal(t, 1, summary.WarningCount)
	assert.Equal(t, 1, summary.InfoCount)

	// Suppressed groups land in the audit sink.
	require.Len(t, sink.groups, 2)
}

func TestAggregateBusinessHoursBoundaries(t *testing.T) {
	a, db, _ := setupAggregator(t)
	addAlert(db, "cpu_load", datamodel.SeverityWarning, "cpu above 80%", time.Date(2026, time.March, 2, 7, 0, 0, 0, time.UTC))

	cases := []struct {
		hour       int
		suppressed int
	}{
		{7, 1},
		{8, 0},
		{17, 0},
		{18, 1},
	}
	for _, tc := range cases {
		hour := tc.hour
		a.clock = func() time.Time {
			return time.Date(2026, time.March, 2, hour, 0, 0, 0, time.UTC)
		}
		summary, err := a.Aggregate(context.Background(), "gw-1")
		require.NoError(t, err)
		assert.Equal(t, tc.suppressed, summary.SuppressedCount, "hour %d", tc.hour)
	}
}

func TestSetBusinessHoursMovesSuppressionWindow(t *testing.T) {
	a, db, _ := setupAggregator(t)
	addAlert(db, "cpu_load", datamodel.SeverityWarning, "cpu above 80%", time.Date(2026, time.March, 2, 5, 0, 0, 0, time.UTC))

	// An early shift site delivers alerts from 06:00 to 14:00.
	a.SetBusinessHours(6, 14)

	cases := []struct {
		hour       int
		suppressed int
	}{
		{5, 1},
		{6, 0},
		{13, 0},
		{14, 1},
	}
	for _, tc := range cases {
		hour := tc.hour
		a.clock = func() time.Time {
			return time.Date(2026, time.March, 2, hour, 0, 0, 0, time.UTC)
		}
		summary, err := a.Aggregate(context.Background(), "gw-1")
		require.NoError(t, err)
		assert.Equal(t, tc.suppressed, summary.SuppressedCount, "hour %d", tc.hour)
	}

	// Invalid bounds keep the configured window.
	a.SetBusinessHours(14, 6)
	a.clock = func() time.Time {
		return time.Date(2026, time.March, 2, 13, 0, 0, 0, time.UTC)
	}
	summary, err := a.Aggregate(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.SuppressedCount)
}

func TestAggregateIsIdempotent(t *testing.T) {
	a, db, _ := setupAggregator(t)
	base := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	addAlert(db, "rssi", datamodel.SeverityWarning, "rssi below -100 dBm", base)
	addAlert(db, "rsrp", datamodel.SeverityCritical, "rsrp below -115 dBm", base.Add(time.Minute))
	addAlert(db, "cpu_load", datamodel.SeverityWarning, "cpu above 80%", base.Add(2*time.Minute))

	first, err := a.Aggregate(context.Background(), "gw-1")
	require.NoError(t, err)
	second, err := a.Aggregate(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAggregateStatusLine(t *testing.T) {
	a, db, _ := setupAggregator(t)

	summary, err := a.Aggregate(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.False(t, summary.HasAlerts)
	assert.Equal(t, "All Systems OK", summary.StatusLine)

	addAlert(db, "cpu_load", datamodel.SeverityWarning, "cpu above 80%", time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))
	summary, err = a.Aggregate(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.True(t, summary.HasAlerts)
	assert.Equal(t, "1 Warning", summary.StatusLine)

	addAlert(db, "memory_usage", datamodel.SeverityWarning, "memory above 85%", time.Date(2026, time.March, 2, 9, 2, 0, 0, time.UTC))
	summary, err = a.Aggregate(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.Equal(t, "2 Warnings", summary.StatusLine)

	// The worst severity picks the wording.
	addAlert(db, "rssi", datamodel.SeverityCritical, "signal lost", time.Date(2026, time.March, 2, 9, 5, 0, 0, time.UTC))
	summary, err = a.Aggregate(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.Equal(t, "1 Critical Alert", summary.StatusLine)
}

func TestAggregateCapsVisibleGroups(t *testing.T) {
	a, db, _ := setupAggregator(t)
	base := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 15; i++ {
		addAlert(db, "sensor_"+string(rune('a'+i)), datamodel.SeverityWarning, "sensor fault", base.Add(time.Duration(i)*time.Minute))
	}

	summary, err := a.Aggregate(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.Len(t, summary.Groups, maxVisibleGroups)
	assert.Equal(t, 15, summary.WarningCount, "counts are not affected by the display cap")
}

func TestResolve(t *testing.T) {
	a, db, _ := setupAggregator(t)
	base := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	id1 := db.AddAlert(datamodel.AlertRecord{DeviceID: "gw-1", Parameter: "rssi", Severity: datamodel.SeverityWarning, CreatedAt: base})
	id2 := db.AddAlert(datamodel.AlertRecord{DeviceID: "gw-1", Parameter: "cpu_load", Severity: datamodel.SeverityWarning, CreatedAt: base})

	resolved, failed := a.Resolve(context.Background(), []int64{id1, id2, 9999}, "operator-7")
	assert.Equal(t, []int64{id1, id2}, resolved)
	assert.Equal(t, []int64{9999}, failed)

	// Resolving again fails per id, records are only resolved once.
	resolved, failed = a.Resolve(context.Background(), []int64{id1}, "operator-7")
	assert.Empty(t, resolved)
	assert.Equal(t, []int64{id1}, failed)

	summary, err := a.Aggregate(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.False(t, summary.HasAlerts)
}
