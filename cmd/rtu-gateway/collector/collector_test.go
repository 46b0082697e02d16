package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/devicelink"
	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/helper"
	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/postgresql"
	"github.com/fieldgrid/rtu-telemetry/internal"
	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

func setupCollector(t *testing.T) (*Collector, *postgresql.MockConnection, *devicelink.MockLink) {
	helper.InitTestLogging()
	internal.InitMemoryTelemetryCache()
	db := postgresql.CreateMockConnection(t)
	link := devicelink.GetMockLink(t)
	return NewCollector(db, link), db, link
}

func seedGateway(db *postgresql.MockConnection, lastSeen *time.Time) {
	db.AddGateway(datamodel.Gateway{
		ID:         "gw-1",
		Name:       "Pump station north",
		Host:       "10.0.0.5",
		CommState:  datamodel.CommStateOnline,
		LastSeenAt: lastSeen,
	})
}

func TestCollectLiveFetchPersistsAndCaches(t *testing.T) {
	c, db, link := setupCollector(t)
	seedGateway(db, nil)
	link.SystemData = &datamodel.SystemHealthPayload{
		UptimeHours: datamodel.Float64Ptr(42),
		CPULoad:     datamodel.Float64Ptr(35),
		MemoryUsage: datamodel.Float64Ptr(50),
	}

	result := c.Collect(context.Background(), "gw-1", datamodel.DataClassSystemHealth)
	require.True(t, result.OK())
	assert.False(t, result.FromCache)
	assert.Equal(t, datamodel.StatusNormal, result.Snapshot.Status)
	assert.Equal(t, 1, link.Calls())

	// Gateway record updated and a history sample appended.
	gw, err := db.LoadGateway(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.Equal(t, 35.0, *gw.SystemHealth.CPULoad)
	assert.Equal(t, datamodel.CommStateOnline, gw.CommState)
	assert.NotNil(t, gw.LastSeenAt)
	require.Len(t, db.History, 1)
	assert.Equal(t, 35.0, db.History[0].CPULoad)

	// Second collection within the TTL is served from cache.
	second := c.Collect(context.Background(), "gw-1", datamodel.DataClassSystemHealth)
	require.True(t, second.OK())
	assert.True(t, second.FromCache)
	assert.Equal(t, 1, link.Calls(), "cache hit must not touch the device")
}

func TestCollectTimeoutFallsBackToStaleCache(t *testing.T) {
	c, db, link := setupCollector(t)
	lastSeen := time.Now().Add(-10 * time.Minute)
	seedGateway(db, &lastSeen)
	link.SystemData = &datamodel.SystemHealthPayload{
		UptimeHours: datamodel.Float64Ptr(42),
		CPULoad:     datamodel.Float64Ptr(35),
		MemoryUsage: datamodel.Float64Ptr(50),
	}

	first := c.Collect(context.Background(), "gw-1", datamodel.DataClassSystemHealth)
	require.True(t, first.OK())

	// Live entry gone, only the stale copy remains, then the device stops
	// answering.
	internal.InvalidateTelemetry("gw-1", datamodel.DataClassSystemHealth)
	link.Err = errors.New("context deadline exceeded")

	result := c.Collect(context.Background(), "gw-1", datamodel.DataClassSystemHealth)
	require.NotNil(t, result.Failure)
	assert.Equal(t, datamodel.ErrorKindTimeout, result.Failure.Kind)
	assert.Equal(t, "connection timed out, showing last known data", result.Failure.Message)
	assert.True(t, result.Failure.RetryEligible)
	assert.True(t, result.FromCache, "fallback must reuse the stale cache copy")
	require.NotNil(t, result.Failure.DataAge)
	assert.Greater(t, *result.Failure.DataAge, time.Duration(0))

	// The stale copy still carries the real values, nothing fabricated.
	payload, ok := result.Snapshot.Payload.(*datamodel.SystemHealthPayload)
	require.True(t, ok)
	assert.Equal(t, 35.0, *payload.CPULoad)
}

func TestCollectTimeoutFallsBackToPersistedRecord(t *testing.T) {
	c, db, link := setupCollector(t)
	lastSeen := time.Now().Add(-time.Hour)
	db.AddGateway(datamodel.Gateway{
		ID:           "gw-1",
		Host:         "10.0.0.5",
		SystemHealth: datamodel.SystemHealthPayload{CPULoad: datamodel.Float64Ptr(20)},
		LastSeenAt:   &lastSeen,
	})
	link.Err = errors.New("context deadline exceeded")

	// No cache entry at all, the persisted record is the fallback.
	result := c.Collect(context.Background(), "gw-1", datamodel.DataClassSystemHealth)
	require.NotNil(t, result.Failure)
	assert.Equal(t, datamodel.ErrorKindTimeout, result.Failure.Kind)
	assert.False(t, result.FromCache)

	payload, ok := result.Snapshot.Payload.(*datamodel.SystemHealthPayload)
	require.True(t, ok)
	assert.Equal(t, 20.0, *payload.CPULoad)
}

func TestCollectFailureWithoutAnyDataStaysEmpty(t *testing.T) {
	c, db, link := setupCollector(t)
	seedGateway(db, nil)
	link.Err = errors.New("dial tcp: connection refused")

	result := c.Collect(context.Background(), "gw-1", datamodel.DataClassNetworkStatus)
	require.NotNil(t, result.Failure)
	assert.Equal(t, datamodel.ErrorKindConnectionRefused, result.Failure.Kind)
	assert.False(t, result.FromCache)
	assert.Equal(t, datamodel.StatusUnavailable, result.Snapshot.Status)

	payload, ok := result.Snapshot.Payload.(*datamodel.NetworkStatusPayload)
	require.True(t, ok)
	assert.True(t, payload.IsEmpty(), "no value may be invented for a gateway never collected")
	assert.Nil(t, result.Failure.DataAge)
}

func TestCollectAuthenticationFailureNotRetryEligible(t *testing.T) {
	c, db, link := setupCollector(t)
	seedGateway(db, nil)
	link.Err = errors.New("device returned status 401: unauthorized")

	result := c.Collect(context.Background(), "gw-1", datamodel.DataClassSystemHealth)
	require.NotNil(t, result.Failure)
	assert.Equal(t, datamodel.ErrorKindAuthentication, result.Failure.Kind)
	assert.False(t, result.Failure.RetryEligible)
	assert.False(t, result.Failure.RetrySuggested)
	assert.NotEmpty(t, result.Failure.TroubleshootingSteps)
}

func TestCollectMergeKeepsUnreportedFields(t *testing.T) {
	c, db, link := setupCollector(t)
	db.AddGateway(datamodel.Gateway{
		ID:   "gw-1",
		Host: "10.0.0.5",
		SystemHealth: datamodel.SystemHealthPayload{
			UptimeHours: datamodel.Float64Ptr(100),
			CPULoad:     datamodel.Float64Ptr(20),
			MemoryUsage: datamodel.Float64Ptr(60),
		},
	})
	// The device reports only a cpu value this cycle.
	link.SystemData = &datamodel.SystemHealthPayload{CPULoad: datamodel.Float64Ptr(55)}

	result := c.Collect(context.Background(), "gw-1", datamodel.DataClassSystemHealth)
	require.True(t, result.OK())

	gw, err := db.LoadGateway(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.Equal(t, 55.0, *gw.SystemHealth.CPULoad)
	assert.Equal(t, 100.0, *gw.SystemHealth.UptimeHours, "unreported field must survive the merge")
	assert.Equal(t, 60.0, *gw.SystemHealth.MemoryUsage)

	// No history sample without a complete cpu and memory pair.
	assert.Empty(t, db.History)
}

func TestCollectConcurrentWritesMergeCoherently(t *testing.T) {
	c, db, link := setupCollector(t)
	seedGateway(db, nil)
	link.SystemData = &datamodel.SystemHealthPayload{
		UptimeHours: datamodel.Float64Ptr(42),
		CPULoad:     datamodel.Float64Ptr(35),
		MemoryUsage: datamodel.Float64Ptr(50),
	}
	link.IoData = &datamodel.IoStatusPayload{
		DI1: datamodel.BoolPtr(true),
		DO1: datamodel.BoolPtr(false),
	}

	// Two classes of the same gateway collected at once. The per-gateway
	// lock serializes the read-merge-save cycles, neither class may erase
	// the fields the other one just persisted.
	var wg sync.WaitGroup
	results := make([]datamodel.CollectResult, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = c.Collect(context.Background(), "gw-1", datamodel.DataClassSystemHealth)
	}()
	go func() {
		defer wg.Done()
		results[1] = c.Collect(context.Background(), "gw-1", datamodel.DataClassIoStatus)
	}()
	wg.Wait()

	require.True(t, results[0].OK())
	require.True(t, results[1].OK())
	assert.Equal(t, 2, db.Saves)

	gw, err := db.LoadGateway(context.Background(), "gw-1")
	require.NoError(t, err)
	require.NotNil(t, gw.SystemHealth.CPULoad, "system health fields must survive the concurrent io save")
	assert.Equal(t, 35.0, *gw.SystemHealth.CPULoad)
	assert.Equal(t, 50.0, *gw.SystemHealth.MemoryUsage)
	require.NotNil(t, gw.Io.DI1, "io fields must survive the concurrent system health save")
	assert.True(t, *gw.Io.DI1)
	assert.False(t, *gw.Io.DO1)
	assert.Equal(t, datamodel.CommStateOnline, gw.CommState)
	assert.NotNil(t, gw.LastSeenAt)
}

func TestCollectEmptyReplyDoesNotOverwrite(t *testing.T) {
	c, db, link := setupCollector(t)
	db.AddGateway(datamodel.Gateway{
		ID:           "gw-1",
		Host:         "10.0.0.5",
		SystemHealth: datamodel.SystemHealthPayload{CPULoad: datamodel.Float64Ptr(20)},
	})
	link.SystemData = &datamodel.SystemHealthPayload{}

	result := c.Collect(context.Background(), "gw-1", datamodel.DataClassSystemHealth)
	require.True(t, result.OK())
	assert.Equal(t, datamodel.StatusUnavailable, result.Snapshot.Status)
	assert.Equal(t, 0, db.Saves, "an empty reply must not rewrite the gateway record")

	_, hit := internal.GetTelemetry("gw-1", datamodel.DataClassSystemHealth)
	assert.False(t, hit, "an empty reply must not be cached")
}

func TestCollectPersistenceFailureStillReturnsData(t *testing.T) {
	c, db, link := setupCollector(t)
	seedGateway(db, nil)
	db.FailSave = true
	link.IoData = &datamodel.IoStatusPayload{DI1: datamodel.BoolPtr(true)}

	result := c.Collect(context.Background(), "gw-1", datamodel.DataClassIoStatus)
	require.True(t, result.OK())

	payload, ok := result.Snapshot.Payload.(*datamodel.IoStatusPayload)
	require.True(t, ok)
	assert.True(t, *payload.DI1)
}

func TestSetDigitalOutputRejectsUnknownOutput(t *testing.T) {
	c, db, link := setupCollector(t)
	seedGateway(db, nil)

	result := c.SetDigitalOutput(context.Background(), "gw-1", "do9", true)
	assert.False(t, result.OK)
	require.NotNil(t, result.Failure)
	assert.Equal(t, datamodel.ErrorKindInvalidOperation, result.Failure.Kind)
	assert.Empty(t, link.CommandCalls, "an invalid output id must never reach the device")
}

func TestSetDigitalOutputSuccessInvalidatesIoCache(t *testing.T) {
	c, db, link := setupCollector(t)
	seedGateway(db, nil)
	link.IoData = &datamodel.IoStatusPayload{DO1: datamodel.BoolPtr(false)}

	first := c.Collect(context.Background(), "gw-1", datamodel.DataClassIoStatus)
	require.True(t, first.OK())

	result := c.SetDigitalOutput(context.Background(), "gw-1", "do1", true)
	require.True(t, result.OK)
	require.Len(t, link.CommandCalls, 1)
	assert.Equal(t, "do1", link.CommandCalls[0].OutputID)
	assert.True(t, link.CommandCalls[0].State)

	_, hit := internal.GetTelemetry("gw-1", datamodel.DataClassIoStatus)
	assert.False(t, hit, "cached I/O state predates the switch and must be gone")

	gw, err := db.LoadGateway(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.True(t, *gw.Io.DO1)
}

func TestSetDigitalOutputModuleOfflineIsHardwareFailure(t *testing.T) {
	c, db, link := setupCollector(t)
	seedGateway(db, nil)
	link.CommandErr = errors.New("command rejected by device: io module offline")

	result := c.SetDigitalOutput(context.Background(), "gw-1", "do2", true)
	assert.False(t, result.OK)
	require.NotNil(t, result.Failure)
	assert.Equal(t, datamodel.ErrorKindHardwareFailure, result.Failure.Kind)
	assert.False(t, result.Failure.RetryEligible)
	assert.True(t, result.Failure.RetrySuggested)
}
