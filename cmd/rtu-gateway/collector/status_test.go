package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

func TestDetermineSystemStatus(t *testing.T) {
	f := datamodel.Float64Ptr

	cases := []struct {
		name    string
		payload datamodel.SystemHealthPayload
		want    datamodel.Status
	}{
		{"empty payload", datamodel.SystemHealthPayload{}, datamodel.StatusUnavailable},
		{"zero uptime", datamodel.SystemHealthPayload{UptimeHours: f(0), CPULoad: f(10)}, datamodel.StatusOffline},
		{"negative uptime", datamodel.SystemHealthPayload{UptimeHours: f(-1)}, datamodel.StatusOffline},
		{"cpu at critical threshold", datamodel.SystemHealthPayload{UptimeHours: f(5), CPULoad: f(95), MemoryUsage: f(10)}, datamodel.StatusCritical},
		{"memory at critical threshold", datamodel.SystemHealthPayload{UptimeHours: f(5), CPULoad: f(10), MemoryUsage: f(95)}, datamodel.StatusCritical},
		{"cpu at warning threshold", datamodel.SystemHealthPayload{UptimeHours: f(5), CPULoad: f(80), MemoryUsage: f(10)}, datamodel.StatusWarning},
		{"memory at warning threshold", datamodel.SystemHealthPayload{UptimeHours: f(5), CPULoad: f(10), MemoryUsage: f(85)}, datamodel.StatusWarning},
		{"just below warning", datamodel.SystemHealthPayload{UptimeHours: f(5), CPULoad: f(79.9), MemoryUsage: f(84.9)}, datamodel.StatusNormal},
		{"healthy", datamodel.SystemHealthPayload{UptimeHours: f(120), CPULoad: f(35), MemoryUsage: f(50)}, datamodel.StatusNormal},
		{"missing cpu does not trip threshold", datamodel.SystemHealthPayload{UptimeHours: f(5), MemoryUsage: f(50)}, datamodel.StatusNormal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetermineSystemStatus(&tc.payload))
		})
	}
}

func TestDetermineSystemStatusOfflineBeatsCritical(t *testing.T) {
	// Zero uptime wins over a critical load reading, a device that just
	// rebooted reports garbage load values.
	payload := datamodel.SystemHealthPayload{
		UptimeHours: datamodel.Float64Ptr(0),
		CPULoad:     datamodel.Float64Ptr(99),
	}
	assert.Equal(t, datamodel.StatusOffline, DetermineSystemStatus(&payload))
}

func TestDetermineNetworkStatus(t *testing.T) {
	f := datamodel.Float64Ptr
	s := datamodel.StringPtr

	assert.Equal(t, datamodel.StatusUnavailable, DetermineNetworkStatus(&datamodel.NetworkStatusPayload{}))
	assert.Equal(t, datamodel.StatusOffline, DetermineNetworkStatus(&datamodel.NetworkStatusPayload{ConnectionStatus: s("disconnected")}))
	assert.Equal(t, datamodel.StatusCritical, DetermineNetworkStatus(&datamodel.NetworkStatusPayload{ConnectionStatus: s("connected"), RSSI: f(-115)}))
	assert.Equal(t, datamodel.StatusWarning, DetermineNetworkStatus(&datamodel.NetworkStatusPayload{ConnectionStatus: s("connected"), RSSI: f(-100)}))
	assert.Equal(t, datamodel.StatusNormal, DetermineNetworkStatus(&datamodel.NetworkStatusPayload{ConnectionStatus: s("connected"), RSSI: f(-70)}))
}

func TestDetermineIoStatus(t *testing.T) {
	assert.Equal(t, datamodel.StatusUnavailable, DetermineIoStatus(&datamodel.IoStatusPayload{}))
	assert.Equal(t, datamodel.StatusNormal, DetermineIoStatus(&datamodel.IoStatusPayload{DI1: datamodel.BoolPtr(true)}))
}
