package collector

import (
	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

// Fixed status thresholds. CPU and memory are percentages.
const (
	cpuCriticalThreshold = 95.0
	cpuWarningThreshold  = 80.0
	memCriticalThreshold = 95.0
	memWarningThreshold  = 85.0

	rssiCriticalThreshold = -110.0
	rssiWarningThreshold  = -95.0
)

// DetermineSystemStatus derives the health tag of a system snapshot.
// Missing fields never trip a threshold.
func DetermineSystemStatus(p *datamodel.SystemHealthPayload) datamodel.Status {
	if p.IsEmpty() {
		return datamodel.StatusUnavailable
	}
	if p.UptimeHours != nil && *p.UptimeHours <= 0 {
		return datamodel.StatusOffline
	}
	if (p.CPULoad != nil && *p.CPULoad >= cpuCriticalThreshold) ||
		(p.MemoryUsage != nil && *p.MemoryUsage >= memCriticalThreshold) {
		return datamodel.StatusCritical
	}
	if (p.CPULoad != nil && *p.CPULoad >= cpuWarningThreshold) ||
		(p.MemoryUsage != nil && *p.MemoryUsage >= memWarningThreshold) {
		return datamodel.StatusWarning
	}
	return datamodel.StatusNormal
}

// DetermineNetworkStatus derives the health tag of a network snapshot from
// the connection state and the signal strength.
func DetermineNetworkStatus(p *datamodel.NetworkStatusPayload) datamodel.Status {
	if p.IsEmpty() {
		return datamodel.StatusUnavailable
	}
	if p.ConnectionStatus != nil && *p.ConnectionStatus == "disconnected" {
		return datamodel.StatusOffline
	}
	if p.RSSI != nil && *p.RSSI <= rssiCriticalThreshold {
		return datamodel.StatusCritical
	}
	if p.RSSI != nil && *p.RSSI <= rssiWarningThreshold {
		return datamodel.StatusWarning
	}
	return datamodel.StatusNormal
}

// DetermineIoStatus derives the health tag of an I/O snapshot. I/O state
// has no thresholds of its own, it is either there or not.
func DetermineIoStatus(p *datamodel.IoStatusPayload) datamodel.Status {
	if p.IsEmpty() {
		return datamodel.StatusUnavailable
	}
	return datamodel.StatusNormal
}

// payloadStatus dispatches on the payload class.
func payloadStatus(payload datamodel.TelemetryPayload) datamodel.Status {
	switch p := payload.(type) {
	case *datamodel.SystemHealthPayload:
		return DetermineSystemStatus(p)
	case *datamodel.NetworkStatusPayload:
		return DetermineNetworkStatus(p)
	case *datamodel.IoStatusPayload:
		return DetermineIoStatus(p)
	default:
		return datamodel.StatusUnavailable
	}
}
