package datamodel

import (
	"time"
)

// DataClass identifies one telemetry class of a gateway. Each class has its
// own freshness requirement, see internal cache TTL table.
type DataClass string

const (
	DataClassSystemHealth  DataClass = "system_health"
	DataClassNetworkStatus DataClass = "network_status"
	DataClassIoStatus      DataClass = "io_status"
	DataClassTrend         DataClass = "trend"
)

// Status is the derived health tag of a telemetry snapshot.
type Status string

const (
	StatusNormal      Status = "normal"
	StatusWarning     Status = "warning"
	StatusCritical    Status = "critical"
	StatusOffline     Status = "offline"
	StatusUnavailable Status = "unavailable"
)

// CommState is the communication status of a gateway.
type CommState string

const (
	CommStateOnline  CommState = "online"
	CommStateWarning CommState = "warning"
	CommStateOffline CommState = "offline"
)

// TelemetryPayload is the closed union over the per-class payload structs.
// Pointer fields mean "never collected", they are never zero-filled.
type TelemetryPayload interface {
	Class() DataClass
	IsEmpty() bool
}

// SystemHealthPayload carries the system metrics of one collection cycle.
type SystemHealthPayload struct {
	UptimeHours *float64 `json:"uptimeHours"`
	CPULoad     *float64 `json:"cpuLoad"`
	MemoryUsage *float64 `json:"memoryUsage"`
}

func (p *SystemHealthPayload) Class() DataClass {
	return DataClassSystemHealth
}

func (p *SystemHealthPayload) IsEmpty() bool {
	return p == nil || (p.UptimeHours == nil && p.CPULoad == nil && p.MemoryUsage == nil)
}

// NetworkStatusPayload carries WAN and cellular modem metrics.
type NetworkStatusPayload struct {
	WANIP            *string  `json:"wanIp"`
	SimICCID         *string  `json:"simIccid"`
	SimAPN           *string  `json:"simApn"`
	SimOperator      *string  `json:"simOperator"`
	ConnectionStatus *string  `json:"connectionStatus"`
	RSSI             *float64 `json:"rssi"`
	RSRP             *float64 `json:"rsrp"`
	RSRQ             *float64 `json:"rsrq"`
	SINR             *float64 `json:"sinr"`
}

func (p *NetworkStatusPayload) Class() DataClass {
	return DataClassNetworkStatus
}

func (p *NetworkStatusPayload) IsEmpty() bool {
	if p == nil {
		return true
	}
	return p.WANIP == nil && p.SimICCID == nil && p.SimAPN == nil && p.SimOperator == nil &&
		p.ConnectionStatus == nil && p.RSSI == nil && p.RSRP == nil && p.RSRQ == nil && p.SINR == nil
}

// IoStatusPayload carries the digital and analog I/O state.
type IoStatusPayload struct {
	DI1           *bool    `json:"di1"`
	DI2           *bool    `json:"di2"`
	DO1           *bool    `json:"do1"`
	DO2           *bool    `json:"do2"`
	AnalogVoltage *float64 `json:"analogVoltage"`
}

func (p *IoStatusPayload) Class() DataClass {
	return DataClassIoStatus
}

func (p *IoStatusPayload) IsEmpty() bool {
	if p == nil {
		return true
	}
	return p.DI1 == nil && p.DI2 == nil && p.DO1 == nil && p.DO2 == nil && p.AnalogVoltage == nil
}

// Gateway keeps identity and the last known state of one RTU. The last known
// payloads only ever reflect a successful collection, a failed attempt never
// writes partial data into them.
type Gateway struct {
	ID           string
	Name         string
	Host         string
	CommState    CommState
	SystemHealth SystemHealthPayload
	Network      NetworkStatusPayload
	Io           IoStatusPayload
	LastSeenAt   *time.Time
}

// TelemetrySnapshot is the transient result of one collection cycle. It is
// either cached or folded into the gateway record, never persisted as is.
type TelemetrySnapshot struct {
	GatewayID   string           `json:"gatewayId"`
	Class       DataClass        `json:"dataClass"`
	Payload     TelemetryPayload `json:"payload"`
	Status      Status           `json:"status"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

// TrendReport holds window statistics over the persisted telemetry history.
type TrendReport struct {
	GatewayID  string        `json:"gatewayId"`
	Window     time.Duration `json:"window"`
	Samples    int           `json:"samples"`
	CPUMean    float64       `json:"cpuMean"`
	CPUStdDev  float64       `json:"cpuStdDev"`
	CPUMin     float64       `json:"cpuMin"`
	CPUMax     float64       `json:"cpuMax"`
	MemMean    float64       `json:"memMean"`
	MemStdDev  float64       `json:"memStdDev"`
	MemMin     float64       `json:"memMin"`
	MemMax     float64       `json:"memMax"`
	ComputedAt time.Time     `json:"computedAt"`
}

// HistoryPoint is one persisted system-health sample.
type HistoryPoint struct {
	GatewayID string
	Timestamp time.Time
	CPULoad   float64
	MemUsage  float64
}

func Float64Ptr(v float64) *float64 {
	return &v
}

func StringPtr(v string) *string {
	return &v
}

func BoolPtr(v bool) *bool {
	return &v
}
