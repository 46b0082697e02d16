package collector

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fieldgrid/rtu-telemetry/internal"
	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

// failureMessages holds the operator facing wording per error kind. The
// wording is fixed so the same failure always reads the same way.
var failureMessages = map[datamodel.ErrorKind]string{
	datamodel.ErrorKindTimeout:           "connection timed out, showing last known data",
	datamodel.ErrorKindConnectionRefused: "device unreachable, showing last known data",
	datamodel.ErrorKindAuthentication:    "credentials rejected by device, check the gateway access settings",
	datamodel.ErrorKindNotFound:          "requested data not available on this device",
	datamodel.ErrorKindInvalidResponse:   "device returned malformed data, showing last known data",
	datamodel.ErrorKindHardwareFailure:   "device reported a hardware fault",
	datamodel.ErrorKindPermissionDenied:  "operation not permitted for the configured account",
	datamodel.ErrorKindInvalidOperation:  "operation rejected by device",
	datamodel.ErrorKindUnknown:           "unexpected failure while contacting device",
}

var troubleshootingSteps = map[datamodel.ErrorKind][]string{
	datamodel.ErrorKindTimeout: {
		"Check the network connection to the gateway",
		"Verify the gateway is powered and responsive",
		"Retry once the link has recovered",
	},
	datamodel.ErrorKindConnectionRefused: {
		"Verify the gateway host and port configuration",
		"Check whether the device service is running",
		"Check firewall rules between the collector and the gateway",
	},
	datamodel.ErrorKindAuthentication: {
		"Verify the configured device credentials",
		"Re-provision the gateway access token if it has expired",
	},
	datamodel.ErrorKindNotFound: {
		"Verify the gateway firmware supports this data class",
		"Check the device API version",
	},
	datamodel.ErrorKindInvalidResponse: {
		"Check the gateway firmware version for known encoding defects",
		"Retry, transient corruption usually clears on the next poll",
	},
	datamodel.ErrorKindHardwareFailure: {
		"Inspect the I/O module wiring and power",
		"Power cycle the affected module",
		"Contact field service if the fault persists",
	},
	datamodel.ErrorKindPermissionDenied: {
		"Verify the account role assigned to the collector",
	},
	datamodel.ErrorKindInvalidOperation: {
		"Verify the requested output exists on this hardware revision",
	},
	datamodel.ErrorKindUnknown: {
		"Check the collector logs for the underlying error",
		"Retry the operation",
	},
}

func failureFor(kind datamodel.ErrorKind) *datamodel.CollectFailure {
	message, ok := failureMessages[kind]
	if !ok {
		message = failureMessages[datamodel.ErrorKindUnknown]
	}
	return &datamodel.CollectFailure{
		Kind:                 kind,
		Message:              message,
		TroubleshootingSteps: troubleshootingSteps[kind],
		RetryEligible:        RetryEligible(kind),
		RetrySuggested:       RetrySuggested(kind),
	}
}

// newPayload returns the empty payload struct of a class. All fields nil,
// values are never invented for data that was not collected.
func newPayload(class datamodel.DataClass) datamodel.TelemetryPayload {
	switch class {
	case datamodel.DataClassNetworkStatus:
		return &datamodel.NetworkStatusPayload{}
	case datamodel.DataClassIoStatus:
		return &datamodel.IoStatusPayload{}
	default:
		return &datamodel.SystemHealthPayload{}
	}
}

func decodePayload(class datamodel.DataClass, raw []byte) (datamodel.TelemetryPayload, error) {
	payload := newPayload(class)
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// lastKnownPayload extracts the last successfully collected payload of a
// class from the gateway record, or nil if none was ever collected.
func lastKnownPayload(gw *datamodel.Gateway, class datamodel.DataClass) datamodel.TelemetryPayload {
	if gw == nil {
		return nil
	}
	switch class {
	case datamodel.DataClassSystemHealth:
		if !gw.SystemHealth.IsEmpty() {
			copied := gw.SystemHealth
			return &copied
		}
	case datamodel.DataClassNetworkStatus:
		if !gw.Network.IsEmpty() {
			copied := gw.Network
			return &copied
		}
	case datamodel.DataClassIoStatus:
		if !gw.Io.IsEmpty() {
			copied := gw.Io
			return &copied
		}
	}
	return nil
}

// FallbackView returns the degraded result for a gateway and class without
// any device traffic. Used while a retry chain owns the live operation.
func (c *Collector) FallbackView(ctx context.Context, gatewayID string, class datamodel.DataClass, kind datamodel.ErrorKind) datamodel.CollectResult {
	gw, err := c.db.LoadGateway(ctx, gatewayID)
	if err != nil {
		gw = nil
	}
	return c.buildFallback(gw, gatewayID, class, kind, c.clock())
}

// buildFallback assembles the degraded result of a failed collection. The
// payload is the freshest surviving data in order of preference: the stale
// cache copy, then the persisted gateway record, then an empty payload. No
// field is ever zero-filled to look collected.
func (c *Collector) buildFallback(gw *datamodel.Gateway, gatewayID string, class datamodel.DataClass, kind datamodel.ErrorKind, now time.Time) datamodel.CollectResult {
	failure := failureFor(kind)

	var payload datamodel.TelemetryPayload
	fromCache := false

	if raw, found := internal.GetTelemetryStale(gatewayID, class); found {
		decoded, err := decodePayload(class, raw)
		if err != nil {
			zap.S().Warnf("Discarding undecodable stale cache entry for %s/%s: %s", gatewayID, class, err)
		} else {
			payload = decoded
			fromCache = true
		}
	}
	if payload == nil {
		payload = lastKnownPayload(gw, class)
	}
	if payload == nil {
		payload = newPayload(class)
	}

	lastUpdated := now
	if gw != nil && gw.LastSeenAt != nil {
		age := now.Sub(*gw.LastSeenAt)
		failure.DataAge = &age
		lastUpdated = *gw.LastSeenAt
	}

	return datamodel.CollectResult{
		Snapshot: datamodel.TelemetrySnapshot{
			GatewayID:   gatewayID,
			Class:       class,
			Payload:     payload,
			Status:      payloadStatus(payload),
			LastUpdated: lastUpdated,
		},
		FromCache: fromCache,
		Failure:   failure,
	}
}
