package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/EagleChen/mapmutex"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/devicelink"
	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/metrics"
	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/postgresql"
	"github.com/fieldgrid/rtu-telemetry/internal"
	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

const defaultFetchTimeout = 10 * time.Second

// Collector runs the cache-first telemetry pipeline for a fleet of RTU
// gateways. All methods are safe for concurrent use, writes to one gateway
// record are serialized through a per-gateway lock.
type Collector struct {
	db   postgresql.IConnection
	link devicelink.ILink

	gatewayLocks *mapmutex.Mutex
	fetchTimeout time.Duration

	// clock is swapped out by tests.
	clock func() time.Time
}

func NewCollector(db postgresql.IConnection, link devicelink.ILink) *Collector {
	return &Collector{
		db:           db,
		link:         link,
		gatewayLocks: mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
		fetchTimeout: defaultFetchTimeout,
		clock:        time.Now,
	}
}

// Collect returns the telemetry of one gateway and class. A fresh cache
// entry is returned without touching the device. On a live fetch the result
// is persisted and cached; on failure the classified error and the best
// surviving fallback data are returned together.
func (c *Collector) Collect(ctx context.Context, gatewayID string, class datamodel.DataClass) datamodel.CollectResult {
	now := c.clock()

	if raw, hit := internal.GetTelemetry(gatewayID, class); hit {
		payload, err := decodePayload(class, raw)
		if err == nil {
			metrics.CacheHitsTotal.WithLabelValues(string(class), "hit").Inc()
			return datamodel.CollectResult{
				Snapshot: datamodel.TelemetrySnapshot{
					GatewayID:   gatewayID,
					Class:       class,
					Payload:     payload,
					Status:      payloadStatus(payload),
					LastUpdated: now,
				},
				FromCache: true,
			}
		}
		zap.S().Warnf("Dropping undecodable cache entry for %s/%s: %s", gatewayID, class, err)
		internal.InvalidateTelemetry(gatewayID, class)
	}
	metrics.CacheHitsTotal.WithLabelValues(string(class), "miss").Inc()

	gw, err := c.db.LoadGateway(ctx, gatewayID)
	if err != nil {
		kind := ClassifyError(err)
		metrics.CollectionFailuresTotal.WithLabelValues(string(kind)).Inc()
		metrics.CollectionsTotal.WithLabelValues(string(class), "failure").Inc()
		return c.buildFallback(nil, gatewayID, class, kind, now)
	}

	payload, err := c.fetch(ctx, gw, class)
	if err != nil {
		kind := ClassifyError(err)
		zap.S().Warnf("Collection for %s/%s failed: %s", gatewayID, class, err)
		metrics.CollectionFailuresTotal.WithLabelValues(string(kind)).Inc()
		metrics.CollectionsTotal.WithLabelValues(string(class), "failure").Inc()
		return c.buildFallback(gw, gatewayID, class, kind, now)
	}

	if payload == nil || payload.IsEmpty() {
		// The device answered but carried no data. Nothing to persist or
		// cache, the last known state stays untouched.
		metrics.CollectionsTotal.WithLabelValues(string(class), "empty").Inc()
		return datamodel.CollectResult{
			Snapshot: datamodel.TelemetrySnapshot{
				GatewayID:   gatewayID,
				Class:       class,
				Payload:     newPayload(class),
				Status:      datamodel.StatusUnavailable,
				LastUpdated: now,
			},
		}
	}

	c.persist(ctx, gw, class, payload, now)

	if raw, marshalErr := json.Marshal(payload); marshalErr == nil {
		internal.SetTelemetry(gatewayID, class, raw)
	} else {
		zap.S().Errorf("Failed to marshal %s payload for %s: %s", class, gatewayID, marshalErr)
	}

	metrics.CollectionsTotal.WithLabelValues(string(class), "success").Inc()
	return datamodel.CollectResult{
		Snapshot: datamodel.TelemetrySnapshot{
			GatewayID:   gatewayID,
			Class:       class,
			Payload:     payload,
			Status:      payloadStatus(payload),
			LastUpdated: now,
		},
	}
}

func (c *Collector) fetch(ctx context.Context, gw *datamodel.Gateway, class datamodel.DataClass) (datamodel.TelemetryPayload, error) {
	deadline, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	switch class {
	case datamodel.DataClassSystemHealth:
		return c.link.FetchSystemData(deadline, gw)
	case datamodel.DataClassNetworkStatus:
		return c.link.FetchNetworkData(deadline, gw)
	case datamodel.DataClassIoStatus:
		return c.link.FetchIoData(deadline, gw)
	default:
		return nil, fmt.Errorf("invalid operation: no collector for data class %s", class)
	}
}

// persist folds a fresh payload into the gateway record and appends a
// history sample for system health. Field merge is per field, a value the
// device did not report never overwrites the last known one.
func (c *Collector) persist(ctx context.Context, gw *datamodel.Gateway, class datamodel.DataClass, payload datamodel.TelemetryPayload, now time.Time) {
	if !c.gatewayLocks.TryLock(gw.ID) {
		zap.S().Errorf("Could not acquire write lock for gateway %s, skipping persist", gw.ID)
		return
	}
	defer c.gatewayLocks.Unlock(gw.ID)

	// The record loaded before the lock may miss a concurrent save of another
	// class. Merge into the current record, not the snapshot.
	if fresh, err := c.db.LoadGateway(ctx, gw.ID); err == nil {
		gw = fresh
	}

	mergePayload(gw, payload)
	gw.CommState = datamodel.CommStateOnline
	gw.LastSeenAt = &now

	if err := c.db.SaveGateway(ctx, gw); err != nil {
		// The snapshot is still returned and cached, the persisted record
		// catches up on the next successful cycle.
		zap.S().Errorf("Failed to persist gateway %s: %s", gw.ID, err)
		return
	}

	if system, ok := payload.(*datamodel.SystemHealthPayload); ok && system.CPULoad != nil && system.MemoryUsage != nil {
		point := datamodel.HistoryPoint{
			GatewayID: gw.ID,
			Timestamp: now,
			CPULoad:   *system.CPULoad,
			MemUsage:  *system.MemoryUsage,
		}
		if err := c.db.InsertHistory(ctx, point); err != nil {
			zap.S().Errorf("Failed to insert history sample for gateway %s: %s", gw.ID, err)
		}
	}
}

func mergePayload(gw *datamodel.Gateway, payload datamodel.TelemetryPayload) {
	switch p := payload.(type) {
	case *datamodel.SystemHealthPayload:
		mergeSystem(&gw.SystemHealth, p)
	case *datamodel.NetworkStatusPayload:
		mergeNetwork(&gw.Network, p)
	case *datamodel.IoStatusPayload:
		mergeIo(&gw.Io, p)
	}
}

func mergeSystem(dst *datamodel.SystemHealthPayload, src *datamodel.SystemHealthPayload) {
	if src.UptimeHours != nil {
		dst.UptimeHours = src.UptimeHours
	}
	if src.CPULoad != nil {
		dst.CPULoad = src.CPULoad
	}
	if src.MemoryUsage != nil {
		dst.MemoryUsage = src.MemoryUsage
	}
}

func mergeNetwork(dst *datamodel.NetworkStatusPayload, src *datamodel.NetworkStatusPayload) {
	if src.WANIP != nil {
		dst.WANIP = src.WANIP
	}
	if src.SimICCID != nil {
		dst.SimICCID = src.SimICCID
	}
	if src.SimAPN != nil {
		dst.SimAPN = src.SimAPN
	}
	if src.SimOperator != nil {
		dst.SimOperator = src.SimOperator
	}
	if src.ConnectionStatus != nil {
		dst.ConnectionStatus = src.ConnectionStatus
	}
	if src.RSSI != nil {
		dst.RSSI = src.RSSI
	}
	if src.RSRP != nil {
		dst.RSRP = src.RSRP
	}
	if src.RSRQ != nil {
		dst.RSRQ = src.RSRQ
	}
	if src.SINR != nil {
		dst.SINR = src.SINR
	}
}

func mergeIo(dst *datamodel.IoStatusPayload, src *datamodel.IoStatusPayload) {
	if src.DI1 != nil {
		dst.DI1 = src.DI1
	}
	if src.DI2 != nil {
		dst.DI2 = src.DI2
	}
	if src.DO1 != nil {
		dst.DO1 = src.DO1
	}
	if src.DO2 != nil {
		dst.DO2 = src.DO2
	}
	if src.AnalogVoltage != nil {
		dst.AnalogVoltage = src.AnalogVoltage
	}
}

// SetDigitalOutput switches one digital output of a gateway. The output id
// is validated before any device traffic, an unknown output never reaches
// the wire. On success the persisted record is updated and the cached I/O
// state is invalidated so the next read reflects the change.
func (c *Collector) SetDigitalOutput(ctx context.Context, gatewayID string, outputID string, state bool) datamodel.ControlResult {
	if outputID != "do1" && outputID != "do2" {
		failure := failureFor(datamodel.ErrorKindInvalidOperation)
		failure.Message = fmt.Sprintf("invalid output id %q, expected do1 or do2", outputID)
		metrics.ControlCommandsTotal.WithLabelValues("rejected").Inc()
		return datamodel.ControlResult{OutputID: outputID, State: state, Failure: failure}
	}

	gw, err := c.db.LoadGateway(ctx, gatewayID)
	if err != nil {
		metrics.ControlCommandsTotal.WithLabelValues("failure").Inc()
		return datamodel.ControlResult{OutputID: outputID, State: state, Failure: failureFor(ClassifyError(err))}
	}

	deadline, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	if err = c.link.SendDigitalOutputCommand(deadline, gw, outputID, state); err != nil {
		kind := ClassifyError(err)
		zap.S().Warnf("Digital output command %s=%t for gateway %s failed: %s", outputID, state, gatewayID, err)
		metrics.ControlCommandsTotal.WithLabelValues("failure").Inc()
		return datamodel.ControlResult{OutputID: outputID, State: state, Failure: failureFor(kind)}
	}

	if c.gatewayLocks.TryLock(gw.ID) {
		if fresh, loadErr := c.db.LoadGateway(ctx, gw.ID); loadErr == nil {
			gw = fresh
		}
		if outputID == "do1" {
			gw.Io.DO1 = &state
		} else {
			gw.Io.DO2 = &state
		}
		if saveErr := c.db.SaveGateway(ctx, gw); saveErr != nil {
			zap.S().Errorf("Failed to persist output state for gateway %s: %s", gw.ID, saveErr)
		}
		c.gatewayLocks.Unlock(gw.ID)
	} else {
		zap.S().Errorf("Could not acquire write lock for gateway %s after output command", gw.ID)
	}

	// The cached I/O snapshot predates the switch, force a live read next
	// time. The stale copy stays for fallback use.
	internal.InvalidateTelemetry(gatewayID, datamodel.DataClassIoStatus)

	metrics.ControlCommandsTotal.WithLabelValues("success").Inc()
	return datamodel.ControlResult{OK: true, OutputID: outputID, State: state}
}
