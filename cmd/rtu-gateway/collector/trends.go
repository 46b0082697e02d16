package collector

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/metrics"
	"github.com/fieldgrid/rtu-telemetry/internal"
	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

// trendCacheID makes the cache key window specific, reports over different
// windows for the same gateway must not alias.
func trendCacheID(gatewayID string, window time.Duration) string {
	return gatewayID + "#" + window.String()
}

// CollectTrend computes window statistics over the persisted system health
// history of a gateway. Reports are cached with a TTL scaled to the window,
// short windows change quickly and expire sooner.
func (c *Collector) CollectTrend(ctx context.Context, gatewayID string, window time.Duration) datamodel.TrendResult {
	cacheID := trendCacheID(gatewayID, window)

	if raw, hit := internal.GetTelemetry(cacheID, datamodel.DataClassTrend); hit {
		var report datamodel.TrendReport
		if err := json.Unmarshal(raw, &report); err == nil {
			metrics.CacheHitsTotal.WithLabelValues(string(datamodel.DataClassTrend), "hit").Inc()
			return datamodel.TrendResult{Report: &report, FromCache: true}
		}
		internal.InvalidateTelemetry(cacheID, datamodel.DataClassTrend)
	}
	metrics.CacheHitsTotal.WithLabelValues(string(datamodel.DataClassTrend), "miss").Inc()

	points, err := c.db.HistoryWindow(ctx, gatewayID, window)
	if err != nil {
		kind := ClassifyError(err)
		metrics.CollectionFailuresTotal.WithLabelValues(string(kind)).Inc()
		return datamodel.TrendResult{Failure: failureFor(kind)}
	}
	if len(points) == 0 {
		// An empty window is reported as such, statistics are never made up.
		failure := failureFor(datamodel.ErrorKindNotFound)
		failure.Message = "no telemetry history in the requested window"
		return datamodel.TrendResult{Failure: failure}
	}

	cpu := make([]float64, 0, len(points))
	mem := make([]float64, 0, len(points))
	for _, point := range points {
		cpu = append(cpu, point.CPULoad)
		mem = append(mem, point.MemUsage)
	}

	report := datamodel.TrendReport{
		GatewayID:  gatewayID,
		Window:     window,
		Samples:    len(points),
		CPUMean:    stat.Mean(cpu, nil),
		CPUStdDev:  sampleStdDev(cpu),
		CPUMin:     floats.Min(cpu),
		CPUMax:     floats.Max(cpu),
		MemMean:    stat.Mean(mem, nil),
		MemStdDev:  sampleStdDev(mem),
		MemMin:     floats.Min(mem),
		MemMax:     floats.Max(mem),
		ComputedAt: c.clock(),
	}

	if raw, marshalErr := json.Marshal(&report); marshalErr == nil {
		internal.SetTelemetryTTL(cacheID, datamodel.DataClassTrend, raw, internal.TrendTTL(window))
	} else {
		zap.S().Errorf("Failed to marshal trend report for %s: %s", gatewayID, marshalErr)
	}

	return datamodel.TrendResult{Report: &report}
}

// sampleStdDev is zero for a single sample instead of NaN.
func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.StdDev(values, nil)
}
