package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/alerts"
	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/collector"
	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/devicelink"
	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/helper"
	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/postgresql"
	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/retrier"
	"github.com/fieldgrid/rtu-telemetry/internal"
	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

var buildtime string

func main() {
	helper.InitLogging()
	zap.S().Infof("This is rtu-gateway build date: %s", buildtime)

	internal.Initfgtrace()

	// Healthcheck on the usual port
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:2112", nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics endpoint: %s", err)
		}
	}()

	redisURI, err := env.GetAsString("REDIS_URI", false, "redis:6379")
	if err != nil {
		zap.S().Error(err)
	}
	redisPassword, err := env.GetAsString("REDIS_PASSWORD", false, "")
	if err != nil {
		zap.S().Error(err)
	}
	dryRun, err := env.GetAsString("DRY_RUN", false, "false")
	if err != nil {
		zap.S().Error(err)
	}
	internal.InitTelemetryCache(redisURI, redisPassword, 0, dryRun)

	gracefulShutdownChannel := make(chan os.Signal, 1)
	db := postgresql.GetOrInit(gracefulShutdownChannel)
	health.AddReadinessCheck("database", db.GetHealthCheck())

	deviceTimeout, err := env.GetAsInt("DEVICE_TIMEOUT_SECONDS", false, 10)
	if err != nil {
		zap.S().Error(err)
	}
	link := devicelink.NewHTTPLink(time.Duration(deviceTimeout) * time.Second)

	coll := collector.NewCollector(db, link)
	retry := retrier.NewCoordinator(coll)

	var auditSink alerts.ISink = alerts.NoopSink{}
	auditDir, err := env.GetAsString("ALERT_AUDIT_DIR", false, "")
	if err != nil {
		zap.S().Error(err)
	}
	if auditDir != "" {
		queueSink, sinkErr := alerts.NewQueueSink(auditDir)
		if sinkErr != nil {
			zap.S().Fatalf("Failed to open alert audit queue in %s: %s", auditDir, sinkErr)
		}
		auditSink = queueSink
	}
	aggregator := alerts.NewAggregator(db, auditSink)
	alertHoursStart, err := env.GetAsInt("ALERT_BUSINESS_HOURS_START", false, 8)
	if err != nil {
		zap.S().Error(err)
	}
	alertHoursEnd, err := env.GetAsInt("ALERT_BUSINESS_HOURS_END", false, 18)
	if err != nil {
		zap.S().Error(err)
	}
	aggregator.SetBusinessHours(alertHoursStart, alertHoursEnd)

	pollIntervalSeconds, err := env.GetAsInt("POLL_INTERVAL_SECONDS", false, 60)
	if err != nil {
		zap.S().Error(err)
	}

	shutdown := internal.NewGracefulShutdown(func() error {
		internal.ShutdownCache()
		db.Shutdown()
		return auditSink.Close()
	})
	go func() {
		// The database layer reports unrecoverable connection loss here.
		<-gracefulShutdownChannel
		zap.S().Warnf("Database connection lost, shutting down")
		shutdown.Shutdown()
	}()

	go pollFleet(coll, retry, aggregator, db, shutdown, time.Duration(pollIntervalSeconds)*time.Second)

	shutdown.Wait()
}

var pollClasses = []datamodel.DataClass{
	datamodel.DataClassSystemHealth,
	datamodel.DataClassNetworkStatus,
	datamodel.DataClassIoStatus,
}

// pollFleet collects every telemetry class of every gateway once per tick.
// A fresh cache entry makes the poll a no-op for that class, so a tick
// shorter than the class TTL causes no extra device traffic. Retry eligible
// failures hand off to the retry coordinator in the background.
func pollFleet(coll *collector.Collector, retry *retrier.Coordinator, aggregator *alerts.Aggregator, db postgresql.IConnection, shutdown internal.GracefulShutdownHandler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if shutdown.ShuttingDown() {
			zap.S().Infof("Fleet poll stopped")
			return
		}

		gateways, err := db.ListGateways(context.Background())
		if err != nil {
			zap.S().Errorf("Failed to list gateways: %s", err)
		}
		for _, gw := range gateways {
			for _, class := range pollClasses {
				result := coll.Collect(context.Background(), gw.ID, class)
				if result.OK() || !result.Failure.RetryEligible {
					continue
				}
				gatewayID := gw.ID
				dataClass := class
				kind := result.Failure.Kind
				go func() {
					outcome := retry.RetryCollect(context.Background(), gatewayID, dataClass, kind)
					if outcome.Failure != nil && outcome.Failure.RetryExhausted {
						zap.S().Warnf("Gateway %s stayed unreachable for %s after all retries", gatewayID, dataClass)
					}
				}()
			}

			summary, aggErr := aggregator.Aggregate(context.Background(), gw.ID)
			if aggErr != nil {
				zap.S().Errorf("Failed to aggregate alerts for %s: %s", gw.ID, aggErr)
			} else if summary.HasAlerts {
				zap.S().Infof("Gateway %s: %s", gw.ID, summary.StatusLine)
			}
		}

		<-ticker.C
	}
}
