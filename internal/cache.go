package internal

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

var rdb *redis.Client
var ctx = context.Background()
var memCache *cache.Cache

var redisInitialized bool

// staleRetention is how long an expired telemetry value stays around for
// fallback lookups after its live TTL has elapsed.
const staleRetention = 24 * time.Hour

const (
	ttlIoStatus     = 60 * time.Second
	ttlSystemHealth = 300 * time.Second
	ttlNetwork      = 300 * time.Second
	ttlTrendShort   = 120 * time.Second
	ttlTrendMedium  = 600 * time.Second
	ttlTrendLong    = 3600 * time.Second
)

// InitTelemetryCache initializes the memory tier and the redis tier of the
// telemetry cache. With dryRun set, redis is skipped entirely and the cache
// runs memory-only.
func InitTelemetryCache(redisURI string, redisPassword string, redisDB int, dryRun string) {
	if dryRun == "True" || dryRun == "true" {
		zap.S().Infof("Running telemetry cache in DRY_RUN mode, redis tier stays disabled")
		InitMemoryTelemetryCache()
		return
	}

	options := redis.Options{
		Addr:     redisURI,
		Password: redisPassword,
		DB:       redisDB,
	}
	zap.S().Debugf("Initializing redis telemetry cache with options: %#v", options)

	rdb = redis.NewClient(&options)

	memCache = cache.New(ttlSystemHealth, 20*time.Second)
	redisInitialized = true
}

// InitMemoryTelemetryCache initializes the memory tier only. Used by tests
// and by deployments without a redis instance.
func InitMemoryTelemetryCache() {
	memCache = cache.New(ttlSystemHealth, 20*time.Second)
	redisInitialized = false
}

// IsRedisAvailable pings the redis tier.
func IsRedisAvailable() bool {
	if !redisInitialized {
		zap.S().Warn("Redis is not initialized")
		return false
	}
	if rdb != nil {
		timeout, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		statusCmd := rdb.Ping(timeout)

		if statusCmd != nil && statusCmd.Val() == "PONG" {
			return true
		}
		zap.S().Debugf("Redis Error: %s", statusCmd)
	}
	return false
}

// ClassTTL returns the freshness window of a telemetry class. Fast changing
// I/O state gets the shortest window, trend reports use TrendTTL instead.
func ClassTTL(class datamodel.DataClass) time.Duration {
	switch class {
	case datamodel.DataClassIoStatus:
		return ttlIoStatus
	case datamodel.DataClassSystemHealth:
		return ttlSystemHealth
	case datamodel.DataClassNetworkStatus:
		return ttlNetwork
	case datamodel.DataClassTrend:
		return ttlTrendLong
	default:
		return ttlSystemHealth
	}
}

// TrendTTL scales the cache TTL of a trend report with the requested window.
// A one hour window changes quickly, a week of history barely moves.
func TrendTTL(window time.Duration) time.Duration {
	switch {
	case window <= time.Hour:
		return ttlTrendShort
	case window <= 24*time.Hour:
		return ttlTrendMedium
	default:
		return ttlTrendLong
	}
}

func telemetryKey(gatewayID string, class datamodel.DataClass) string {
	return AsXXHashString([]byte(gatewayID), []byte("*"), []byte(class))
}

func staleKey(gatewayID string, class datamodel.DataClass) string {
	return telemetryKey(gatewayID, class) + "#stale"
}

// GetTelemetry attempts to get a telemetry payload from the memory tier and
// falls back to redis. A redis failure is silently treated as a miss, the
// cache is a best effort accelerator and never raises an error.
func GetTelemetry(gatewayID string, class datamodel.DataClass) (payload []byte, hit bool) {
	if memCache == nil {
		return nil, false
	}
	key := telemetryKey(gatewayID, class)

	if value, cached := memCache.Get(key); cached {
		zap.S().Debugf("Telemetry cache hit in memory for %s/%s", gatewayID, class)
		return value.([]byte), true
	}

	if !redisInitialized {
		return nil, false
	}

	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	value, err := rdb.Get(deadline, key).Bytes()
	if err != nil {
		return nil, false
	}
	zap.S().Debugf("Telemetry cache hit in redis for %s/%s", gatewayID, class)

	// Write back to the memory tier with the remaining redis lifetime, so
	// the memory copy can never outlive the class TTL.
	remaining, pttlErr := rdb.PTTL(deadline, key).Result()
	memCache.Set(key, value, writeBackTTL(class, remaining, pttlErr))
	return value, true
}

// writeBackTTL bounds the memory copy of a redis hit. Without a usable
// remaining lifetime the class TTL applies, a short lived class must never
// pick up the longer cache default.
func writeBackTTL(class datamodel.DataClass, remaining time.Duration, pttlErr error) time.Duration {
	if pttlErr != nil || remaining <= 0 {
		return ClassTTL(class)
	}
	return remaining
}

// GetTelemetryStale returns the last written payload for a gateway and
// class even after its live TTL has elapsed. Used by the fallback path.
func GetTelemetryStale(gatewayID string, class datamodel.DataClass) (payload []byte, found bool) {
	if memCache == nil {
		return nil, false
	}
	key := staleKey(gatewayID, class)
	if value, cached := memCache.Get(key); cached {
		return value.([]byte), true
	}
	if !redisInitialized {
		return nil, false
	}
	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	value, err := rdb.Get(deadline, key).Bytes()
	if err != nil {
		return nil, false
	}
	return value, true
}

// SetTelemetry writes a payload to both tiers with the class TTL.
func SetTelemetry(gatewayID string, class datamodel.DataClass, payload []byte) {
	SetTelemetryTTL(gatewayID, class, payload, ClassTTL(class))
}

// SetTelemetryTTL writes a payload to both tiers with an explicit TTL. The
// stale copy is refreshed alongside, with its own long retention.
func SetTelemetryTTL(gatewayID string, class datamodel.DataClass, payload []byte, ttl time.Duration) {
	if memCache == nil {
		return
	}
	key := telemetryKey(gatewayID, class)
	memCache.Set(key, payload, ttl)
	memCache.Set(staleKey(gatewayID, class), payload, staleRetention)
	if redisInitialized {
		rdb.Set(ctx, key, payload, ttl)
		rdb.Set(ctx, staleKey(gatewayID, class), payload, staleRetention)
	}
}

// InvalidateTelemetry removes the live cache entries of a gateway, either
// for the given classes or for all classes when none are given. The stale
// copies are kept for fallback use, their age is disclosed to callers.
func InvalidateTelemetry(gatewayID string, classes ...datamodel.DataClass) {
	if memCache == nil {
		return
	}
	if len(classes) == 0 {
		classes = []datamodel.DataClass{
			datamodel.DataClassSystemHealth,
			datamodel.DataClassNetworkStatus,
			datamodel.DataClassIoStatus,
			datamodel.DataClassTrend,
		}
	}
	for _, class := range classes {
		key := telemetryKey(gatewayID, class)
		memCache.Delete(key)
		if redisInitialized {
			rdb.Del(ctx, key)
		}
	}
}

// ShutdownCache closes the redis connection of the cache, if any.
func ShutdownCache() {
	if redisInitialized && rdb != nil {
		err := rdb.Close()
		if err != nil {
			zap.S().Errorf("Error closing redis connection: %s", err)
		}
		redisInitialized = false
	}
}
