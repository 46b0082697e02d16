package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/omeid/pgerror"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/helper"
	"github.com/fieldgrid/rtu-telemetry/internal"
	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

// IConnection is the field-level read/write contract the core needs from
// persistence. The collector and the aggregator only ever see this
// interface, never the pool.
type IConnection interface {
	ListGateways(ctx context.Context) ([]datamodel.Gateway, error)
	LoadGateway(ctx context.Context, gatewayID string) (*datamodel.Gateway, error)
	SaveGateway(ctx context.Context, gw *datamodel.Gateway) error
	InsertHistory(ctx context.Context, point datamodel.HistoryPoint) error
	HistoryWindow(ctx context.Context, gatewayID string, window time.Duration) ([]datamodel.HistoryPoint, error)
	UnresolvedAlerts(ctx context.Context, gatewayID string) ([]datamodel.AlertRecord, error)
	InsertAlert(ctx context.Context, record *datamodel.AlertRecord) error
	ResolveAlert(ctx context.Context, alertID int64, resolverID string) error
}

type Connection struct {
	db                      *pgxpool.Pool
	gatewayRowCache         *lru.ARCCache
	GracefulShutdownChannel chan os.Signal
}

var conn *Connection

// GetOrInit sets up the connection pool from the environment on first use.
func GetOrInit(gracefulShutdownChannel chan os.Signal) *Connection {
	if conn != nil {
		return conn
	}
	zap.S().Debugf("Setting up postgresql")
	PQHost, err := env.GetAsString("POSTGRES_HOST", false, "db")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_HOST from env: %s", err)
	}
	PQPort, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_PORT from env: %s", err)
	}
	PQUser, err := env.GetAsString("POSTGRES_USER", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_USER from env: %s", err)
	}
	PQPassword, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_PASSWORD from env: %s", err)
	}
	PQDBName, err := env.GetAsString("POSTGRES_DATABASE", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_DATABASE from env: %s", err)
	}
	PQSSLMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_SSL_MODE from env: %s", err)
	}

	zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", PQUser, PQHost, PQPort, PQDBName, PQSSLMode)

	psqlInfo := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		PQHost, PQPort, PQUser, PQPassword, PQDBName, PQSSLMode)

	parseConfig, err := pgxpool.ParseConfig(psqlInfo)
	if err != nil {
		zap.S().Fatalf("Failed to parse config: %s", err)
	}
	parseConfig.MinConns = int32(runtime.NumCPU())
	if parseConfig.MinConns < 4 {
		parseConfig.MinConns = 4
	}
	parseConfig.MaxConnIdleTime = 5 * time.Minute
	parseConfig.MaxConnLifetime = 10 * time.Minute

	connCtx, conncnc := context.WithTimeout(context.Background(), 5*time.Second)
	defer conncnc()
	db, err := pgxpool.NewWithConfig(connCtx, parseConfig)
	if err != nil {
		zap.S().Fatalf("Failed to open database: %s", err)
	}

	rowCacheSize, err := env.GetAsInt("POSTGRES_LRU_CACHE_SIZE", false, 1000)
	if err != nil {
		zap.S().Error(err)
	}
	rowCache, err := lru.NewARC(rowCacheSize)
	if err != nil {
		zap.S().Fatalf("Failed to create ARC: %s", err)
	}

	conn = &Connection{
		db:                      db,
		gatewayRowCache:         rowCache,
		GracefulShutdownChannel: gracefulShutdownChannel,
	}

	if !conn.IsAvailable() {
		zap.S().Fatalf("Database is not available !")
	}

	// Validate that tables exist
	checkCtx, checkCncl := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCncl()
	tablesToCheck := []string{"gateway", "alert", "telemetry_history"}
	for _, table := range tablesToCheck {
		var tableName string
		query := `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
		row := db.QueryRow(checkCtx, query, table)
		scanErr := row.Scan(&tableName)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				zap.S().Fatalf("Table %s does not exist in the database", table)
			} else {
				zap.S().Fatalf("Failed to check for table %s: %s", table, scanErr)
			}
		}
	}

	go conn.pingDB()
	return conn
}

func (c *Connection) pingDB() {
	for {
		err := c.db.Ping(context.Background())
		if err != nil {
			zap.S().Errorf("Failed to ping database: %s", err)
		}
		time.Sleep(5 * time.Second)
	}
}

func (c *Connection) IsAvailable() bool {
	if c.db == nil {
		return false
	}
	ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
	defer cncl()
	err := c.db.Ping(ctx)
	if err != nil {
		zap.S().Debugf("Failed to ping database: %s", err)
		return false
	}
	return true
}

// Shutdown closes all database connections
func (c *Connection) Shutdown() {
	if c.db != nil {
		c.db.Close()
	}
}

func (c *Connection) GetHealthCheck() healthcheck.Check {
	return func() error {
		if c.IsAvailable() {
			return nil
		}
		return errors.New("healthcheck failed to reach database")
	}
}

// errorHandling logs postgresql errors and triggers a graceful shutdown on
// lost connections.
func (c *Connection) errorHandling(sqlStatement string, err error) {
	if e := pgerror.ConnectionException(err); e != nil {
		zap.S().Errorw(
			"PostgreSQL failed: ConnectionException",
			"error", err,
			"sqlStatement", sqlStatement,
		)
		if c.GracefulShutdownChannel != nil {
			signal.Notify(c.GracefulShutdownChannel, syscall.SIGTERM)
		}
	} else {
		zap.S().Errorw(
			"PostgreSQL failed.",
			"error", err,
			"sqlStatement", sqlStatement,
		)
	}
}

func (c *Connection) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.queryRepeatable(ctx, sql, 0, args...)
}

func (c *Connection) queryRepeatable(ctx context.Context, sql string, count int64, args ...any) (pgx.Rows, error) {
	rows, err := c.db.Query(ctx, sql, args...)
	if err != nil {
		if count > 10 {
			return nil, err
		}
		// Only transient connection errors are worth repeating.
		if pgerror.ConnectionException(err) != nil {
			zap.S().Debugf("Failed to connect to database: %s [retrying]", err)
			internal.SleepBackedOff(count, 100*time.Millisecond, 5*time.Second)
			return c.queryRepeatable(ctx, sql, count+1, args...)
		}
		return nil, err
	}
	return rows, nil
}

const gatewayColumns = `external_id, name, host, comm_state,
	uptime_hours, cpu_load, memory_usage,
	wan_ip, sim_iccid, sim_apn, sim_operator, connection_status, rssi, rsrp, rsrq, sinr,
	di1, di2, do1, do2, analog_voltage, last_seen_at`

func scanGateway(row pgx.Row) (*datamodel.Gateway, error) {
	var gw datamodel.Gateway
	var commState string
	var uptime, cpu, mem, rssi, rsrp, rsrq, sinr, analog sql.NullFloat64
	var wanIP, iccid, apn, operator, connStatus sql.NullString
	var di1, di2, do1, do2 sql.NullBool
	var lastSeen sql.NullTime

	err := row.Scan(
		&gw.ID, &gw.Name, &gw.Host, &commState,
		&uptime, &cpu, &mem,
		&wanIP, &iccid, &apn, &operator, &connStatus, &rssi, &rsrp, &rsrq, &sinr,
		&di1, &di2, &do1, &do2, &analog, &lastSeen,
	)
	if err != nil {
		return nil, err
	}
	gw.CommState = datamodel.CommState(commState)
	gw.SystemHealth = datamodel.SystemHealthPayload{
		UptimeHours: helper.NullFloat64ToPtr(uptime),
		CPULoad:     helper.NullFloat64ToPtr(cpu),
		MemoryUsage: helper.NullFloat64ToPtr(mem),
	}
	gw.Network = datamodel.NetworkStatusPayload{
		WANIP:            helper.NullStringToPtr(wanIP),
		SimICCID:         helper.NullStringToPtr(iccid),
		SimAPN:           helper.NullStringToPtr(apn),
		SimOperator:      helper.NullStringToPtr(operator),
		ConnectionStatus: helper.NullStringToPtr(connStatus),
		RSSI:             helper.NullFloat64ToPtr(rssi),
		RSRP:             helper.NullFloat64ToPtr(rsrp),
		RSRQ:             helper.NullFloat64ToPtr(rsrq),
		SINR:             helper.NullFloat64ToPtr(sinr),
	}
	gw.Io = datamodel.IoStatusPayload{
		DI1:           helper.NullBoolToPtr(di1),
		DI2:           helper.NullBoolToPtr(di2),
		DO1:           helper.NullBoolToPtr(do1),
		DO2:           helper.NullBoolToPtr(do2),
		AnalogVoltage: helper.NullFloat64ToPtr(analog),
	}
	gw.LastSeenAt = helper.NullTimeToPtr(lastSeen)
	return &gw, nil
}

func (c *Connection) ListGateways(ctx context.Context) ([]datamodel.Gateway, error) {
	sqlStatement := `SELECT ` + gatewayColumns + ` FROM gateway ORDER BY external_id`
	rows, err := c.query(ctx, sqlStatement)
	if err != nil {
		c.errorHandling(sqlStatement, err)
		return nil, err
	}
	defer rows.Close()

	var gateways []datamodel.Gateway
	for rows.Next() {
		gw, scanErr := scanGateway(rows)
		if scanErr != nil {
			c.errorHandling(sqlStatement, scanErr)
			return nil, scanErr
		}
		gateways = append(gateways, *gw)
	}
	return gateways, rows.Err()
}

func (c *Connection) LoadGateway(ctx context.Context, gatewayID string) (*datamodel.Gateway, error) {
	sqlStatement := `SELECT ` + gatewayColumns + ` FROM gateway WHERE external_id = $1`
	row := c.db.QueryRow(ctx, sqlStatement, gatewayID)
	gw, err := scanGateway(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("gateway %s not found", gatewayID)
		}
		c.errorHandling(sqlStatement, err)
		return nil, err
	}
	return gw, nil
}

// SaveGateway overwrites the last known fields of a gateway. The collector
// is the only caller, under its per-gateway lock.
func (c *Connection) SaveGateway(ctx context.Context, gw *datamodel.Gateway) error {
	sqlStatement := `UPDATE gateway SET
		comm_state = $2,
		uptime_hours = $3, cpu_load = $4, memory_usage = $5,
		wan_ip = $6, sim_iccid = $7, sim_apn = $8, sim_operator = $9, connection_status = $10,
		rssi = $11, rsrp = $12, rsrq = $13, sinr = $14,
		di1 = $15, di2 = $16, do1 = $17, do2 = $18, analog_voltage = $19,
		last_seen_at = $20
		WHERE external_id = $1`
	_, err := c.db.Exec(ctx, sqlStatement,
		gw.ID,
		string(gw.CommState),
		helper.Float64PtrToNullFloat64(gw.SystemHealth.UptimeHours),
		helper.Float64PtrToNullFloat64(gw.SystemHealth.CPULoad),
		helper.Float64PtrToNullFloat64(gw.SystemHealth.MemoryUsage),
		helper.StringPtrToNullString(gw.Network.WANIP),
		helper.StringPtrToNullString(gw.Network.SimICCID),
		helper.StringPtrToNullString(gw.Network.SimAPN),
		helper.StringPtrToNullString(gw.Network.SimOperator),
		helper.StringPtrToNullString(gw.Network.ConnectionStatus),
		helper.Float64PtrToNullFloat64(gw.Network.RSSI),
		helper.Float64PtrToNullFloat64(gw.Network.RSRP),
		helper.Float64PtrToNullFloat64(gw.Network.RSRQ),
		helper.Float64PtrToNullFloat64(gw.Network.SINR),
		helper.BoolPtrToNullBool(gw.Io.DI1),
		helper.BoolPtrToNullBool(gw.Io.DI2),
		helper.BoolPtrToNullBool(gw.Io.DO1),
		helper.BoolPtrToNullBool(gw.Io.DO2),
		helper.Float64PtrToNullFloat64(gw.Io.AnalogVoltage),
		helper.TimePtrToNullTime(gw.LastSeenAt),
	)
	if err != nil {
		c.errorHandling(sqlStatement, err)
		return err
	}
	return nil
}

// gatewayRowID resolves the internal row id of a gateway, cached in the ARC
// cache since the mapping never changes.
func (c *Connection) gatewayRowID(ctx context.Context, gatewayID string) (int64, error) {
	if value, ok := c.gatewayRowCache.Get(gatewayID); ok {
		return value.(int64), nil
	}
	var id int64
	sqlStatement := `SELECT id FROM gateway WHERE external_id = $1`
	err := c.db.QueryRow(ctx, sqlStatement, gatewayID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("gateway %s not found", gatewayID)
		}
		c.errorHandling(sqlStatement, err)
		return 0, err
	}
	c.gatewayRowCache.Add(gatewayID, id)
	return id, nil
}

func (c *Connection) InsertHistory(ctx context.Context, point datamodel.HistoryPoint) error {
	rowID, err := c.gatewayRowID(ctx, point.GatewayID)
	if err != nil {
		return err
	}
	sqlStatement := `INSERT INTO telemetry_history (gateway_id, timestamp, cpu_load, memory_usage) VALUES ($1, $2, $3, $4)`
	_, err = c.db.Exec(ctx, sqlStatement, rowID, point.Timestamp, point.CPULoad, point.MemUsage)
	if err != nil {
		c.errorHandling(sqlStatement, err)
		return err
	}
	return nil
}

func (c *Connection) HistoryWindow(ctx context.Context, gatewayID string, window time.Duration) ([]datamodel.HistoryPoint, error) {
	rowID, err := c.gatewayRowID(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	sqlStatement := `SELECT timestamp, cpu_load, memory_usage FROM telemetry_history
		WHERE gateway_id = $1 AND timestamp > $2 ORDER BY timestamp`
	rows, err := c.query(ctx, sqlStatement, rowID, time.Now().Add(-window))
	if err != nil {
		c.errorHandling(sqlStatement, err)
		return nil, err
	}
	defer rows.Close()

	var points []datamodel.HistoryPoint
	for rows.Next() {
		point := datamodel.HistoryPoint{GatewayID: gatewayID}
		scanErr := rows.Scan(&point.Timestamp, &point.CPULoad, &point.MemUsage)
		if scanErr != nil {
			c.errorHandling(sqlStatement, scanErr)
			return nil, scanErr
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

func (c *Connection) UnresolvedAlerts(ctx context.Context, gatewayID string) ([]datamodel.AlertRecord, error) {
	sqlStatement := `SELECT id, device_id, parameter, severity, message, value, created_at, resolved, resolved_by, resolved_at
		FROM alert WHERE device_id = $1 AND resolved = false ORDER BY created_at`
	rows, err := c.query(ctx, sqlStatement, gatewayID)
	if err != nil {
		c.errorHandling(sqlStatement, err)
		return nil, err
	}
	defer rows.Close()

	var records []datamodel.AlertRecord
	for rows.Next() {
		var record datamodel.AlertRecord
		var severity string
		var value sql.NullFloat64
		var resolvedBy sql.NullString
		var resolvedAt sql.NullTime
		scanErr := rows.Scan(&record.ID, &record.DeviceID, &record.Parameter, &severity, &record.Message,
			&value, &record.CreatedAt, &record.Resolved, &resolvedBy, &resolvedAt)
		if scanErr != nil {
			c.errorHandling(sqlStatement, scanErr)
			return nil, scanErr
		}
		record.Severity = datamodel.Severity(severity)
		record.Value = helper.NullFloat64ToPtr(value)
		record.ResolvedBy = helper.NullStringToPtr(resolvedBy)
		record.ResolvedAt = helper.NullTimeToPtr(resolvedAt)
		records = append(records, record)
	}
	return records, rows.Err()
}

func (c *Connection) InsertAlert(ctx context.Context, record *datamodel.AlertRecord) error {
	sqlStatement := `INSERT INTO alert (device_id, parameter, severity, message, value, created_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, false) RETURNING id`
	err := c.db.QueryRow(ctx, sqlStatement,
		record.DeviceID, record.Parameter, string(record.Severity), record.Message,
		helper.Float64PtrToNullFloat64(record.Value), record.CreatedAt,
	).Scan(&record.ID)
	if err != nil {
		c.errorHandling(sqlStatement, err)
		return err
	}
	return nil
}

func (c *Connection) ResolveAlert(ctx context.Context, alertID int64, resolverID string) error {
	sqlStatement := `UPDATE alert SET resolved = true, resolved_by = $2, resolved_at = $3
		WHERE id = $1 AND resolved = false`
	tag, err := c.db.Exec(ctx, sqlStatement, alertID, resolverID, time.Now())
	if err != nil {
		c.errorHandling(sqlStatement, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %d not found or already resolved", alertID)
	}
	return nil
}
