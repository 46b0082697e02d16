package helper

import (
	"database/sql"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
)

func InitLogging() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)
}

func InitTestLogging() {
	_ = logger.New("DEVELOPMENT")
}

// Pointer/null conversions for writing optional gateway fields.

func Float64PtrToNullFloat64(val *float64) sql.NullFloat64 {
	if val == nil {
		return sql.NullFloat64{Valid: false}
	}
	return sql.NullFloat64{Valid: true, Float64: *val}
}

func BoolPtrToNullBool(val *bool) sql.NullBool {
	if val == nil {
		return sql.NullBool{Valid: false}
	}
	return sql.NullBool{Valid: true, Bool: *val}
}

func StringPtrToNullString(val *string) sql.NullString {
	if val == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{Valid: true, String: *val}
}

func TimePtrToNullTime(val *time.Time) sql.NullTime {
	if val == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Valid: true, Time: *val}
}

func NullFloat64ToPtr(val sql.NullFloat64) *float64 {
	if !val.Valid {
		return nil
	}
	v := val.Float64
	return &v
}

func NullBoolToPtr(val sql.NullBool) *bool {
	if !val.Valid {
		return nil
	}
	v := val.Bool
	return &v
}

func NullStringToPtr(val sql.NullString) *string {
	if !val.Valid {
		return nil
	}
	v := val.String
	return &v
}

func NullTimeToPtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	v := val.Time
	return &v
}
