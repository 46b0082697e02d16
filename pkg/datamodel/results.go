package datamodel

import (
	"time"
)

// ErrorKind is the closed failure taxonomy used throughout the core. Every
// device link failure is mapped onto exactly one of these.
type ErrorKind string

const (
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindConnectionRefused ErrorKind = "connection_refused"
	ErrorKindAuthentication    ErrorKind = "authentication"
	ErrorKindNotFound          ErrorKind = "not_found"
	ErrorKindInvalidResponse   ErrorKind = "invalid_response"
	ErrorKindHardwareFailure   ErrorKind = "hardware_failure"
	ErrorKindPermissionDenied  ErrorKind = "permission_denied"
	ErrorKindInvalidOperation  ErrorKind = "invalid_operation"
	ErrorKindUnknown           ErrorKind = "unknown"
)

// CollectFailure describes one failed collection or control attempt in a
// form the presentation layer can render directly. The device link error
// itself never leaves the core.
type CollectFailure struct {
	Kind                 ErrorKind      `json:"errorKind"`
	Message              string         `json:"message"`
	TroubleshootingSteps []string       `json:"troubleshootingSteps"`
	RetryEligible        bool           `json:"retryEligible"`
	RetrySuggested       bool           `json:"retrySuggested"`
	DataAge              *time.Duration `json:"dataAge,omitempty"`
	RetryInProgress      bool           `json:"retryInProgress,omitempty"`
	RetryExhausted       bool           `json:"retryExhausted,omitempty"`
	Attempts             int            `json:"attempts,omitempty"`
}

// CollectResult is the outcome of one telemetry collection. On failure the
// snapshot still carries the best available fallback data, so a caller
// always has something to show.
type CollectResult struct {
	Snapshot  TelemetrySnapshot `json:"snapshot"`
	FromCache bool              `json:"fromCache"`
	Attempt   int               `json:"attempt,omitempty"`
	Failure   *CollectFailure   `json:"failure,omitempty"`
}

func (r *CollectResult) OK() bool {
	return r.Failure == nil
}

// ControlResult is the outcome of a digital output command.
type ControlResult struct {
	OK       bool            `json:"ok"`
	OutputID string          `json:"outputId"`
	State    bool            `json:"state"`
	Failure  *CollectFailure `json:"failure,omitempty"`
}

// TrendResult wraps a trend report with the shared failure shape.
type TrendResult struct {
	Report    *TrendReport    `json:"report,omitempty"`
	FromCache bool            `json:"fromCache"`
	Failure   *CollectFailure `json:"failure,omitempty"`
}
