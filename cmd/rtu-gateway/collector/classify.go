package collector

import (
	"strings"

	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

// classifyRule maps failure text fragments onto one error kind. First match
// wins, so the order below is part of the contract: other components key
// retry decisions and message wording off this classification, and the same
// failure text must always yield the same kind.
type classifyRule struct {
	kind      datamodel.ErrorKind
	fragments []string
}

var classifyRules = []classifyRule{
	{datamodel.ErrorKindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{datamodel.ErrorKindConnectionRefused, []string{"connection refused", "connection reset", "no route to host", "unreachable", "refused"}},
	{datamodel.ErrorKindHardwareFailure, []string{"module offline", "module fault", "hardware"}},
	{datamodel.ErrorKindPermissionDenied, []string{"permission denied", "forbidden", "status 403"}},
	{datamodel.ErrorKindAuthentication, []string{"authentication", "credentials", "unauthorized", "status 401"}},
	{datamodel.ErrorKindNotFound, []string{"not found", "status 404"}},
	{datamodel.ErrorKindInvalidResponse, []string{"invalid response", "unexpected status", "unmarshal", "malformed", "parse error"}},
	{datamodel.ErrorKindInvalidOperation, []string{"invalid output", "invalid operation", "invalid parameter", "rejected by device"}},
}

// ClassifyError maps a failure onto the closed error taxonomy. Pure and
// case-insensitive; unmatched failures are ErrorKindUnknown.
func ClassifyError(err error) datamodel.ErrorKind {
	if err == nil {
		return datamodel.ErrorKindUnknown
	}
	text := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, fragment := range rule.fragments {
			if strings.Contains(text, fragment) {
				return rule.kind
			}
		}
	}
	return datamodel.ErrorKindUnknown
}

// RetryEligible reports whether an automatic retry can resolve the failure.
// Authentication and permission failures need human intervention and are
// never retried automatically.
func RetryEligible(kind datamodel.ErrorKind) bool {
	switch kind {
	case datamodel.ErrorKindTimeout, datamodel.ErrorKindConnectionRefused, datamodel.ErrorKindInvalidResponse:
		return true
	default:
		return false
	}
}

// RetrySuggested reports whether a manual retry is worth suggesting to the
// operator, even where the core will not retry on its own.
func RetrySuggested(kind datamodel.ErrorKind) bool {
	switch kind {
	case datamodel.ErrorKindAuthentication, datamodel.ErrorKindPermissionDenied:
		return false
	default:
		return true
	}
}
