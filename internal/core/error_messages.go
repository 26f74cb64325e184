// Error Codes Reference
//
// This file defines the error taxonomy of an ingestion run and maps errors
// to stable codes that appear in logs, run summaries and API responses.
//
// # Source Errors (SRC001-SRC099)
//
//	SRC001 - Fetch failed: the page could not be retrieved or rendered
//	         Effect: source skipped, next source processed
//	SRC002 - Empty content: the fetch returned nothing
//	         Effect: source skipped
//	SRC003 - No rows: no recognizable table rows were found
//	         Effect: source skipped
//	SRC004 - Unknown parser: the source names an unregistered parser
//	         Effect: source skipped
//	SRC005 - Unsupported format: the source kind cannot be parsed yet
//	         Effect: source skipped
//
// # Row Errors (ROW001-ROW099)
//
//	ROW001 - Too few columns
//	ROW002 - Empty region name
//	ROW003 - Invalid period
//	ROW004 - Invalid amount
//	         Effect: row skipped, iteration continues
//
// # Resolution Errors (RES001-RES099)
//
//	RES001 - Region could not be resolved (jurisdiction lookup or insert failed)
//	         Effect: row skipped and logged with the region name
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Conflict: a uniqueness constraint was hit during creation
//	        Effect: retried as a lookup, never surfaced to callers
//	DB002 - Not found
//	DB003 - Connection refused or reset
//	DB004 - Timeout
//
// # Query Errors (API001-API099)
//
//	API001 - Invalid query: a malformed identifier, period or limit
//	         Effect: request rejected with 400
//	API002 - Rate limit exceeded (429, written by the web layer)
//	API003 - Request body too large (413, written by the web layer)
//	API004 - Too many concurrent previews (503, written by the web layer)
//
// # Default Error (ERR000)
//
// Fallback when no specific error matches.

package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("unique constraint conflict")
	ErrFetch             = errors.New("fetch failed")
	ErrEmptyContent      = errors.New("empty content")
	ErrNoRows            = errors.New("no rows parsed")
	ErrUnknownParser     = errors.New("unknown parser")
	ErrUnsupportedFormat = errors.New("unsupported source format")
	ErrNegativeAmount    = errors.New("negative amount")
	ErrInvalidQuery      = errors.New("invalid query")
)

// ResolutionError reports that a region identity could not be established.
type ResolutionError struct {
	JurisdictionID string
	Name           string
	Err            error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve region %q in jurisdiction %s: %v", e.Name, e.JurisdictionID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// UserMessage provides a stable code and a readable description for an error.
type UserMessage struct {
	Message string // What happened
	Action  string // What the operator can do about it
	Code    string // Error code for log correlation
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the logs for the underlying error",
	Code:    "ERR000",
}

// sentinelMessages maps sentinel errors to messages. Checked in order with
// errors.Is, before any text pattern.
var sentinelMessages = []struct {
	err error
	msg UserMessage
}{
	{ErrFetch, UserMessage{"The source page could not be retrieved", "Check the URL and network access", "SRC001"}},
	{ErrEmptyContent, UserMessage{"The source returned no content", "Check whether the page moved", "SRC002"}},
	{ErrNoRows, UserMessage{"No allocation rows were found", "Check the parser's table selectors against the page", "SRC003"}},
	{ErrUnknownParser, UserMessage{"The source names an unknown parser", "Use one of the registered parser keys", "SRC004"}},
	{ErrUnsupportedFormat, UserMessage{"The source format is not supported yet", "The document was archived for manual review", "SRC005"}},
	{ErrConflict, UserMessage{"A record with this key already exists", "No action needed; the existing record is used", "DB001"}},
	{ErrNotFound, UserMessage{"The requested record does not exist", "Verify the identifier", "DB002"}},
	{ErrNegativeAmount, UserMessage{"Allocation amounts must not be negative", "Check the source row", "ROW004"}},
	{ErrInvalidQuery, UserMessage{"The request parameters are invalid", "Check identifiers, periods and limits", "API001"}},
	{context.DeadlineExceeded, UserMessage{"The operation timed out", "Try again or raise the timeout", "DB004"}},
	{context.Canceled, UserMessage{"The operation was cancelled", "Re-run the source; writes are idempotent", "ERR001"}},
}

// errorPatterns maps technical error text (case-insensitive) to messages.
// The first matching pattern wins.
var errorPatterns = []struct {
	pattern string
	msg     UserMessage
}{
	{"duplicate key", UserMessage{"A record with this key already exists", "No action needed; the existing record is used", "DB001"}},
	{"unique constraint", UserMessage{"A record with this key already exists", "No action needed; the existing record is used", "DB001"}},
	{"connection refused", UserMessage{"Unable to connect to the database", "Check DATABASE_URL and that the database is up", "DB003"}},
	{"connection reset", UserMessage{"The database connection was interrupted", "Re-run the source", "DB003"}},
	{"timeout", UserMessage{"The operation timed out", "Try again or raise the timeout", "DB004"}},
}

var skipMessages = map[SkipReason]UserMessage{
	SkipTooFewColumns:     {"Row has too few columns", "Check the parser's column layout", "ROW001"},
	SkipEmptyRegion:       {"Row has an empty region name", "Check the region column", "ROW002"},
	SkipInvalidPeriod:     {"Row has an unrecognized period", "Check the period column format", "ROW003"},
	SkipInvalidAmount:     {"Row has an unrecognized amount", "Check the amount column format", "ROW004"},
	SkipResolution:        {"Region could not be resolved", "Check the jurisdiction and region tables", "RES001"},
	SkipPersistence:       {"Allocation could not be saved", "Re-run the source; writes are idempotent", "DB005"},
	SkipFetchFailed:       {"The source page could not be retrieved", "Check the URL and network access", "SRC001"},
	SkipEmptyContent:      {"The source returned no content", "Check whether the page moved", "SRC002"},
	SkipNoRows:            {"No allocation rows were found", "Check the parser's table selectors against the page", "SRC003"},
	SkipUnknownParser:     {"The source names an unknown parser", "Use one of the registered parser keys", "SRC004"},
	SkipUnsupportedFormat: {"The source format is not supported yet", "The document was archived for manual review", "SRC005"},
	SkipInactive:          {"The source is marked inactive", "Set active: true to ingest it", "SRC006"},
}

// MapError converts an error to a UserMessage.
// Returns an empty UserMessage if err is nil.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var resErr *ResolutionError
	if errors.As(err, &resErr) {
		return skipMessages[SkipResolution]
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}

	errLower := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errLower, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// MapSkip returns the message for a skip reason.
func MapSkip(reason SkipReason) UserMessage {
	if msg, ok := skipMessages[reason]; ok {
		return msg
	}
	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// skipReasonFor classifies a source-level error into a skip reason.
// isCancellation reports whether err comes from the run's context being
// cancelled. A cancelled source fails; it is not skipped.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

func skipReasonFor(err error) SkipReason {
	switch {
	case errors.Is(err, ErrEmptyContent):
		return SkipEmptyContent
	case errors.Is(err, ErrNoRows):
		return SkipNoRows
	case errors.Is(err, ErrUnknownParser):
		return SkipUnknownParser
	case errors.Is(err, ErrUnsupportedFormat):
		return SkipUnsupportedFormat
	default:
		return SkipFetchFailed
	}
}
